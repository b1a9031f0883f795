package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// blockTags are elements whose end forces a line break in the extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "tr": true, "blockquote": true, "pre": true,
	"article": true, "section": true, "figcaption": true,
}

// parseHTML strips boilerplate elements and walks the remaining DOM,
// emitting newlines at block boundaries so paragraph structure survives
// into the splitter. A document the DOM parser cannot handle falls back to
// strict tag-stripping.
func parseHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return stripTagsFallback(data), nil
	}

	doc.Find("head, script, style, noscript, title, iframe, aside, nav, header, footer").Remove()

	var b strings.Builder
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	for _, node := range root.Nodes {
		walkText(node, &b)
	}

	text := b.String()
	if strings.TrimSpace(text) == "" {
		// Some documents carry all content in attributes or malformed
		// markup the walk misses; let the sanitizer have a try.
		return stripTagsFallback(data), nil
	}
	return text, nil
}

func walkText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		b.WriteString("\n")
	}
}

func stripTagsFallback(data []byte) string {
	sanitized := bluemonday.StrictPolicy().SanitizeBytes(data)
	return html.UnescapeString(string(sanitized))
}
