package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestParser() *Parser {
	return New(testLogger(), time.Minute, DefaultPDFPageThreshold)
}

func TestNormalizeExtension(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{".PDF", "pdf"},
		{"pdf", "pdf"},
		{" .Md ", "md"},
		{"HTML", "html"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeExtension(tt.in))
	}
}

func TestSupported(t *testing.T) {
	for _, ext := range []string{"pdf", ".pdf", "docx", "html", "htm", "txt", "md", "markdown", ".TXT"} {
		assert.True(t, Supported(ext), "%q should be supported", ext)
	}
	for _, ext := range []string{"exe", "png", "csv", ""} {
		assert.False(t, Supported(ext), "%q should not be supported", ext)
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse(context.Background(), []byte("data"), "xlsx")
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestParse_PlainText(t *testing.T) {
	p := newTestParser()

	t.Run("Normalizes line endings and trims", func(t *testing.T) {
		text, err := p.Parse(context.Background(), []byte("  line one\r\nline two\r\rline three  \n"), "txt")
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two\n\nline three", text)
	})

	t.Run("Collapses newline runs", func(t *testing.T) {
		text, err := p.Parse(context.Background(), []byte("a\n\n\n\n\nb"), "md")
		require.NoError(t, err)
		assert.Equal(t, "a\n\nb", text)
	})

	t.Run("Rejects invalid UTF-8", func(t *testing.T) {
		_, err := p.Parse(context.Background(), []byte{0xff, 0xfe, 0x00, 0x41}, "txt")
		assert.ErrorIs(t, err, domain.ErrCorruptFile)
	})
}

func TestParse_HTML(t *testing.T) {
	p := newTestParser()

	t.Run("Strips boilerplate and keeps block structure", func(t *testing.T) {
		raw := `<html><head><title>Ignored</title><script>var x = 1;</script><style>p{}</style></head>` +
			`<body><nav>menu items</nav><h1>Heading</h1><p>First paragraph.</p><p>Second paragraph.</p>` +
			`<footer>copyright</footer></body></html>`

		text, err := p.Parse(context.Background(), []byte(raw), "html")
		require.NoError(t, err)

		assert.Contains(t, text, "Heading")
		assert.Contains(t, text, "First paragraph.")
		assert.Contains(t, text, "Second paragraph.")
		assert.NotContains(t, text, "menu items")
		assert.NotContains(t, text, "var x")
		assert.NotContains(t, text, "copyright")
		assert.NotContains(t, text, "Ignored")
		assert.Contains(t, text, "Heading\nFirst paragraph.", "block elements should break lines")
	})

	t.Run("Unescapes entities", func(t *testing.T) {
		text, err := p.Parse(context.Background(), []byte("<p>Fish &amp; Chips</p>"), "htm")
		require.NoError(t, err)
		assert.Equal(t, "Fish & Chips", text)
	})

	t.Run("List items each get a line", func(t *testing.T) {
		text, err := p.Parse(context.Background(), []byte("<ul><li>alpha</li><li>bravo</li></ul>"), "html")
		require.NoError(t, err)
		assert.Contains(t, text, "alpha\nbravo")
	})
}

func TestStripTagsFallback(t *testing.T) {
	out := stripTagsFallback([]byte("<p>Hello &amp; goodbye</p>"))
	assert.Equal(t, "Hello & goodbye", out)
}

func TestParse_CorruptPDF(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse(context.Background(), []byte("this is definitely not a pdf"), "pdf")
	assert.ErrorIs(t, err, domain.ErrCorruptFile)
}

func TestParse_CorruptDocx(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse(context.Background(), []byte("not a zip archive at all"), "docx")
	assert.ErrorIs(t, err, domain.ErrCorruptFile)
}

func TestParse_MinimalDocx(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
		`<w:body><w:p><w:r><w:t>Hello from the document body.</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := newTestParser()
	text, err := p.Parse(context.Background(), buf.Bytes(), "docx")
	require.NoError(t, err)
	assert.Contains(t, text, "Hello from the document body.")
}

func TestParse_CancelledContext(t *testing.T) {
	p := newTestParser()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Parse(ctx, []byte("some text"), "txt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a\nb", normalizeText("a\r\nb"))
	assert.Equal(t, "a\n\nb", normalizeText("\n\na\n\n\n\nb\n\n"))
	assert.Equal(t, "", normalizeText("   \n\t  "))
}
