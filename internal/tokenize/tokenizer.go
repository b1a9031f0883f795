package tokenize

import (
	"strings"
	"unicode"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// InitTokenizer builds the morphological tokenizer with the IPA dictionary.
// Construction is expensive, so callers hold one instance for the process
// lifetime.
func InitTokenizer() (*tokenizer.Tokenizer, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ContainsCJK reports whether text contains Japanese or Han characters.
func ContainsCJK(text string) bool {
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}

// SegmentQuery rewrites a CJK query into space-separated terms so the
// keyword index matches on word units rather than the raw unsegmented
// string. Non-CJK queries pass through untouched.
func SegmentQuery(t *tokenizer.Tokenizer, query string) string {
	if t == nil || !ContainsCJK(query) {
		return query
	}

	tokens := t.Wakati(query)
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if s := strings.TrimSpace(tok); s != "" {
			terms = append(terms, s)
		}
	}
	if len(terms) == 0 {
		return query
	}
	return strings.Join(terms, " ")
}
