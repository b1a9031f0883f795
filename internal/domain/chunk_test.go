package domain_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"kb-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestChunkID(t *testing.T) {
	docID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8_0", domain.ChunkID(docID, 0))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8_42", domain.ChunkID(docID, 42))
}

func TestTruncateBytes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under limit", "hello", 10, "hello"},
		{"exact limit", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"empty", "", 5, ""},
		{"zero max", "hello", 0, ""},
		// "日" is 3 bytes, so a 4 byte cap lands inside the second rune.
		{"cjk boundary", "日本語", 4, "日"},
		{"cjk whole runes", "日本語", 6, "日本"},
		{"mixed", "ab日本", 3, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.TruncateBytes(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max, "result exceeds the byte cap")
		})
	}
}

func TestTruncateBytes_LongCJK(t *testing.T) {
	s := strings.Repeat("語", 100) // 300 bytes

	got := domain.TruncateBytes(s, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 99, len(got), "99 is the last multiple of 3 under the cap")
}
