package fulltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		name string
		hit  map[string]interface{}
		want float32
	}{
		{"in range", map[string]interface{}{"_rankingScore": 0.73}, 0.73},
		{"missing score ranks last", map[string]interface{}{}, 0},
		{"wrong type ranks last", map[string]interface{}{"_rankingScore": "0.9"}, 0},
		{"clamped above", map[string]interface{}{"_rankingScore": 1.7}, 1},
		{"clamped below", map[string]interface{}{"_rankingScore": -0.2}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, normalizeScore(tt.hit), 1e-6)
		})
	}
}

func TestGetString(t *testing.T) {
	m := map[string]interface{}{
		"id":      "doc_3",
		"seq":     3,
		"content": "body",
	}

	assert.Equal(t, "doc_3", getString(m, "id"))
	assert.Equal(t, "", getString(m, "seq"), "non-string values yield empty")
	assert.Equal(t, "", getString(m, "missing"))
}
