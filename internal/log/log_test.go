package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestPairsDropsMalformedKeys(t *testing.T) {
	got := pairs([]any{"a", 1, 2, "skipped", "b", true, "dangling"})
	assert.Equal(t, []any{"a", 1, "b", true}, got)
}

func TestMaskCard(t *testing.T) {
	assert.Equal(t, "****5678", MaskCard("12345678"))
	assert.Equal(t, "****", MaskCard("123"))
}
