package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStripsHTML(t *testing.T) {
	assert.Equal(t, "bold text", normalize("<b>bold</b>   <i>text</i>"))
}

func TestNormalizeReplacesEntitySequences(t *testing.T) {
	assert.Equal(t, "100° ®", normalize("100&deg; ¬Æ"))
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", normalize("a   b\tc"))
	assert.Equal(t, "a b c", normalize("  a b c  "))
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"<p>Hello   world</p>",
		"100&deg;C ¬Æ registered",
		"  already   normal  ",
		"",
	}
	for _, s := range inputs {
		once := normalize(s)
		twice := normalize(once)
		assert.Equal(t, once, twice, "input %q", s)
	}
}
