package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeader(t *testing.T) {
	cases := map[string]string{
		"Part Number":    "part_number",
		"  SKU  ":        "sku",
		"Product   Desc": "product_desc",
		"already_normal": "already_normal",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHeader(in), "input %q", in)
	}
}

func TestNormalizeHeaderIdempotent(t *testing.T) {
	for _, s := range []string{"Part Number", "  SKU  ", "a_b_c"} {
		once := NormalizeHeader(s)
		twice := NormalizeHeader(once)
		assert.Equal(t, once, twice)
	}
}

func TestRowHasPartNumber(t *testing.T) {
	row := NewRow(1, []string{"part_number", "sku"}, []string{"X-1", "s"})
	assert.True(t, row.HasPartNumber())

	missing := NewRow(2, []string{"part_number", "sku"}, []string{"", "s"})
	assert.False(t, missing.HasPartNumber())

	absent := NewRow(3, []string{"sku"}, []string{"s"})
	assert.False(t, absent.HasPartNumber())
}

func TestNewRowPadsMissingTrailingValues(t *testing.T) {
	row := NewRow(1, []string{"part_number", "sku", "series"}, []string{"X-1"})
	assert.Equal(t, "X-1", row.Get("part_number"))
	assert.Equal(t, "", row.Get("sku"))
	assert.Equal(t, "", row.Get("series"))
}
