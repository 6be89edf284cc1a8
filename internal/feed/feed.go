// Package feed holds the per-row data shape FeedIngestor and Reconciler
// share: a normalized-header Row, and the §6 CSV column recognition list.
// Grounded on the discovery scraper's Row struct (fetchd.go), adapted from
// a fixed marketplace-listing struct to an open header→cell map since this
// feed's schema is not fixed in code, only in the whitelist below.
package feed

import (
	"regexp"
	"strings"
)

// RequiredColumn is the one column every row must carry to be reconciled;
// its absence is not an ingest error, only a per-row SKIP at the worker.
const RequiredColumn = "part_number"

// RecognizedColumns is the §6 optional-column list; any other header is
// read into the Row but never consulted by the Reconciler.
var RecognizedColumns = []string{
	"sku",
	"product_description",
	"spq",
	"manufacturer",
	"image_url",
	"datasheet_url",
	"series_url",
	"series",
	"quantity",
	"operating_temp",
	"supply_voltage",
	"packaging_type",
	"supplier_device_package",
	"mounting_type",
	"long_description",
	"additional_info",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeHeader trims, lowercases, and collapses whitespace runs to a
// single underscore, per §3/§6's header normalization rule.
func NormalizeHeader(raw string) string {
	h := strings.TrimSpace(raw)
	h = strings.ToLower(h)
	h = whitespaceRun.ReplaceAllString(h, "_")
	return h
}

// Row is one CSV line: a map from normalized column name to its string
// cell, plus the 1-based index of the row within its feed (header row is
// index 0, first data row is index 1).
type Row struct {
	Index int
	Cells map[string]string
}

// Get returns the cell for a normalized column name, or "" if absent.
func (r Row) Get(column string) string {
	return r.Cells[column]
}

// HasPartNumber reports whether the row carries a non-empty part_number
// cell, per §4.3's "row missing part_number is passed through" rule.
func (r Row) HasPartNumber() bool {
	return strings.TrimSpace(r.Cells[RequiredColumn]) != ""
}

// NewRow builds a Row from already-normalized headers and raw cell
// values, padding/truncating to len(headers) the way a CSV reader's
// fixed-field-count record does.
func NewRow(index int, headers []string, values []string) Row {
	cells := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(values) {
			cells[h] = values[i]
		} else {
			cells[h] = ""
		}
	}
	return Row{Index: index, Cells: cells}
}
