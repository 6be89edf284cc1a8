// Package reconciler implements the per-row decision: lookup, diff
// against a whitelisted projection, and emission of an update payload iff
// a material difference exists. The decision function's shape — a single
// pure function returning a tagged outcome with explicit precedence among
// terminal cases — is grounded on the reverse monitor's
// decisionFromSnapshot (reverse_monitor.go).
package reconciler

import (
	"context"

	"github.com/nexacommerce/catalog-sync/internal/feed"
	"github.com/nexacommerce/catalog-sync/internal/remotecatalog"
)

// OutcomeKind tags a Reconcile result.
type OutcomeKind string

const (
	OutcomeSkip      OutcomeKind = "SKIP"
	OutcomeNotFound  OutcomeKind = "FAIL_NOT_FOUND"
	OutcomeFetchFail OutcomeKind = "FAIL_FETCH"
	OutcomeNoChange  OutcomeKind = "NO_CHANGE"
	OutcomeUpdate    OutcomeKind = "UPDATE"
)

// Outcome is the result of reconciling a single Row.
type Outcome struct {
	Kind    OutcomeKind
	Payload remotecatalog.UpdatePayload
	Err     error
}

// metaColumnMapping is the meta_data part of the bit-exact §6 table:
// meta_data key to source CSV column (sku and description are mapped
// directly in BuildPayload). Order matters — it is the order metaEntries are
// emitted in, and newPayload/currentProjection are compared under this
// same key set so the whitelist is symmetric per §3's invariant.
var metaColumnMapping = []struct {
	MetaKey string
	Column  string
}{
	{"spq", "spq"},
	{"manufacturer", "manufacturer"},
	{"image_url", "image_url"},
	{"datasheet_url", "datasheet_url"},
	{"series_url", "series_url"},
	{"series", "series"},
	{"quantity", "quantity"},
	{"operating_temperature", "operating_temp"},
	{"voltage", "supply_voltage"},
	{"package", "packaging_type"},
	{"supplier_device_package", "supplier_device_package"},
	{"mounting_type", "mounting_type"},
	{"short_description", "product_description"},
	{"detail_description", "long_description"},
	{"additional_key_information", "additional_info"},
}

// metaWhitelist is the set of meta_data keys the diff is scoped to.
var metaWhitelist = func() map[string]bool {
	w := make(map[string]bool, len(metaColumnMapping))
	for _, m := range metaColumnMapping {
		w[m.MetaKey] = true
	}
	return w
}()

// BuildPayload maps a feed.Row to an UpdatePayload per the §6 mapping
// table, bit-exact: it never reorders or renames columns beyond what the
// table specifies.
func BuildPayload(remoteId string, row feed.Row) remotecatalog.UpdatePayload {
	entries := make([]remotecatalog.MetaEntry, 0, len(metaColumnMapping))
	for _, m := range metaColumnMapping {
		entries = append(entries, remotecatalog.MetaEntry{Key: m.MetaKey, Value: row.Get(m.Column)})
	}

	return remotecatalog.UpdatePayload{
		RemoteId:    remoteId,
		PartNumber:  row.Get(feed.RequiredColumn),
		Sku:         row.Get("sku"),
		Description: row.Get("product_description"),
		MetaEntries: entries,
	}
}

// projectMeta filters metaEntries down to the whitelist, preserving
// input order.
func projectMeta(entries []remotecatalog.MetaEntry) []remotecatalog.MetaEntry {
	out := make([]remotecatalog.MetaEntry, 0, len(entries))
	for _, e := range entries {
		if metaWhitelist[e.Key] {
			out = append(out, e)
		}
	}
	return out
}

// IsUpdateNeeded implements §4.4's diff: id/part_number are out of scope
// by construction (UpdatePayload carries them only for addressing, never
// compared); sku/description compare under normalize(); metaEntries
// compare as a multiset by key, current-only keys ignored (non-destructive
// update). Any mismatch is material — no per-field threshold, matching
// §8's Diff symmetry property.
func IsUpdateNeeded(current remotecatalog.CanonicalProduct, newPayload remotecatalog.UpdatePayload) bool {
	if normalize(current.Sku) != normalize(newPayload.Sku) {
		return true
	}
	if normalize(current.Description) != normalize(newPayload.Description) {
		return true
	}

	currentByKey := make(map[string]string, len(current.MetaEntries))
	for _, e := range projectMeta(current.MetaEntries) {
		currentByKey[e.Key] = e.Value
	}

	for _, e := range newPayload.MetaEntries {
		currentValue, ok := currentByKey[e.Key]
		if !ok {
			return true
		}
		if normalize(currentValue) != normalize(e.Value) {
			return true
		}
	}

	return false
}

// Reconcile runs the per-row procedure §4.4 describes: missing part
// number short-circuits to SKIP; lookup/fetch failures short-circuit to
// their respective FAIL outcomes; otherwise the row's payload is diffed
// against the current remote projection.
func Reconcile(ctx context.Context, catalog remotecatalog.Catalog, row feed.Row) Outcome {
	if !row.HasPartNumber() {
		return Outcome{Kind: OutcomeSkip}
	}
	partNumber := row.Get(feed.RequiredColumn)

	remoteId, err := catalog.LookupIdByPartNumber(ctx, partNumber)
	if err != nil {
		return Outcome{Kind: OutcomeNotFound, Err: err}
	}

	current, err := catalog.FetchById(ctx, remoteId)
	if err != nil {
		return Outcome{Kind: OutcomeFetchFail, Err: err}
	}

	newPayload := BuildPayload(remoteId, row)
	if !IsUpdateNeeded(current, newPayload) {
		return Outcome{Kind: OutcomeNoChange}
	}

	return Outcome{Kind: OutcomeUpdate, Payload: newPayload}
}
