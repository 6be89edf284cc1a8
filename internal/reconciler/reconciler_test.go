package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacommerce/catalog-sync/internal/feed"
	"github.com/nexacommerce/catalog-sync/internal/remotecatalog"
)

func rowWith(cells map[string]string) feed.Row {
	headers := make([]string, 0, len(cells))
	values := make([]string, 0, len(cells))
	for k, v := range cells {
		headers = append(headers, k)
		values = append(values, v)
	}
	return feed.NewRow(1, headers, values)
}

func TestReconcileSkipsMissingPartNumber(t *testing.T) {
	mock := remotecatalog.NewMock()
	outcome := Reconcile(context.Background(), mock, rowWith(map[string]string{"sku": "s"}))
	assert.Equal(t, OutcomeSkip, outcome.Kind)
}

func TestReconcileFailsNotFound(t *testing.T) {
	mock := remotecatalog.NewMock()
	outcome := Reconcile(context.Background(), mock, rowWith(map[string]string{"part_number": "X-1"}))
	assert.Equal(t, OutcomeNotFound, outcome.Kind)
}

func TestReconcileNoChangeWhenProjectionMatches(t *testing.T) {
	mock := remotecatalog.NewMock()
	mock.Seed("X-1", "42", remotecatalog.CanonicalProduct{
		Sku:         "sku-new",
		Description: "",
		MetaEntries: []remotecatalog.MetaEntry{
			{Key: "spq", Value: ""}, {Key: "manufacturer", Value: ""},
			{Key: "image_url", Value: ""}, {Key: "datasheet_url", Value: ""},
			{Key: "series_url", Value: ""}, {Key: "series", Value: ""},
			{Key: "quantity", Value: ""}, {Key: "operating_temperature", Value: ""},
			{Key: "voltage", Value: ""}, {Key: "package", Value: ""},
			{Key: "supplier_device_package", Value: ""}, {Key: "mounting_type", Value: ""},
			{Key: "short_description", Value: ""}, {Key: "detail_description", Value: ""},
			{Key: "additional_key_information", Value: ""},
		},
	})

	outcome := Reconcile(context.Background(), mock, rowWith(map[string]string{
		"part_number": "X-1",
		"sku":         "sku-new",
	}))
	assert.Equal(t, OutcomeNoChange, outcome.Kind)
}

func TestReconcileUpdateWhenSkuDiffers(t *testing.T) {
	mock := remotecatalog.NewMock()
	mock.Seed("X-1", "42", remotecatalog.CanonicalProduct{Sku: "sku-old"})

	outcome := Reconcile(context.Background(), mock, rowWith(map[string]string{
		"part_number": "X-1",
		"sku":         "sku-new",
	}))
	require.Equal(t, OutcomeUpdate, outcome.Kind)
	assert.Equal(t, "sku-new", outcome.Payload.Sku)
	assert.Equal(t, "42", outcome.Payload.RemoteId)
}

func TestIsUpdateNeededIgnoresCurrentOnlyMetaKeys(t *testing.T) {
	current := remotecatalog.CanonicalProduct{
		Sku: "s",
		MetaEntries: []remotecatalog.MetaEntry{
			{Key: "spq", Value: "10"},
			{Key: "some_legacy_key_not_in_whitelist", Value: "whatever"},
		},
	}
	newPayload := remotecatalog.UpdatePayload{
		Sku:         "s",
		MetaEntries: []remotecatalog.MetaEntry{{Key: "spq", Value: "10"}},
	}
	assert.False(t, IsUpdateNeeded(current, newPayload))
}

func TestIsUpdateNeededDetectsMissingNewKeyInCurrent(t *testing.T) {
	current := remotecatalog.CanonicalProduct{Sku: "s"}
	newPayload := remotecatalog.UpdatePayload{
		Sku:         "s",
		MetaEntries: []remotecatalog.MetaEntry{{Key: "spq", Value: "10"}},
	}
	assert.True(t, IsUpdateNeeded(current, newPayload))
}

func TestIsUpdateNeededNormalizesBeforeComparing(t *testing.T) {
	current := remotecatalog.CanonicalProduct{Description: "<b>Hot</b>  chip"}
	newPayload := remotecatalog.UpdatePayload{Description: "Hot chip"}
	assert.False(t, IsUpdateNeeded(current, newPayload))
}

func TestBuildPayloadMapsFixedColumns(t *testing.T) {
	row := rowWith(map[string]string{
		"part_number":         "X-1",
		"sku":                 "s",
		"product_description": "d",
		"operating_temp":      "-40C",
		"supply_voltage":      "5V",
	})
	payload := BuildPayload("42", row)
	assert.Equal(t, "X-1", payload.PartNumber)
	assert.Equal(t, "42", payload.RemoteId)
	assert.Equal(t, "s", payload.Sku)
	assert.Equal(t, "d", payload.Description)

	byKey := map[string]string{}
	for _, e := range payload.MetaEntries {
		byKey[e.Key] = e.Value
	}
	assert.Equal(t, "-40C", byKey["operating_temperature"])
	assert.Equal(t, "5V", byKey["voltage"])
	assert.Len(t, payload.MetaEntries, len(metaColumnMapping))
}
