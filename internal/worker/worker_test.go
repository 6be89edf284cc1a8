package worker

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/feed"
	"github.com/nexacommerce/catalog-sync/internal/ingestor"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/queue"
	"github.com/nexacommerce/catalog-sync/internal/remotecatalog"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testArtifacts(t *testing.T) *logging.Artifacts {
	t.Helper()
	a, err := logging.NewArtifacts(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func newTestCheckpoint(t *testing.T) *checkpoint.FileRedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	store, err := checkpoint.NewFileRedisStore(testLogger(), path, mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func jobFor(t *testing.T, batch ingestor.Batch) *queue.Job {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	return &queue.Job{JobID: queue.NewJobID(batch.FeedKey, batch.LastRowIndex), FeedKey: batch.FeedKey, Payload: body}
}

func TestProcessJobUpdatesOnDiff(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock()
	mock.Seed("X-1", "42", remotecatalog.CanonicalProduct{Sku: "sku-old"})
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))

	w := New(testLogger(), Config{Queue: nil, Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})

	batch := ingestor.Batch{
		FeedKey:         "feed-a",
		TotalRowsInFeed: 1,
		LastRowIndex:    1,
		Rows:            []feed.Row{feed.NewRow(1, []string{"part_number", "sku"}, []string{"X-1", "sku-new"})},
	}
	require.NoError(t, w.processJob(ctx, jobFor(t, batch)))

	_, counters, err := ckpt.ReadAll(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Updated)
	assert.Equal(t, int64(0), counters.Skipped)
	assert.Equal(t, int64(0), counters.Failed)

	last, err := ckpt.GetLastProcessed(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, 1, last)
}

func TestProcessJobSkipsOnNoChange(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock()
	// The remote product carries every whitelisted meta key with the same
	// (empty) value the row maps to, so the projection matches exactly.
	mock.Seed("X-1", "42", remotecatalog.CanonicalProduct{
		Sku: "sku-new",
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
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))

	w := New(testLogger(), Config{Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})

	batch := ingestor.Batch{
		FeedKey:      "feed-a",
		LastRowIndex: 1, TotalRowsInFeed: 1,
		Rows: []feed.Row{feed.NewRow(1, []string{"part_number", "sku"}, []string{"X-1", "sku-new"})},
	}
	require.NoError(t, w.processJob(ctx, jobFor(t, batch)))

	_, counters, err := ckpt.ReadAll(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counters.Updated)
	assert.Equal(t, int64(1), counters.Skipped)
}

func TestProcessJobCountsMissingPartNumberAsSkipped(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock()
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))

	w := New(testLogger(), Config{Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})

	batch := ingestor.Batch{
		FeedKey:      "feed-a",
		LastRowIndex: 1, TotalRowsInFeed: 1,
		Rows: []feed.Row{feed.NewRow(1, []string{"part_number"}, []string{""})},
	}
	require.NoError(t, w.processJob(ctx, jobFor(t, batch)))

	_, counters, err := ckpt.ReadAll(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counters.Updated)
	assert.Equal(t, int64(1), counters.Skipped)
	assert.Equal(t, int64(0), counters.Failed)
}

func TestProcessJobCountsNotFoundAsFailed(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock() // nothing seeded, lookup always misses
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))

	w := New(testLogger(), Config{Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})

	batch := ingestor.Batch{
		FeedKey:      "feed-a",
		LastRowIndex: 1, TotalRowsInFeed: 1,
		Rows: []feed.Row{feed.NewRow(1, []string{"part_number"}, []string{"X-1"})},
	}
	require.NoError(t, w.processJob(ctx, jobFor(t, batch)))

	_, counters, err := ckpt.ReadAll(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Failed)
}

func TestProcessJobFailsOnMalformedPayload(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock()

	w := New(testLogger(), Config{Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})
	job := &queue.Job{JobID: "broken", Payload: []byte("not json")}

	err := w.processJob(ctx, job)
	assert.Error(t, err)
}

func TestProcessJobBulkUpdateFailurePropagatesForQueueRetry(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	mock := remotecatalog.NewMock()
	mock.Seed("X-1", "42", remotecatalog.CanonicalProduct{Sku: "sku-old"})
	mock.BulkUpdateFunc = func(ctx context.Context, payloads []remotecatalog.UpdatePayload) ([]remotecatalog.BulkResult, error) {
		return nil, &remotecatalog.BulkFailedError{}
	}
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))

	w := New(testLogger(), Config{Ckpt: ckpt, Catalog: mock, Artifacts: testArtifacts(t)})
	batch := ingestor.Batch{
		FeedKey:      "feed-a",
		LastRowIndex: 1, TotalRowsInFeed: 1,
		Rows: []feed.Row{feed.NewRow(1, []string{"part_number", "sku"}, []string{"X-1", "sku-new"})},
	}
	err := w.processJob(ctx, jobFor(t, batch))
	assert.Error(t, err)
}
