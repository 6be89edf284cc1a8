package ingestor

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/queue"
	"github.com/nexacommerce/catalog-sync/internal/queue/mocks"
)

func testArtifacts(t *testing.T) *logging.Artifacts {
	t.Helper()
	a, err := logging.NewArtifacts(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func newTestCheckpoint(t *testing.T) checkpoint.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	store, err := checkpoint.NewFileRedisStore(log, path, mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

const csvBody = "Part Number,SKU\nX-1,sku-a\nX-2,sku-b\nX-3,sku-c\n"

func TestIngestSetsTotalBeforeEnqueuing(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	ckpt := newTestCheckpoint(t)

	q.EXPECT().Enqueue(gomock.Any(), "feed-a", gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	ing := New(testLogger(), ckpt, q, testArtifacts(t))
	require.NoError(t, ing.Ingest(context.Background(), "feed-a", []byte(csvBody), 10))

	cp, _, err := ckpt.ReadAll(context.Background(), "feed-a")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.TotalRowsInFeed)
}

func TestIngestEmitsOneBatchPerBatchSizePlusTail(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	ckpt := newTestCheckpoint(t)

	var jobIDs []string
	q.EXPECT().
		Enqueue(gomock.Any(), "feed-a", gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, feedKey, jobID string, payload any) error {
			jobIDs = append(jobIDs, jobID)
			return nil
		}).
		Times(2)

	ing := New(testLogger(), ckpt, q, testArtifacts(t))
	require.NoError(t, ing.Ingest(context.Background(), "feed-a", []byte(csvBody), 2))

	assert.Equal(t, []string{queue.NewJobID("feed-a", 2), queue.NewJobID("feed-a", 3)}, jobIDs)
}

func TestIngestJobIDIsDeterministic(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	ckpt := newTestCheckpoint(t)

	var seen string
	q.EXPECT().
		Enqueue(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, feedKey, jobID string, payload any) error {
			seen = jobID
			return nil
		}).
		AnyTimes()

	ing := New(testLogger(), ckpt, q, testArtifacts(t))
	require.NoError(t, ing.Ingest(context.Background(), "feed-a", []byte(csvBody), 100))
	assert.Equal(t, "feed-a_3", seen)
}

func TestIngestPassesThroughRowMissingPartNumber(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	ckpt := newTestCheckpoint(t)

	var captured Batch
	q.EXPECT().
		Enqueue(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, feedKey, jobID string, payload any) error {
			captured = payload.(Batch)
			return nil
		}).
		AnyTimes()

	body := "Part Number,SKU\n,sku-a\n"
	ing := New(testLogger(), ckpt, q, testArtifacts(t))
	require.NoError(t, ing.Ingest(context.Background(), "feed-a", []byte(body), 10))

	require.Len(t, captured.Rows, 1)
	assert.False(t, captured.Rows[0].HasPartNumber())
}
