package supervisor

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestCheckpoint(t *testing.T) *checkpoint.FileRedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "process_checkpoint.json")
	store, err := checkpoint.NewFileRedisStore(logrus.New(), path, mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFeedKeyForUsesObjectKeyVerbatim(t *testing.T) {
	assert.Equal(t, "03-15-2026/feed.csv", feedKeyFor("03-15-2026/feed.csv"))
}

func TestWriteProgressAndCheckDoneReportsIncompleteWhenCountersShortOfTotal(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 3))
	require.NoError(t, ckpt.IncrementCounter(ctx, "feed-a", checkpoint.CounterUpdated, 1))

	s := New(testLogger(), Config{Checkpoint: ckpt, LogDir: t.TempDir()})
	done := s.writeProgressAndCheckDone(ctx, []string{"feed-a"})
	assert.False(t, done)
}

func TestWriteProgressAndCheckDoneReportsDoneWhenCountersReachTotal(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 2))
	require.NoError(t, ckpt.IncrementCounter(ctx, "feed-a", checkpoint.CounterUpdated, 1))
	require.NoError(t, ckpt.IncrementCounter(ctx, "feed-a", checkpoint.CounterSkipped, 1))

	s := New(testLogger(), Config{Checkpoint: ckpt, LogDir: t.TempDir()})
	done := s.writeProgressAndCheckDone(ctx, []string{"feed-a"})
	assert.True(t, done)
}

func TestWriteProgressAndCheckDoneAggregatesAcrossFeeds(t *testing.T) {
	ctx := context.Background()
	ckpt := newTestCheckpoint(t)
	require.NoError(t, ckpt.SetTotal(ctx, "feed-a", 1))
	require.NoError(t, ckpt.IncrementCounter(ctx, "feed-a", checkpoint.CounterUpdated, 1))
	require.NoError(t, ckpt.SetTotal(ctx, "feed-b", 1))
	// feed-b has no progress yet.

	s := New(testLogger(), Config{Checkpoint: ckpt, LogDir: t.TempDir()})
	done := s.writeProgressAndCheckDone(ctx, []string{"feed-a", "feed-b"})
	assert.False(t, done)
}
