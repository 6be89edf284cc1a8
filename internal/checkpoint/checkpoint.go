// Package checkpoint persists per-feed progress: the atomic-file-backed
// lastProcessedRow/totalRowsInFeed record (grounded on bronze-copier's
// internal/checkpoint/checkpoint.go) and the Redis-backed updated/skipped/
// failed/total counters (grounded on ethpandaops-lab-backend's
// internal/redis/redis.go), unified behind the single Store contract
// §4.7 names.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/metrics"
)

// ErrNoCheckpoint is returned when no checkpoint exists yet for a feed.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint found")

// FeedCheckpoint is the persisted progress record for one feed.
type FeedCheckpoint struct {
	FeedKey          string    `json:"feed_key"`
	LastProcessedRow int       `json:"lastProcessedRow"`
	TotalRowsInFeed  int       `json:"totalProductsInFile"`
	Timestamp        time.Time `json:"timestamp"`
}

// Counters is the per-feed monotone counter set §3 defines.
type Counters struct {
	Updated int64
	Skipped int64
	Failed  int64
	Total   int64
}

// Store is the unified contract CheckpointStore exposes to the rest of the
// pipeline: §4.7's setTotal / getLastProcessed / commitBatch /
// incrementCounter / readAll.
type Store interface {
	SetTotal(ctx context.Context, feedKey string, total int) error
	GetLastProcessed(ctx context.Context, feedKey string) (int, error)
	CommitBatch(ctx context.Context, feedKey string, lastProcessedRow, totalRowsInFeed int) error
	IncrementCounter(ctx context.Context, feedKey string, kind CounterKind, delta int64) error
	ReadAll(ctx context.Context, feedKey string) (FeedCheckpoint, Counters, error)
}

// CounterKind names one of the four durable counters.
type CounterKind string

const (
	CounterUpdated CounterKind = "updated"
	CounterSkipped CounterKind = "skipped"
	CounterFailed  CounterKind = "failed"
	CounterTotal   CounterKind = "total"
)

var _ Store = (*FileRedisStore)(nil)

// FileRedisStore is the default Store: a JSON file for the
// lastProcessedRow/totalRowsInFeed record per §6 ("Single JSON file:
// process_checkpoint.json"), and Redis INCRBY on one key per feed and
// counter for the counters ("any durable KV suffices").
type FileRedisStore struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	path string

	redis *redis.Client
}

// NewFileRedisStore opens (or creates) the checkpoint JSON file at path
// and a Redis client against addr/db for the counters KV.
func NewFileRedisStore(log logrus.FieldLogger, path string, addr string, db int) (*FileRedisStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	rc := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	return &FileRedisStore{
		log:   log.WithField("component", "checkpoint"),
		path:  path,
		redis: rc,
	}, nil
}

// Close releases the Redis connection.
func (s *FileRedisStore) Close() error {
	return s.redis.Close()
}

type fileDocument map[string]FeedCheckpoint

func (s *FileRedisStore) readDocument() (fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileDocument{}, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(data) == 0 {
		return fileDocument{}, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return doc, nil
}

func (s *FileRedisStore) writeDocument(doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// SetTotal records totalRowsInFeed for feedKey before any BatchJob for it
// is emitted, per §4.3 step 2.
func (s *FileRedisStore) SetTotal(ctx context.Context, feedKey string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}

	cp := doc[feedKey]
	cp.FeedKey = feedKey
	cp.TotalRowsInFeed = total
	cp.Timestamp = time.Now()
	doc[feedKey] = cp

	if err := s.writeDocument(doc); err != nil {
		return err
	}
	// Set, not IncrBy: SetTotal is called once per feed per ingest attempt,
	// including on a crash-and-restart replay of the same feed, and must
	// overwrite rather than accumulate or the completion check in
	// internal/supervisor can never be satisfied again.
	return s.redis.Set(ctx, counterKey(feedKey, CounterTotal), total, 0).Err()
}

// GetLastProcessed returns feedKey's lastProcessedRow, or 0 if no
// checkpoint exists yet (a fresh feed starts at row 0).
func (s *FileRedisStore) GetLastProcessed(ctx context.Context, feedKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return 0, err
	}
	cp, ok := doc[feedKey]
	if !ok {
		return 0, nil
	}
	return cp.LastProcessedRow, nil
}

// CommitBatch advances lastProcessedRow, enforcing the monotonic-checkpoint
// invariant from §8: a lower value than what's on disk is never written.
func (s *FileRedisStore) CommitBatch(ctx context.Context, feedKey string, lastProcessedRow, totalRowsInFeed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}

	cp := doc[feedKey]
	cp.FeedKey = feedKey
	if lastProcessedRow > cp.LastProcessedRow {
		cp.LastProcessedRow = lastProcessedRow
	}
	if totalRowsInFeed > 0 {
		cp.TotalRowsInFeed = totalRowsInFeed
	}
	cp.Timestamp = time.Now()
	doc[feedKey] = cp

	if err := s.writeDocument(doc); err != nil {
		return err
	}

	metrics.CheckpointLastProcessedRow.WithLabelValues(feedKey).Set(float64(cp.LastProcessedRow))
	return nil
}

// IncrementCounter adds delta to one of the four durable counters via an
// atomic Redis INCRBY on that counter's own key.
func (s *FileRedisStore) IncrementCounter(ctx context.Context, feedKey string, kind CounterKind, delta int64) error {
	if delta == 0 {
		return nil
	}
	return s.redis.IncrBy(ctx, counterKey(feedKey, kind), delta).Err()
}

// ReadAll returns the current FeedCheckpoint and Counters for feedKey.
func (s *FileRedisStore) ReadAll(ctx context.Context, feedKey string) (FeedCheckpoint, Counters, error) {
	s.mu.Lock()
	doc, err := s.readDocument()
	s.mu.Unlock()
	if err != nil {
		return FeedCheckpoint{}, Counters{}, err
	}

	cp, ok := doc[feedKey]
	if !ok {
		cp = FeedCheckpoint{FeedKey: feedKey}
	}

	counters, err := s.readCounters(ctx, feedKey)
	if err != nil {
		return FeedCheckpoint{}, Counters{}, err
	}

	return cp, counters, nil
}

func (s *FileRedisStore) readCounters(ctx context.Context, feedKey string) (Counters, error) {
	pipe := s.redis.Pipeline()
	updated := pipe.Get(ctx, counterKey(feedKey, CounterUpdated))
	skipped := pipe.Get(ctx, counterKey(feedKey, CounterSkipped))
	failed := pipe.Get(ctx, counterKey(feedKey, CounterFailed))
	total := pipe.Get(ctx, counterKey(feedKey, CounterTotal))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counters{}, fmt.Errorf("read counters for %s: %w", feedKey, err)
	}

	return Counters{
		Updated: intOrZero(updated),
		Skipped: intOrZero(skipped),
		Failed:  intOrZero(failed),
		Total:   intOrZero(total),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}

func counterKey(feedKey string, kind CounterKind) string {
	return fmt.Sprintf("catalog_sync:counters:%s:%s", feedKey, kind)
}
