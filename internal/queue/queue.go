// Package queue is the durable JobQueue: a Postgres-backed table of
// BatchJobs with deterministic ids (so re-enqueuing the same batch is a
// no-op), lease-based dequeue via SELECT ... FOR UPDATE SKIP LOCKED, and
// bounded retry with exponential backoff on failure.
//
// The pool setup mirrors the discovery scraper's mustOpenPool
// (_examples/dutchgtr-pixel-t0-clip/infra/jobs/scrapers/discovery/src/fetchd.go);
// the job schema is grounded on the two durable-queue reference models in
// other_examples (BSN2000's Job and SirClappington's Job): id, payload,
// status, attempt/max-attempts, lease ownership and expiry.
//go:generate mockgen -package mocks -destination mocks/mock_queue.go github.com/nexacommerce/catalog-sync/internal/queue Queue

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/metrics"
)

// MaxAttempts bounds a BatchJob's redelivery count before it is marked
// permanently failed, per §4.5/§7.
const MaxAttempts = 5

// DefaultLeaseDuration bounds how long a consumed job stays invisible to
// other consumers before it is eligible for redelivery.
const DefaultLeaseDuration = 5 * time.Minute

// backoffBase is the JobQueue's redelivery backoff base per §3's
// exponential(initial=5s) contract: a Nacked job becomes available again
// after backoffBase * 2^n, where n is the number of attempts recorded
// before this one (5s, 10s, 20s, ...), computed in the same UPDATE that
// records the attempt so the read-modify-write stays a single round trip.
const backoffBase = 5 * time.Second

// Status is a job's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Job is one durable unit of work: a BatchJob envelope plus queue
// bookkeeping.
type Job struct {
	JobID       string
	FeedKey     string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	LeasedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Queue is the JobQueue contract: enqueue with dedup, lease-based consume,
// ack/nack.
type Queue interface {
	Enqueue(ctx context.Context, feedKey, jobID string, payload any) error
	Consume(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, cause error) error
	Close()
}

var _ Queue = (*PGQueue)(nil)

// PGQueue is the default Queue implementation.
type PGQueue struct {
	log    logrus.FieldLogger
	pool   *pgxpool.Pool
	schema string
	lease  time.Duration
}

// Config configures PGQueue.
type Config struct {
	DSN      string
	Schema   string
	MaxConns int32
	Lease    time.Duration
}

// Open connects a pgxpool.Pool per cfg, grounded on fetchd.go's
// mustOpenPool (minus the process-exit-on-error behavior, which does not
// belong in a library constructor).
func Open(ctx context.Context, log logrus.FieldLogger, cfg Config) (*PGQueue, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse PG_DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}

	q := &PGQueue{
		log:    log.WithField("component", "jobqueue"),
		pool:   pool,
		schema: schema,
		lease:  lease,
	}

	if err := q.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return q, nil
}

func (q *PGQueue) table() string {
	return fmt.Sprintf(`"%s".catalog_sync_jobs`, q.schema)
}

func (q *PGQueue) ensureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id       TEXT PRIMARY KEY,
			feed_key     TEXT NOT NULL,
			payload      JSONB NOT NULL,
			status       TEXT NOT NULL DEFAULT 'waiting',
			attempt      INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT %d,
			leased_until TIMESTAMPTZ,
			available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error   TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q.table(), MaxAttempts))
	if err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Enqueue inserts a BatchJob, deduplicating on jobID via ON CONFLICT DO
// NOTHING so that re-enqueuing the same (feedKey, lastRowIndex) batch is a
// no-op, per §3's duplicate-job-suppression invariant.
func (q *PGQueue) Enqueue(ctx context.Context, feedKey, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, feed_key, payload, max_attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING`, q.table()),
		jobID, feedKey, body, MaxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	if tag.RowsAffected() > 0 {
		metrics.QueueDepth.WithLabelValues(feedKey).Inc()
	} else {
		q.log.WithField("job_id", jobID).Debug("job already enqueued, skipping duplicate")
	}
	return nil
}

// Consume leases the oldest waiting, errored or lease-expired active job
// (one whose backoff has elapsed and attempts remain) using SELECT ... FOR
// UPDATE SKIP LOCKED so concurrent workers never race on the same row.
func (q *PGQueue) Consume(ctx context.Context) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT job_id, feed_key, payload, attempt, max_attempts, created_at, updated_at
		FROM %s
		WHERE status IN ('waiting', 'error', 'active')
		  AND (leased_until IS NULL OR leased_until < $1)
		  AND available_at <= $1
		  AND attempt < max_attempts
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, q.table()), now)

	var job Job
	if err := row.Scan(&job.JobID, &job.FeedKey, &job.Payload, &job.Attempt, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume job: %w", err)
	}

	leaseUntil := now.Add(q.lease)
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'active', leased_until = $1, updated_at = $2
		WHERE job_id = $3`, q.table()), leaseUntil, now, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("lease job %s: %w", job.JobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume tx: %w", err)
	}

	job.Status = StatusActive
	job.LeasedUntil = &leaseUntil
	return &job, nil
}

// Ack marks jobID completed after a successful BatchWorker run.
func (q *PGQueue) Ack(ctx context.Context, jobID string) error {
	feedKey, err := q.markCompleted(ctx, jobID)
	if err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(feedKey).Dec()
	metrics.JobsProcessedTotal.WithLabelValues("acked").Inc()
	return nil
}

func (q *PGQueue) markCompleted(ctx context.Context, jobID string) (string, error) {
	var feedKey string
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'completed', leased_until = NULL, updated_at = now()
		WHERE job_id = $1
		RETURNING feed_key`, q.table()), jobID).Scan(&feedKey)
	if err != nil {
		return "", fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return feedKey, nil
}

// Nack records a failed attempt. If the job has exhausted MaxAttempts it
// is marked permanently failed; otherwise it goes back to 'error' status
// with available_at pushed out by backoffBase * 2^attempt, per §3's
// exponential(initial=5s) redelivery contract. Consume's WHERE clause
// enforces available_at, so a Nacked job is not redelivered early.
func (q *PGQueue) Nack(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var feedKey string
	var attempt, maxAttempts int
	err := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET attempt = attempt + 1, last_error = $2, leased_until = NULL, updated_at = now(),
		    available_at = now() + (power(2, attempt) * $3 * interval '1 second'),
		    status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'error' END
		WHERE job_id = $1
		RETURNING feed_key, attempt, max_attempts`, q.table()), jobID, msg, backoffBase.Seconds()).Scan(&feedKey, &attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("nack job %s: %w", jobID, err)
	}

	if attempt >= maxAttempts {
		metrics.QueueDepth.WithLabelValues(feedKey).Dec()
		metrics.JobsProcessedTotal.WithLabelValues("failed").Inc()
		q.log.WithFields(logrus.Fields{"job_id": jobID, "attempts": attempt}).Warn("job permanently failed after exhausting retries")
	}
	return nil
}

// Close releases the underlying connection pool.
func (q *PGQueue) Close() {
	q.pool.Close()
}

// NewJobID builds the deterministic id §3 specifies:
// feedKey + "_" + lastRowIndex.
func NewJobID(feedKey string, lastRowIndex int) string {
	return fmt.Sprintf("%s_%d", feedKey, lastRowIndex)
}

// NewCorrelationID returns a random id for attributing one Consume/Ack
// cycle across log lines, independent of the deterministic job id.
func NewCorrelationID() string {
	return uuid.NewString()
}
