// Package worker implements BatchWorker: dequeue a BatchJob, reconcile
// its rows in parallel bounded by RateGate, aggregate UPDATE results into
// one bulkUpdate call, and commit counters/checkpoint atomically with
// respect to the job. Grounded on the discovery scraper's consumeDetails
// worker-pool-over-channel pattern (fetchd.go), adapted to dequeue from
// internal/queue instead of a local channel and to call bulkUpdate once
// per job instead of once per row.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/feed"
	"github.com/nexacommerce/catalog-sync/internal/ingestor"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/metrics"
	"github.com/nexacommerce/catalog-sync/internal/queue"
	"github.com/nexacommerce/catalog-sync/internal/reconciler"
	"github.com/nexacommerce/catalog-sync/internal/remotecatalog"
)

// Worker is one member of the BatchWorker pool. RateGate admission
// happens inside the injected Catalog implementation, not here — a
// Worker never talks to the remote API except through it, per §9's
// "explicit dependency, not module-level state" note.
type Worker struct {
	log       logrus.FieldLogger
	queue     queue.Queue
	ckpt      checkpoint.Store
	catalog   remotecatalog.Catalog
	artifacts *logging.Artifacts
	dryRun    bool
}

// Config configures a Worker.
type Config struct {
	Queue     queue.Queue
	Ckpt      checkpoint.Store
	Catalog   remotecatalog.Catalog
	Artifacts *logging.Artifacts
	DryRun    bool
}

// New constructs a Worker.
func New(log logrus.FieldLogger, cfg Config) *Worker {
	return &Worker{
		log:       log.WithField("component", "worker"),
		queue:     cfg.Queue,
		ckpt:      cfg.Ckpt,
		catalog:   cfg.Catalog,
		artifacts: cfg.Artifacts,
		dryRun:    cfg.DryRun,
	}
}

// Run polls the JobQueue and processes jobs until ctx is cancelled. It is
// meant to be run as one goroutine per configured concurrency slot, per
// §4.5's "workers run concurrently" note.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("consume failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if err := w.processJob(ctx, job); err != nil {
			w.log.WithError(err).WithField("job_id", job.JobID).Warn("job failed, will be retried by the queue")
			if nackErr := w.queue.Nack(ctx, job.JobID, err); nackErr != nil {
				w.log.WithError(nackErr).Error("failed to nack job")
			}
			continue
		}

		if err := w.queue.Ack(ctx, job.JobID); err != nil {
			w.log.WithError(err).WithField("job_id", job.JobID).Error("failed to ack completed job")
		}
	}
}

// processJob runs the §4.5 per-job procedure.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) error {
	var batch ingestor.Batch
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		// Malformed job: returned as an error like any other failure, so
		// Run nacks it and the queue redelivers it until its attempts run
		// out; there is no separate no-retry path.
		return fmt.Errorf("malformed job payload: %w", err)
	}

	outcomes := w.reconcileRows(ctx, batch.Rows)

	var payloads []remotecatalog.UpdatePayload
	var rowIndexes []int
	var skipped, failed int64
	for i, o := range outcomes {
		switch o.Kind {
		case reconciler.OutcomeUpdate:
			payloads = append(payloads, o.Payload)
			rowIndexes = append(rowIndexes, batch.Rows[i].Index)
		case reconciler.OutcomeNoChange, reconciler.OutcomeSkip:
			skipped++
		case reconciler.OutcomeNotFound, reconciler.OutcomeFetchFail:
			failed++
			w.logFailure(batch.FeedKey, batch.Rows[i], o)
		}
	}

	var updated int64
	if len(payloads) > 0 {
		if w.dryRun {
			w.log.WithField("count", len(payloads)).Info("dry run: skipping bulkUpdate")
			updated = int64(len(payloads))
		} else {
			if _, err := w.catalog.BulkUpdate(ctx, payloads); err != nil {
				return fmt.Errorf("bulk update: %w", err)
			}
			updated = int64(len(payloads))
			for i, p := range payloads {
				w.artifacts.Updates.WithFields(logrus.Fields{
					"row_index":   rowIndexes[i],
					"remote_id":   p.RemoteId,
					"part_number": p.PartNumber,
					"feed_key":    batch.FeedKey,
				}).Info("updated product")
			}
		}
	}

	w.artifacts.Info.WithFields(logrus.Fields{
		"feed_key": batch.FeedKey,
		"job_id":   job.JobID,
		"updated":  updated,
		"skipped":  skipped,
		"failed":   failed,
	}).Info("job processed")

	if err := w.ckpt.IncrementCounter(ctx, batch.FeedKey, checkpoint.CounterUpdated, updated); err != nil {
		return fmt.Errorf("increment updated counter: %w", err)
	}
	if err := w.ckpt.IncrementCounter(ctx, batch.FeedKey, checkpoint.CounterSkipped, skipped); err != nil {
		return fmt.Errorf("increment skipped counter: %w", err)
	}
	if err := w.ckpt.IncrementCounter(ctx, batch.FeedKey, checkpoint.CounterFailed, failed); err != nil {
		return fmt.Errorf("increment failed counter: %w", err)
	}

	metrics.RowsProcessedTotal.WithLabelValues(batch.FeedKey, "updated").Add(float64(updated))
	metrics.RowsProcessedTotal.WithLabelValues(batch.FeedKey, "skipped").Add(float64(skipped))
	metrics.RowsProcessedTotal.WithLabelValues(batch.FeedKey, "failed").Add(float64(failed))

	prevLast, err := w.ckpt.GetLastProcessed(ctx, batch.FeedKey)
	if err != nil {
		return fmt.Errorf("read last processed row: %w", err)
	}
	next := min(batch.LastRowIndex, batch.TotalRowsInFeed)
	if next < prevLast {
		next = prevLast
	}
	if err := w.ckpt.CommitBatch(ctx, batch.FeedKey, next, batch.TotalRowsInFeed); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	metrics.JobsProcessedTotal.WithLabelValues("acked").Inc()
	return nil
}

// logFailure writes a FAIL_NOT_FOUND/FAIL_FETCH outcome to error-log.txt
// with the fields needed to locate the offending row, per spec §6.
func (w *Worker) logFailure(feedKey string, row feed.Row, o reconciler.Outcome) {
	w.artifacts.Error.WithFields(logrus.Fields{
		"row_index":   row.Index,
		"part_number": row.Get(feed.RequiredColumn),
		"feed_key":    feedKey,
		"kind":        o.Kind,
	}).WithError(o.Err).Error("row reconciliation failed")
}

// reconcileRows reconciles a batch's rows in parallel; each Reconcile call
// still funnels its remote calls through RateGate internally (via the
// Catalog implementation), so this fan-out is unbounded at this layer by
// design — RateGate is the single admission point per §4.1/§9.
func (w *Worker) reconcileRows(ctx context.Context, rows []feed.Row) []reconciler.Outcome {
	outcomes := make([]reconciler.Outcome, len(rows))

	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Add(1)
		go func(i int, row feed.Row) {
			defer wg.Done()
			outcomes[i] = reconciler.Reconcile(ctx, w.catalog, row)
		}(i, row)
	}
	wg.Wait()

	return outcomes
}
