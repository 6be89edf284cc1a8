// Package ingestor implements FeedIngestor: streaming a CSV object and
// emitting BatchJobs. Grounded on the discovery scraper's
// produceDetailJobs channel-producer pattern (fetchd.go), adapted from
// "produce listing ids to fetch" to "produce fixed-size row batches to
// enqueue."
package ingestor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/feed"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/metrics"
	"github.com/nexacommerce/catalog-sync/internal/queue"
)

// maxConsecutiveExceptions is the §4.3/§7 ingest-abort threshold: three
// consecutive row-processing exceptions abort that feed's ingest.
const maxConsecutiveExceptions = 3

// Batch is the payload enqueued as one BatchJob.
type Batch struct {
	FeedKey         string     `json:"feed_key"`
	TotalRowsInFeed int        `json:"total_rows_in_feed"`
	LastRowIndex    int        `json:"last_row_index"`
	Rows            []feed.Row `json:"rows"`
}

// Ingestor streams one CSV object and enqueues its BatchJobs.
type Ingestor struct {
	log       logrus.FieldLogger
	ckpt      checkpoint.Store
	queue     queue.Queue
	artifacts *logging.Artifacts
}

// New constructs an Ingestor.
func New(log logrus.FieldLogger, ckpt checkpoint.Store, q queue.Queue, artifacts *logging.Artifacts) *Ingestor {
	return &Ingestor{
		log:       log.WithField("component", "ingestor"),
		ckpt:      ckpt,
		queue:     q,
		artifacts: artifacts,
	}
}

// Ingest runs the §4.3 two-pass algorithm over a cached CSV body: first
// pass counts rows and records totalRows in the CheckpointStore before any
// job is emitted, second pass batches rows and enqueues them.
func (ing *Ingestor) Ingest(ctx context.Context, feedKey string, body []byte, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}

	total, err := countDataRows(body)
	if err != nil {
		return fmt.Errorf("count rows for feed %s: %w", feedKey, err)
	}

	if err := ing.ckpt.SetTotal(ctx, feedKey, total); err != nil {
		return fmt.Errorf("record total rows for feed %s: %w", feedKey, err)
	}

	ing.log.WithFields(logrus.Fields{"feed_key": feedKey, "total_rows": total}).Info("starting feed ingest")
	ing.artifacts.Info.WithFields(logrus.Fields{"feed_key": feedKey, "total_rows": total}).Info("starting feed ingest")

	return ing.emitBatches(ctx, feedKey, body, total, batchSize)
}

// countDataRows performs the first pass: count data rows (excluding the
// header) without building any Row structs. Rows that fail to parse are
// not counted, matching the second pass, which skips them without
// assigning a row index; the consecutive-exception abort is enforced
// there.
func countDataRows(body []byte) (int, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1

	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}

	count := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return count, fmt.Errorf("count pass: %w", err)
		}
		count++
	}
	return count, nil
}

// emitBatches performs the second pass: normalize headers, build Rows,
// accumulate fixed-size batches, and enqueue each as it fills.
func (ing *Ingestor) emitBatches(ctx context.Context, feedKey string, body []byte, total, batchSize int) error {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1

	rawHeaders, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("read header: %w", err)
	}

	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = feed.NormalizeHeader(h)
	}

	var batch []feed.Row
	rowIndex := 0
	consecutiveExceptions := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		lastRowIndex := batch[len(batch)-1].Index
		jobID := queue.NewJobID(feedKey, lastRowIndex)

		payload := Batch{
			FeedKey:         feedKey,
			TotalRowsInFeed: total,
			LastRowIndex:    lastRowIndex,
			Rows:            batch,
		}
		if err := ing.queue.Enqueue(ctx, feedKey, jobID, payload); err != nil {
			return fmt.Errorf("enqueue batch ending at row %d: %w", lastRowIndex, err)
		}
		metrics.QueueDepth.WithLabelValues(feedKey).Set(float64(lastRowIndex))
		batch = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		values, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			consecutiveExceptions++
			ing.log.WithError(err).WithField("feed_key", feedKey).Warn("row parse exception")
			ing.artifacts.Error.WithFields(logrus.Fields{"feed_key": feedKey, "row_index": rowIndex + 1}).WithError(err).Error("row parse exception")
			if consecutiveExceptions >= maxConsecutiveExceptions {
				return fmt.Errorf("feed %s aborted after %d consecutive row exceptions: %w", feedKey, consecutiveExceptions, err)
			}
			continue
		}
		consecutiveExceptions = 0

		rowIndex++
		row := feed.NewRow(rowIndex, headers, values)
		batch = append(batch, row)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}
