// Package supervisor implements the top-level lifecycle: discover the
// newest feed folder, spawn ingestors and workers, arm the completion
// detector, and drive graceful shutdown. Grounded on
// ethpandaops-lab-backend/cmd/server/main.go's staged
// setupInfrastructure/setupServices/shutdownGracefully lifecycle and the
// discovery scraper's signal-handling + atomic stop-flag daemon loop.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/ingestor"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/objectstore"
	"github.com/nexacommerce/catalog-sync/internal/worker"
)

// completionScanInterval matches §9's periodic progress cadence.
const completionScanInterval = 5 * time.Second

// Config wires the Supervisor's collaborators.
type Config struct {
	Store        *objectstore.Store
	Checkpoint   checkpoint.Store
	Ingestor     *ingestor.Ingestor
	Workers      []*worker.Worker
	Artifacts    *logging.Artifacts
	LogDir       string
	FolderSuffix string
	BatchSize    int
}

// Supervisor drives one end-to-end sync run.
type Supervisor struct {
	log logrus.FieldLogger
	cfg Config
}

// New constructs a Supervisor.
func New(log logrus.FieldLogger, cfg Config) *Supervisor {
	return &Supervisor{log: log.WithField("component", "supervisor"), cfg: cfg}
}

// Run discovers the newest feed folder, ingests every CSV object in it,
// starts the worker pool, and blocks until every discovered feed reaches
// completion or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	folder, err := s.cfg.Store.NewestFeedFolder(ctx, s.cfg.FolderSuffix)
	if err != nil {
		return fmt.Errorf("discover feed folder: %w", err)
	}

	objects, err := s.cfg.Store.ListCSVObjects(ctx, folder)
	if err != nil {
		return fmt.Errorf("list csv objects in %s: %w", folder, err)
	}
	if len(objects) == 0 {
		s.log.WithField("folder", folder).Warn("no CSV objects found in newest feed folder")
		return nil
	}

	var wg sync.WaitGroup
	for _, w := range s.cfg.Workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	feedKeys := make([]string, 0, len(objects))
	for _, obj := range objects {
		feedKey := feedKeyFor(obj.Key)
		feedKeys = append(feedKeys, feedKey)

		body, err := s.cfg.Store.ReadAll(ctx, obj.Key)
		if err != nil {
			s.log.WithError(err).WithField("object", obj.Key).Error("failed to read feed object, skipping")
			continue
		}

		if err := s.cfg.Ingestor.Ingest(ctx, feedKey, body, s.cfg.BatchSize); err != nil {
			s.log.WithError(err).WithField("feed_key", feedKey).Error("feed ingest aborted")
		}
	}

	s.watchForCompletion(ctx, feedKeys)

	// Every feed is complete (or the parent ctx was cancelled): stop the
	// workers, which only exit on cancellation, and wait for them.
	cancel()
	wg.Wait()
	return nil
}

// watchForCompletion polls CheckpointStore every completionScanInterval
// and writes a progress snapshot, returning once every feed's counters
// reach its total or ctx is cancelled, per §9's design notes and the
// Supervisor's arm-the-completion-detector responsibility.
func (s *Supervisor) watchForCompletion(ctx context.Context, feedKeys []string) {
	ticker := time.NewTicker(completionScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.writeProgressAndCheckDone(ctx, feedKeys) {
				return
			}
		}
	}
}

func (s *Supervisor) writeProgressAndCheckDone(ctx context.Context, feedKeys []string) bool {
	allDone := true
	var snapshot string

	for _, feedKey := range feedKeys {
		cp, counters, err := s.cfg.Checkpoint.ReadAll(ctx, feedKey)
		if err != nil {
			s.log.WithError(err).WithField("feed_key", feedKey).Warn("failed to read checkpoint for progress snapshot")
			allDone = false
			continue
		}

		done := cp.TotalRowsInFeed > 0 && counters.Updated+counters.Skipped+counters.Failed >= counters.Total
		if !done {
			allDone = false
		}

		snapshot += fmt.Sprintf("%s: updated=%d skipped=%d failed=%d total=%d lastProcessedRow=%d\n",
			feedKey, counters.Updated, counters.Skipped, counters.Failed, counters.Total, cp.LastProcessedRow)
	}

	if s.cfg.Artifacts != nil {
		if err := s.cfg.Artifacts.WriteProgress(s.cfg.LogDir, snapshot); err != nil {
			s.log.WithError(err).Warn("failed to write progress snapshot")
		}
	}

	return allDone
}

func feedKeyFor(objectKey string) string {
	return objectKey
}
