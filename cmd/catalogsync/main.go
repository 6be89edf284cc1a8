// Command catalogsync runs one end-to-end catalog synchronization pass:
// discover the newest feed folder, ingest every CSV object in it into the
// job queue, and drive a worker pool that reconciles and bulk-updates rows
// against the remote catalog until every feed is fully processed.
//
// Grounded on ethpandaops-lab-backend/cmd/server/main.go's staged
// setupInfrastructure/setupServices/startServer/shutdownGracefully
// lifecycle, adapted from a long-running HTTP server to a bounded
// run-to-completion batch job.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/checkpoint"
	"github.com/nexacommerce/catalog-sync/internal/config"
	"github.com/nexacommerce/catalog-sync/internal/ingestor"
	"github.com/nexacommerce/catalog-sync/internal/logging"
	"github.com/nexacommerce/catalog-sync/internal/objectstore"
	"github.com/nexacommerce/catalog-sync/internal/queue"
	"github.com/nexacommerce/catalog-sync/internal/ratelimit"
	"github.com/nexacommerce/catalog-sync/internal/remotecatalog"
	"github.com/nexacommerce/catalog-sync/internal/supervisor"
	"github.com/nexacommerce/catalog-sync/internal/worker"
)

// infrastructure bundles the collaborators that own external connections
// and must be closed on shutdown, mirroring the lab-backend's
// infrastructure{redisClient, elector} grouping.
type infrastructure struct {
	store *objectstore.Store
	ckpt  *checkpoint.FileRedisStore
	q     *queue.PGQueue
	gate  *ratelimit.Gate
}

func (i *infrastructure) Close() {
	if i.q != nil {
		i.q.Close()
	}
	if i.ckpt != nil {
		_ = i.ckpt.Close()
	}
	if i.store != nil {
		_ = i.store.Close()
	}
}

func main() {
	log := logging.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	artifacts, err := logging.NewArtifacts(cfg.LogDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open log artifacts")
	}
	defer artifacts.Close()

	infra, err := setupInfrastructure(ctx, log, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to set up infrastructure")
	}
	defer infra.Close()

	if err := infra.gate.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start rate gate")
	}
	defer infra.gate.Stop()

	catalog := remotecatalog.NewHTTPCatalog(log, infra.gate, cfg.APIBaseURL(), cfg.WooConsumerKey, cfg.WooConsumerSecret)

	ing := ingestor.New(log, infra.ckpt, infra.q, artifacts)

	workers := make([]*worker.Worker, cfg.Concurrency)
	for i := range workers {
		workers[i] = worker.New(log, worker.Config{
			Queue:     infra.q,
			Ckpt:      infra.ckpt,
			Catalog:   catalog,
			Artifacts: artifacts,
			DryRun:    cfg.DryRun,
		})
	}

	sup := supervisor.New(log, supervisor.Config{
		Store:        infra.store,
		Checkpoint:   infra.ckpt,
		Ingestor:     ing,
		Workers:      workers,
		Artifacts:    artifacts,
		LogDir:       cfg.LogDir,
		FolderSuffix: cfg.FolderSuffix(),
		BatchSize:    cfg.BatchSize,
	})

	srv := startMetricsServer(log, cfg.Port)
	defer shutdownMetricsServer(log, srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() {
		runDone <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("received shutdown signal, cancelling run")
		cancel()
		<-runDone
	case err := <-runDone:
		cancel()
		if err != nil {
			log.WithError(err).Error("catalog sync run failed")
			os.Exit(1)
		}
	}

	log.Info("catalog sync run complete")
}

// setupInfrastructure opens every external connection the pipeline needs,
// mirroring the lab-backend's setupInfrastructure(ctx, logger, cfg).
func setupInfrastructure(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) (*infrastructure, error) {
	store, err := objectstore.Open(ctx, log, cfg.Bucket(), cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	ckptPath := "process_checkpoint.json"
	ckpt, err := checkpoint.NewFileRedisStore(log, ckptPath, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	q, err := queue.Open(ctx, log, queue.Config{DSN: cfg.PGDSN, Schema: cfg.PGSchema})
	if err != nil {
		return nil, fmt.Errorf("open job queue: %w", err)
	}

	gate := ratelimit.NewGate(log, ratelimit.Config{
		MaxConcurrent: cfg.RateGateMaxConcurrent,
		MinSpacing:    cfg.RateGateMinSpacing,
		Adaptive:      cfg.RateGateAdaptive,
	})

	return &infrastructure{store: store, ckpt: ckpt, q: q, gate: gate}, nil
}

func startMetricsServer(log logrus.FieldLogger, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	log.WithField("port", port).Info("metrics server listening")
	return srv
}

func shutdownMetricsServer(log logrus.FieldLogger, srv *http.Server) {
	if err := srv.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("metrics server shutdown error")
	}
}
