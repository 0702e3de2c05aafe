// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/breaker"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/config"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ingest"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/redisclient"
	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/watcher"
)

// hybridrag-watcherd runs one watcher daemon for a single registered
// database. The supervisor (or a persistent service unit) spawns it with
// the database name as its sole positional argument.
func main() {
	var configPath string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: hybridrag-watcherd [--config path] <database-name>")
		os.Exit(1)
	}
	name := registry.Name(fs.Arg(0))

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, name, logger); err != nil {
		logger.Error("watcher daemon exited with error", obs.Err(err), zap.String("database", name.String()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, name registry.Name, logger *zap.Logger) error {
	reg := registry.New(registry.ResolvePath(cfg.Registry.Path), cfg.Registry.LockTimeout, logger)
	entry, err := reg.Resolve(name)
	if err != nil {
		return err
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	lg, err := ledger.Open(filepath.Join(entry.Path, "processed_files.db"), logger)
	if err != nil {
		return err
	}
	defer lg.Close()
	if released, err := lg.ReclaimStale(); err != nil {
		logger.Warn("stale-claim reclaim failed", obs.Err(err))
	} else if len(released) > 0 {
		obs.LedgerReclaimed.WithLabelValues(name.String()).Add(float64(len(released)))
	}

	factory := backend.NewFactory(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	lg.StartReclaimLoop(ctx, 5*time.Minute)

	handle, err := factory.Resolve(ctx, entry)
	if err != nil {
		return err
	}
	eng, err := engine.New(handle, entry.ModelConfig.EmbeddingDim, engine.NewClient(engine.ClientConfig{
		BaseURL: cfg.Engine.BaseURL,
		Timeout: cfg.Engine.Timeout,
	}))
	if err != nil {
		return err
	}

	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	queue := ingest.NewQueue(rdb, cfg.Ingestion.QueueKeyPrefix, name.String(),
		cfg.Ingestion.ProcessingListPattern, cfg.Ingestion.QueueCapacity)
	claimer := ledger.NewFastClaimer(lg, rdb, cfg.Ingestion.QueueKeyPrefix+":claims", cfg.Ingestion.ClaimTokenTTL)
	pipeline := ingest.NewPipeline(ingest.Config{
		Database:       name.String(),
		WorkerCount:    cfg.Ingestion.WorkerCount,
		MaxAttempts:    cfg.Ingestion.MaxAttempts,
		BackoffBase:    cfg.Ingestion.Backoff.Base,
		BackoffMax:     cfg.Ingestion.Backoff.Max,
		StopGrace:      cfg.Ingestion.StopGrace,
		DequeueTimeout: 2 * time.Second,
		ErrorsDir:      filepath.Join(entry.Path, "ingestion_queue", "errors"),
	}, queue, claimer, lg, eng, cb, logger)

	clsf := classifier.New(classifier.BulkCutoff{OlderThan: 7 * 24 * time.Hour})
	w := watcher.New(entry, clsf, pipeline, lg, factory, cfg.StateDir.Path, logger)

	srv := obs.StartHTTPServer(cfg, func(c context.Context) error {
		return rdb.Ping(c).Err()
	})
	defer srv.Shutdown(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	go pipeline.Run(ctx)

	logger.Info("watcher daemon started",
		zap.String("database", name.String()),
		zap.String("backend_type", string(entry.BackendType)),
		zap.Int("watch_interval_seconds", entry.WatchIntervalSeconds))

	return <-done
}
