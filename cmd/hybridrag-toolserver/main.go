// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/config"
	"github.com/hybridrag/hybridrag/internal/dispatcher"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/registry"
)

// hybridrag-toolserver exposes the tiered query dispatcher's tool
// surface over HTTP for external agents.
func main() {
	var configPath string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	_ = fs.Parse(os.Args[1:])

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

	reg := registry.New(registry.ResolvePath(cfg.Registry.Path), cfg.Registry.LockTimeout, logger)
	factory := backend.NewFactory(logger)

	provider := func(ctx context.Context, entry registry.DatabaseEntry, handle backend.StorageHandle) (engine.Engine, error) {
		return engine.New(handle, entry.ModelConfig.EmbeddingDim, engine.NewClient(engine.ClientConfig{
			BaseURL: cfg.Engine.BaseURL,
			Timeout: cfg.Engine.Timeout,
		}))
	}

	d := dispatcher.New(dispatcher.Config{
		T2Timeout:     cfg.Dispatcher.T2Timeout,
		T3Timeout:     cfg.Dispatcher.T3Timeout,
		T4Timeout:     cfg.Dispatcher.T4Timeout,
		T2Concurrency: cfg.Dispatcher.T2Concurrency,
		T3Concurrency: cfg.Dispatcher.T3Concurrency,
		T4Concurrency: cfg.Dispatcher.T4Concurrency,
		StateDir:      cfg.StateDir.Path,
		LogPath:       filepath.Join(cfg.StateDir.Path, "logs", "hybridrag.log"),
	}, reg, factory, provider, logger)

	srv := dispatcher.NewServer(cfg.Dispatcher.ListenAddr, d, dispatcher.AuditConfig{
		Path:       filepath.Join(cfg.StateDir.Path, "logs", "toolserver-audit.jsonl"),
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}, logger)

	metricsSrv := obs.StartHTTPServer(cfg, nil)
	defer metricsSrv.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("tool server listening", zap.String("addr", cfg.Dispatcher.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tool server shutdown", obs.Err(err))
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("tool server failed", obs.Err(err))
			os.Exit(1)
		}
	}
}
