// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("HYBRIDRAG_INGESTION_WORKER_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingestion.WorkerCount != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.Ingestion.WorkerCount)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Registry.Path == "" {
		t.Fatalf("expected default registry path")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingestion.WorkerCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ingestion.worker_count < 1")
	}
	cfg = defaultConfig()
	cfg.Ingestion.QueueCapacity = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue_capacity < 1")
	}
	cfg = defaultConfig()
	cfg.Dispatcher.T3Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for tier concurrency < 1")
	}
}
