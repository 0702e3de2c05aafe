// Copyright 2025 James Ross
package backend

import (
	"context"
	"time"

	"github.com/hybridrag/hybridrag/internal/registry"
)

// HealthStatus reports connectivity for a StorageHandle.
type HealthStatus struct {
	Connected        bool
	ConnectionLatency time.Duration
	CheckedAt        time.Time
	Error            string
}

// StorageMetrics mirrors the data model's computed-on-demand record.
type StorageMetrics struct {
	BackendType   registry.BackendType
	Connected     bool
	FileSizes     map[string]int64
	TotalSize     int64
	EntityCount   int64
	RelationCount int64
	ChunkCount    int64
	DocCount      int64
	Warnings      []string
}

// StorageHandle is the opaque handle a database's storage class resolves
// to. It is cached per database name by the Factory and invalidated on
// any backend-field update.
type StorageHandle interface {
	HealthProbe(ctx context.Context) (HealthStatus, error)
	Metrics(ctx context.Context) (StorageMetrics, error)
	Close() error
}

// Constructor builds a StorageHandle for a given DatabaseEntry. Each
// BackendType the factory knows about registers exactly one Constructor.
type Constructor func(ctx context.Context, entry registry.DatabaseEntry) (StorageHandle, error)
