// Copyright 2025 James Ross
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/secretref"
)

// serverV1Handle backs a database with a Postgres-compatible
// server-backed-v1 store, reached over lib/pq. Table names below are
// the engine's well-known server-backed schema; this package's tight
// coupling to them mirrors the data model's own statement that row
// counts "query the engine's expected tables (names known to the
// factory)".
type serverV1Handle struct {
	db     *sql.DB
	entry  registry.DatabaseEntry
}

var serverV1Tables = []string{"entities", "relations", "chunks", "documents"}

func NewServerV1Handle(ctx context.Context, entry registry.DatabaseEntry) (StorageHandle, error) {
	dsn, err := dsnFor(entry)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("server-backed-v1: open: %w", err)
	}
	maxConns := entry.BackendConfig.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	return &serverV1Handle{db: db, entry: entry}, nil
}

func dsnFor(entry registry.DatabaseEntry) (string, error) {
	bc := entry.BackendConfig
	if bc.ConnectionString != "" {
		return bc.ConnectionString, nil
	}
	password, err := secretref.New().Resolve(bc.PasswordRef)
	if err != nil {
		return "", fmt.Errorf("server-backed-v1: resolve password_ref: %w", err)
	}
	sslMode := bc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		bc.Host, bc.Port, bc.User, password, bc.Database, sslMode), nil
}

func (h *serverV1Handle) HealthProbe(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.db.PingContext(cctx)
	status := HealthStatus{CheckedAt: time.Now(), ConnectionLatency: time.Since(start)}
	if err != nil {
		status.Connected = false
		status.Error = err.Error()
		return status, nil
	}
	status.Connected = true
	return status, nil
}

func (h *serverV1Handle) Metrics(ctx context.Context) (StorageMetrics, error) {
	m := StorageMetrics{BackendType: registry.BackendServerV1}
	if err := h.db.PingContext(ctx); err != nil {
		m.Connected = false
		m.Warnings = append(m.Warnings, err.Error())
		return m, nil
	}
	m.Connected = true

	counts := map[string]*int64{
		"entities":  &m.EntityCount,
		"relations": &m.RelationCount,
		"chunks":    &m.ChunkCount,
		"documents": &m.DocCount,
	}
	for _, table := range serverV1Tables {
		dest, ok := counts[table]
		if !ok {
			continue
		}
		row := h.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s", table))
		if err := row.Scan(dest); err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("count %s: %v", table, err))
		}
	}
	return m, nil
}

func (h *serverV1Handle) Close() error { return h.db.Close() }
