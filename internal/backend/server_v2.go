// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/secretref"
)

// serverV2Handle backs a database with a Redis-compatible
// server-backed-v2 store, reused from the same go-redis client family
// as the ingestion queue but pointed at an isolated logical workspace
// (BackendConfig.Workspace) so two databases never share keys.
type serverV2Handle struct {
	rdb       *redis.Client
	workspace string
}

func NewServerV2Handle(ctx context.Context, entry registry.DatabaseEntry) (StorageHandle, error) {
	bc := entry.BackendConfig
	password, err := secretref.New().Resolve(bc.PasswordRef)
	if err != nil {
		return nil, fmt.Errorf("server-backed-v2: resolve password_ref: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", bc.Host, bc.Port),
		Username: bc.User,
		Password: password,
		DB:       0,
	})
	workspace := bc.Workspace
	if workspace == "" {
		workspace = entry.Name.String()
	}
	return &serverV2Handle{rdb: rdb, workspace: workspace}, nil
}

func (h *serverV2Handle) key(suffix string) string {
	return fmt.Sprintf("hybridrag:workspace:%s:%s", h.workspace, suffix)
}

func (h *serverV2Handle) HealthProbe(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.rdb.Ping(cctx).Err()
	status := HealthStatus{CheckedAt: time.Now(), ConnectionLatency: time.Since(start)}
	if err != nil {
		status.Connected = false
		status.Error = err.Error()
		return status, nil
	}
	status.Connected = true
	return status, nil
}

func (h *serverV2Handle) Metrics(ctx context.Context) (StorageMetrics, error) {
	m := StorageMetrics{BackendType: registry.BackendServerV2}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
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
	for table, dest := range counts {
		n, err := h.rdb.SCard(ctx, h.key(table)).Result()
		if err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("count %s: %v", table, err))
			continue
		}
		*dest = n
	}
	return m, nil
}

func (h *serverV2Handle) Close() error { return h.rdb.Close() }
