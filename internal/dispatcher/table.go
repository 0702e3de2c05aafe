// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strings"

	"path/filepath"

	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/registry"
)

// Handler executes one tool call against the resolved per-call context.
type Handler func(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error)

// ToolSpec is one row of the registration table: the tool's name, tier,
// top_k policy and handler are compile-time known; external lookup stays
// by string key so the tool-protocol boundary is untouched.
type ToolSpec struct {
	Name        string
	Tier        Tier
	DefaultTopK int
	TopKCap     int
	Background  bool
	QueryMode   string
	Handler     Handler
}

// buildTable assembles the registration table at startup. Adding a tool
// is amending this table, nothing else.
func buildTable() map[string]ToolSpec {
	specs := []ToolSpec{
		{Name: "status", Tier: Tier1, Handler: handleStatus},
		{Name: "health-check", Tier: Tier1, Handler: handleHealthCheck},
		{Name: "get-logs", Tier: Tier1, Handler: handleGetLogs},
		{Name: "task-status", Tier: Tier1, Handler: handleTaskStatus},
		{Name: "task-cancel", Tier: Tier1, Handler: handleTaskCancel},

		{Name: "local-query", Tier: Tier2, DefaultTopK: 5, TopKCap: 10, QueryMode: "local", Handler: handleQuery},
		{Name: "extract-context", Tier: Tier2, DefaultTopK: 5, TopKCap: 10, QueryMode: "extract-context", Handler: handleQuery},

		{Name: "global-query", Tier: Tier3, DefaultTopK: 10, TopKCap: 15, Background: true, QueryMode: "global", Handler: handleQuery},
		{Name: "hybrid-query", Tier: Tier3, DefaultTopK: 10, TopKCap: 15, Background: true, QueryMode: "hybrid", Handler: handleQuery},
		{Name: "generic-query", Tier: Tier3, DefaultTopK: 10, TopKCap: 15, Background: true, QueryMode: "naive", Handler: handleQuery},

		{Name: "multihop-query", Tier: Tier4, Background: true, QueryMode: "multihop", Handler: handleQuery},
	}
	table := make(map[string]ToolSpec, len(specs))
	for _, s := range specs {
		table[s.Name] = s
	}
	return table
}

func handleStatus(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	metrics, err := call.Handle.Metrics(ctx)
	if err != nil {
		return nil, kindError{KindBackendUnavailable, err.Error()}
	}
	out := map[string]interface{}{
		"backend_type":   string(metrics.BackendType),
		"connected":      metrics.Connected,
		"total_size":     metrics.TotalSize,
		"entity_count":   metrics.EntityCount,
		"relation_count": metrics.RelationCount,
		"chunk_count":    metrics.ChunkCount,
		"doc_count":      metrics.DocCount,
		"warnings":       metrics.Warnings,
	}
	if stats, err := d.ledgerStats(call.Entry); err == nil {
		out["ledger"] = map[string]interface{}{
			"completed":          stats.Completed,
			"claimed":            stats.Claimed,
			"failed":             stats.Failed,
			"enrichment_pending": stats.Pending,
		}
	}
	if state, err := os.ReadFile(filepath.Join(d.cfg.StateDir, "watchers", call.Entry.Name.String()+".state")); err == nil {
		out["watcher_state"] = strings.TrimSpace(string(state))
	}
	return out, nil
}

func handleHealthCheck(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	health, err := call.Handle.HealthProbe(ctx)
	if err != nil {
		return nil, kindError{KindBackendUnavailable, err.Error()}
	}
	return map[string]interface{}{
		"connected":             health.Connected,
		"connection_latency_ms": health.ConnectionLatency.Milliseconds(),
		"checked_at":            health.CheckedAt,
		"error":                 health.Error,
	}, nil
}

const defaultLogLines = 100

func handleGetLogs(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	n := call.Req.Lines
	if n <= 0 {
		n = defaultLogLines
	}
	raw, err := os.ReadFile(d.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{"lines": []string{}}, nil
		}
		return nil, kindError{KindInternal, fmt.Sprintf("read log: %v", err)}
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return map[string]interface{}{"lines": lines}, nil
}

func handleTaskStatus(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	t, ok := d.tasks.Get(call.Req.TaskID)
	if !ok {
		return nil, kindError{KindNotFound, fmt.Sprintf("unknown task %q", call.Req.TaskID)}
	}
	out := map[string]interface{}{
		"task_id":  t.ID,
		"tool":     t.Tool,
		"status":   string(t.Status),
		"progress": t.Progress,
	}
	if t.Status == TaskCompleted {
		out["result"] = t.Result
	}
	if t.Err != nil {
		out["error"] = map[string]interface{}{"kind": string(t.Err.Kind), "diagnosis": t.Err.Diagnosis}
	}
	return out, nil
}

func handleTaskCancel(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	if !d.tasks.Cancel(call.Req.TaskID) {
		return nil, kindError{KindNotFound, fmt.Sprintf("no running task %q", call.Req.TaskID)}
	}
	return map[string]interface{}{"task_id": call.Req.TaskID, "status": string(TaskCancelled)}, nil
}

// handleQuery runs every query-mode tool: the mode and top_k policy come
// from the table row, the seeds come from the request.
func handleQuery(ctx context.Context, d *Dispatcher, call *CallContext) (interface{}, error) {
	if strings.TrimSpace(call.Req.Query) == "" {
		return nil, kindError{KindInputInvalid, "query text is required"}
	}
	spec := d.tools[call.Tool]
	result, err := call.Engine.Query(ctx, engine.QueryParams{
		Tier:         string(spec.Tier),
		Mode:         spec.QueryMode,
		Query:        call.Req.Query,
		ContextSeeds: call.Req.ContextSeeds,
		MaxResults:   call.Req.TopK,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"answer": result.Answer,
		"raw":    maskValue(mapToInterface(result.Raw)),
	}, nil
}

func mapToInterface(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// ledgerStats opens the entry's ledger read-only for the status tool.
// Overridable so tests and embedded callers can share an open ledger.
func (d *Dispatcher) ledgerStats(entry registry.DatabaseEntry) (ledger.Stats, error) {
	if d.ledgerStatsFn != nil {
		return d.ledgerStatsFn(entry)
	}
	l, err := ledger.Open(filepath.Join(entry.Path, "processed_files.db"), d.log)
	if err != nil {
		return ledger.Stats{}, err
	}
	defer l.Close()
	return l.Stats()
}
