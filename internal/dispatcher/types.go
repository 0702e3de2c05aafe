// Copyright 2025 James Ross
package dispatcher

import (
	"fmt"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/secretref"
)

// Tier classifies a tool call. Each tier carries its own timeout,
// concurrency cap and background-task policy.
type Tier string

const (
	Tier1 Tier = "T1"
	Tier2 Tier = "T2"
	Tier3 Tier = "T3"
	Tier4 Tier = "T4"
)

// Kind is the error taxonomy a tool response can carry.
type Kind string

const (
	KindInputInvalid       Kind = "input-invalid"
	KindNotFound           Kind = "not-found"
	KindConflict           Kind = "conflict"
	KindBusy               Kind = "busy"
	KindDeadlineExceeded   Kind = "deadline-exceeded"
	KindBackendUnavailable Kind = "backend-unavailable"
	KindEngineTransient    Kind = "engine-transient"
	KindEnginePermanent    Kind = "engine-permanent"
	KindInternal           Kind = "internal"
)

// Request is the decoded input of one tool invocation.
type Request struct {
	Database     string   `json:"database"`
	Query        string   `json:"query,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	ContextSeeds []string `json:"context_seeds,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Lines        int      `json:"lines,omitempty"`
}

// Footer is the mandatory backend metadata attached to every response,
// success or error. BackendIdentity renders with credentials masked.
type Footer struct {
	DatabaseName    string `json:"database_name"`
	BackendType     string `json:"backend_type"`
	BackendIdentity string `json:"backend_identity"`
}

// ErrorInfo carries the taxonomy kind and a one-line diagnosis.
type ErrorInfo struct {
	Kind      Kind   `json:"kind"`
	Diagnosis string `json:"diagnosis"`
}

// Metadata is the response metadata envelope.
type Metadata struct {
	Footer                 Footer     `json:"backend"`
	Tier                   Tier       `json:"tier"`
	Tool                   string     `json:"tool"`
	TopKRequested          int        `json:"top_k_requested,omitempty"`
	TopKEffective          int        `json:"top_k_effective,omitempty"`
	TopKClamped            bool       `json:"top_k_clamped,omitempty"`
	SuggestedEscalation    string     `json:"suggested_escalation,omitempty"`
	SuggestedMultihopSeeds []string   `json:"suggested_multihop_seeds,omitempty"`
	TaskHandle             string     `json:"task_handle,omitempty"`
	Progress               float64    `json:"progress,omitempty"`
	Error                  *ErrorInfo `json:"error,omitempty"`
}

// Response is the structured value every tool returns: a result plus the
// metadata envelope. The footer is present on every control path.
type Response struct {
	Result   interface{} `json:"result"`
	Metadata Metadata    `json:"metadata"`
}

// CallContext is the explicit per-call value replacing ambient globals:
// the resolved entry, its storage handle, and its engine handle travel
// with the call rather than living in package state.
type CallContext struct {
	Tool   string
	Entry  registry.DatabaseEntry
	Handle backend.StorageHandle
	Engine engine.Engine
	Req    Request
}

// footerFor renders the backend identity for an entry with credentials
// masked. File-based backends identify by path; server backends by
// host:port/database.
func footerFor(entry registry.DatabaseEntry) Footer {
	f := Footer{
		DatabaseName: entry.Name.String(),
		BackendType:  string(entry.BackendType),
	}
	switch entry.BackendType {
	case registry.BackendFileBased, "":
		f.BackendIdentity = entry.Path
	default:
		bc := entry.BackendConfig
		host := bc.Host
		port := bc.Port
		db := bc.Database
		if bc.ConnectionString != "" && host == "" {
			f.BackendIdentity = secretref.MaskConnectionString(bc.ConnectionString)
			return f
		}
		f.BackendIdentity = fmt.Sprintf("%s:%d/%s", host, port, db)
	}
	return f
}

// unknownFooter is used when the database cannot be resolved; the footer
// is still mandatory and must name the invoked database.
func unknownFooter(database string) Footer {
	return Footer{DatabaseName: database, BackendType: "unknown", BackendIdentity: "unknown"}
}

// maskValue recursively replaces any value under a credential-looking
// key before the structure crosses the tool boundary.
func maskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			if secretref.LooksLikeSecretKey(k) {
				out[k] = secretref.MaskedToken
				continue
			}
			out[k] = maskValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = maskValue(vv)
		}
		return out
	default:
		return val
	}
}
