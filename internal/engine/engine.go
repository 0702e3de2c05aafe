// Copyright 2025 James Ross
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/classifier"
)

// Kind classifies a failure the engine boundary can return, per the
// failure taxonomy: engine-transient is retried, engine-permanent and
// backend-unavailable are quarantined.
type Kind string

const (
	KindTransient         Kind = "engine-transient"
	KindPermanent         Kind = "engine-permanent"
	KindBackendUnavailable Kind = "backend-unavailable"
)

// Error wraps a failure from an Engine call with its taxonomy kind and a
// one-line diagnosis, so callers can decide retry vs. quarantine without
// string-matching on err.Error().
type Error struct {
	Kind      Kind
	Diagnosis string
	Cause     error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Diagnosis }
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether Kind is engine-transient.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// InsertResult reports what an Insert call actually did, used by the
// ingestion pipeline's enrichment-pending bookkeeping.
type InsertResult struct {
	ChunksInserted int
	GraphEdges     int
}

// QueryParams carries a tiered query request into the engine. Mode
// selects the engine's search strategy (local, global, hybrid, naive,
// multihop, extract-context); Tier is the dispatcher's classification.
type QueryParams struct {
	Tier          string
	Mode          string
	Query         string
	ContextSeeds  []string
	MaxResults    int
}

// QueryResult is the engine's raw response; the dispatcher's jsonpath
// post-processor extracts suggested_multihop_seeds from Raw.
type QueryResult struct {
	Answer string
	Raw    map[string]interface{}
}

// Engine is the boundary this module calls into. The real RAG engine
// (graph construction, embedding, query evaluation) is an external
// collaborator; this interface is the tight coupling point the rest of
// the module is built against.
type Engine interface {
	// Insert performs the tiered insert: fast skips entity/relation
	// extraction, enriched runs the full chunk+embed+graph path.
	Insert(ctx context.Context, tier classifier.Tier, chunks []classifier.Chunk) (InsertResult, error)
	Query(ctx context.Context, params QueryParams) (QueryResult, error)
	EmbeddingDim(ctx context.Context) (int, error)
}

// New binds an Engine to a resolved StorageHandle and the database's
// configured embedding dimension, failing fast if the two disagree
// (the "refuses to start" behavior on embedding-dimension mismatch).
func New(handle backend.StorageHandle, configuredDim int, impl Engine) (Engine, error) {
	if impl == nil {
		return nil, errors.New("engine: implementation is nil")
	}
	observed, err := impl.EmbeddingDim(context.Background())
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Diagnosis: "could not determine embedding dimension", Cause: err}
	}
	if configuredDim > 0 && observed != configuredDim {
		return nil, &Error{
			Kind:      KindPermanent,
			Diagnosis: formatDimMismatch(configuredDim, observed),
		}
	}
	return impl, nil
}

func formatDimMismatch(configured, observed int) string {
	return fmt.Sprintf("embedding dimension mismatch: configured %d != observed %d", configured, observed)
}
