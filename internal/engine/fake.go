// Copyright 2025 James Ross
package engine

import (
	"context"
	"sync"

	"github.com/hybridrag/hybridrag/internal/classifier"
)

// Fake is an in-memory Engine used by tests and by components exercising
// the ingestion/dispatcher boundary without a live engine collaborator.
type Fake struct {
	mu       sync.Mutex
	dim      int
	inserts  []FakeInsert
	failNext *Error
	queryFn  func(QueryParams) (QueryResult, error)
}

type FakeInsert struct {
	Tier   classifier.Tier
	Chunks []classifier.Chunk
}

func NewFake(dim int) *Fake {
	return &Fake{dim: dim}
}

// FailNext arranges for the next Insert call to return err instead of
// succeeding, then resets.
func (f *Fake) FailNext(err *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) SetQueryFunc(fn func(QueryParams) (QueryResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryFn = fn
}

func (f *Fake) Insert(_ context.Context, tier classifier.Tier, chunks []classifier.Chunk) (InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return InsertResult{}, err
	}
	f.inserts = append(f.inserts, FakeInsert{Tier: tier, Chunks: chunks})
	edges := 0
	if tier == classifier.TierEnriched {
		edges = len(chunks)
	}
	return InsertResult{ChunksInserted: len(chunks), GraphEdges: edges}, nil
}

func (f *Fake) Query(_ context.Context, params QueryParams) (QueryResult, error) {
	f.mu.Lock()
	fn := f.queryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(params)
	}
	return QueryResult{Answer: "stub answer for " + params.Query}, nil
}

func (f *Fake) EmbeddingDim(context.Context) (int, error) {
	return f.dim, nil
}

// Inserts returns every Insert call observed so far, for test assertions.
func (f *Fake) Inserts() []FakeInsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeInsert, len(f.inserts))
	copy(out, f.inserts)
	return out
}
