// Copyright 2025 James Ross
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hybridrag/hybridrag/internal/breaker"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ledger"
)

func newTestPipeline(t *testing.T) (*Pipeline, *engine.Fake, *ledger.Ledger, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dir := t.TempDir()
	lg, err := ledger.Open(filepath.Join(dir, "ledger.db"), nil)
	if err != nil {
		t.Fatal(err)
	}

	claimer := ledger.NewFastClaimer(lg, rdb, "hybridrag:claim", time.Minute)
	queue := NewQueue(rdb, "hybridrag:queue", "testdb", "hybridrag:proc:%s", 10)
	fake := engine.NewFake(8)
	cb := breaker.New(time.Minute, 5*time.Second, 0.5, 3)

	cfg := Config{
		Database:       "testdb",
		WorkerCount:    1,
		MaxAttempts:    3,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		StopGrace:      200 * time.Millisecond,
		DequeueTimeout: 100 * time.Millisecond,
		ErrorsDir:      filepath.Join(dir, "errors"),
	}
	p := NewPipeline(cfg, queue, claimer, lg, fake, cb, nil)

	cleanup := func() {
		lg.Close()
		rdb.Close()
		mr.Close()
	}
	return p, fake, lg, cleanup
}

func TestPipelineProcessesAndCompletes(t *testing.T) {
	p, fake, lg, cleanup := newTestPipeline(t)
	defer cleanup()

	item := Item{
		Fingerprint:   Fingerprint([]byte("hello world")),
		SourcePath:    "/tmp/does-not-matter.txt",
		ExtractedText: "hello world",
		Metadata:      classifier.Metadata{SourcePath: "/tmp/does-not-matter.txt"},
		TierHint:      classifier.TierFast,
		Size:          11,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(runCtx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		stats, err := lg.Stats()
		if err != nil {
			t.Fatal(err)
		}
		if stats.Completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for item to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
	runCancel()
	<-done

	if len(fake.Inserts()) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(fake.Inserts()))
	}
}

func TestPipelineQuarantinesPermanentFailure(t *testing.T) {
	p, fake, lg, cleanup := newTestPipeline(t)
	defer cleanup()

	src := filepath.Join(t.TempDir(), "bad.txt")
	if err := os.WriteFile(src, []byte("bad content"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake.FailNext(&engine.Error{Kind: engine.KindPermanent, Diagnosis: "rejected"})

	item := Item{
		Fingerprint:   Fingerprint([]byte("bad content")),
		SourcePath:    src,
		ExtractedText: "bad content",
		Metadata:      classifier.Metadata{SourcePath: src},
		TierHint:      classifier.TierFast,
		Size:          11,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(runCtx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		stats, err := lg.Stats()
		if err != nil {
			t.Fatal(err)
		}
		if stats.Failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for item to fail")
		case <-time.After(10 * time.Millisecond):
		}
	}
	runCancel()
	<-done

	if _, err := os.Stat(filepath.Join(p.cfg.ErrorsDir, "bad.txt")); err != nil {
		t.Fatalf("expected quarantined file, got: %v", err)
	}
}

func TestPipelineSingleFlightSkipsDuplicateEnqueue(t *testing.T) {
	p, _, _, cleanup := newTestPipeline(t)
	defer cleanup()

	item := Item{
		Fingerprint:   Fingerprint([]byte("dup")),
		SourcePath:    "/tmp/dup.txt",
		ExtractedText: "dup",
		Metadata:      classifier.Metadata{SourcePath: "/tmp/dup.txt"},
		TierHint:      classifier.TierFast,
		Size:          3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Enqueue(ctx, item); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := p.Enqueue(ctx, item); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	depth, err := p.queue.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected only one queued item after duplicate enqueue, got %d", depth)
	}
}
