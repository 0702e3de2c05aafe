// Copyright 2025 James Ross
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/ingest"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/registry"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	items []ingest.Item
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, item ingest.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func newTestWatcher(t *testing.T) (*Watcher, *recordingEnqueuer, string) {
	t.Helper()
	srcDir := t.TempDir()
	stateDir := t.TempDir()

	lg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lg.Close() })

	entry := registry.DatabaseEntry{
		Name:                 "testdb",
		Path:                 srcDir,
		SourceFolder:         srcDir,
		SourceType:           registry.SourceGeneric,
		Recursive:            true,
		WatchIntervalSeconds: 60,
		BackendType:          registry.BackendFileBased,
	}

	clsf := classifier.New(classifier.BulkCutoff{OlderThan: 24 * time.Hour})
	factory := backend.NewFactory(zap.NewNop())
	enq := &recordingEnqueuer{}

	w := New(entry, clsf, enq, lg, factory, stateDir, zap.NewNop())
	return w, enq, srcDir
}

func TestScanOnceEnqueuesNewFiles(t *testing.T) {
	w, enq, srcDir := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello there"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Fatalf("expected 1 enqueued item, got %d", enq.count())
	}
}

func TestScanOnceSkipsAlreadySeenFingerprint(t *testing.T) {
	w, enq, srcDir := newTestWatcher(t)

	path := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(path, []byte("hello there"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.lg.Claim(ingest.Fingerprint([]byte("hello there")), path, 11); err != nil {
		t.Fatal(err)
	}
	if err := w.lg.Complete(ingest.Fingerprint([]byte("hello there")), false); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Fatalf("expected still only 1 enqueued item after rescan of completed file, got %d", enq.count())
	}
}

func TestDeltaSkipsUnmodifiedFilesOnRescan(t *testing.T) {
	w, enq, srcDir := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("content one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Fatalf("expected 1 item after first scan, got %d", enq.count())
	}

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Fatalf("expected delta tracking to prevent rescanning unmodified file, got %d", enq.count())
	}
}

func TestPauseResumeRestoresPriorState(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	w.setState(StateIdle)
	w.Pause()
	if w.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", w.State())
	}
	w.Resume()
	if w.State() != StateIdle {
		t.Fatalf("expected resume to restore idle state, got %s", w.State())
	}
}

func TestRunWritesPIDAndHeartbeatThenCleansUpOnStop(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if _, err := os.Stat(w.pidPath()); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pid file")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to stop")
	}

	if _, err := os.Stat(w.pidPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after stop, err=%v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", w.State())
	}
}

func TestStateFileMirrorsStateMachine(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	w.setState(StateIdle)

	raw, err := os.ReadFile(w.statePath())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(raw)); got != "idle" {
		t.Fatalf("expected state file to read idle, got %q", got)
	}
}

func TestPauseFileSignalsPauseAndResume(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	w.setState(StateIdle)

	if err := os.MkdirAll(filepath.Dir(w.pausePath()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(w.pausePath(), []byte("pause\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.checkPauseSignal()
	if w.State() != StatePaused {
		t.Fatalf("expected paused after pause file appeared, got %s", w.State())
	}

	if err := os.Remove(w.pausePath()); err != nil {
		t.Fatal(err)
	}
	w.checkPauseSignal()
	if w.State() != StateIdle {
		t.Fatalf("expected idle after pause file removed, got %s", w.State())
	}
}
