// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/registry"
)

func writeHeartbeat(t *testing.T, s *Supervisor, name registry.Name, pid int, age time.Duration) {
	t.Helper()
	dir := filepath.Join(s.stateDir, "watchers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.pidPath(name), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(-age)
	if err := os.WriteFile(s.heartbeatPath(name), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(s.heartbeatPath(name), ts, ts); err != nil {
		t.Fatal(err)
	}
}

func TestStatusHealthyProcess(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "/bin/true", zap.NewNop())
	writeHeartbeat(t, s, "testdb", os.Getpid(), time.Second)

	st := s.Status("testdb")
	if !st.Running {
		t.Fatalf("expected running, got %+v", st)
	}
}

func TestStatusStaleHeartbeat(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "/bin/true", zap.NewNop())
	writeHeartbeat(t, s, "testdb", os.Getpid(), time.Hour)

	st := s.Status("testdb")
	if st.Running {
		t.Fatalf("expected not running with stale heartbeat, got %+v", st)
	}
	if !st.Stale {
		t.Fatal("expected Stale=true")
	}
}

func TestStatusNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "/bin/true", zap.NewNop())
	st := s.Status("nope")
	if st.Running {
		t.Fatal("expected not running when no pid file exists")
	}
}

func TestStartReturnsStartFailedOnBadBinary(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, filepath.Join(dir, "does-not-exist"), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Start(ctx, "testdb"); err == nil {
		t.Fatal("expected start-failed error for nonexistent binary")
	}
}

func TestInstallPersistentUnitWritesTemplate(t *testing.T) {
	dir := t.TempDir()
	s := New(t.TempDir(), "/usr/local/bin/hybridrag-watcherd", zap.NewNop())
	path, err := s.InstallPersistentUnit(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty unit file")
	}
}

func TestUnitName(t *testing.T) {
	if got := UnitName("mydb"); got != "hybridrag-watcher@mydb.service" {
		t.Fatalf("unexpected unit name: %s", got)
	}
}
