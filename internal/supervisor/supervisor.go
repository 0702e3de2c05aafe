// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/registry"
)

const (
	startTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	staleMultiple     = 2
)

// Status is one database's supervisor-observed liveness.
type Status struct {
	Name        registry.Name
	Running     bool
	PID         int
	LastHeartbeat time.Time
	Stale       bool
}

// Supervisor manages watcher daemon processes for a set of registered
// databases, one OS process per database.
type Supervisor struct {
	stateDir   string
	daemonPath string
	log        *zap.Logger
}

func New(stateDir, daemonPath string, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{stateDir: stateDir, daemonPath: daemonPath, log: log}
}

func (s *Supervisor) pidPath(name registry.Name) string {
	return filepath.Join(s.stateDir, "watchers", string(name)+".pid")
}

func (s *Supervisor) heartbeatPath(name registry.Name) string {
	return filepath.Join(s.stateDir, "watchers", string(name)+".heartbeat")
}

// Status reports whether name's watcher is alive: its PID file exists,
// the process exists, and its heartbeat is within 2x the interval.
func (s *Supervisor) Status(name registry.Name) Status {
	st := Status{Name: name}
	pid, err := s.readPID(name)
	if err != nil {
		return st
	}
	st.PID = pid
	if !processExists(pid) {
		return st
	}
	hbInfo, err := os.Stat(s.heartbeatPath(name))
	if err != nil {
		return st
	}
	st.LastHeartbeat = hbInfo.ModTime()
	st.Stale = time.Since(hbInfo.ModTime()) >= staleMultiple*heartbeatInterval
	st.Running = !st.Stale
	return st
}

// Start ensures name's watcher daemon is running, spawning it if not.
// Returns (alreadyRunning=true, nil) if a healthy process was already
// found.
func (s *Supervisor) Start(ctx context.Context, name registry.Name) (alreadyRunning bool, err error) {
	status := s.Status(name)
	if status.Running {
		return true, nil
	}
	if status.PID != 0 {
		_ = os.Remove(s.pidPath(name))
	}

	if err := os.MkdirAll(filepath.Join(s.stateDir, "watchers"), 0o755); err != nil {
		return false, fmt.Errorf("supervisor: mkdir state dir: %w", err)
	}

	cmd := exec.CommandContext(context.Background(), s.daemonPath, string(name))
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("supervisor: start-failed: %w", err)
	}

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		st := s.Status(name)
		if st.Running {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false, fmt.Errorf("supervisor: start-failed: daemon did not report healthy within %s: %s", startTimeout, stderr.String())
}

// Stop sends SIGTERM to name's watcher process and waits for the PID
// file to be removed, matching the watcher's own graceful-stop path.
func (s *Supervisor) Stop(name registry.Name) error {
	pid, err := s.readPID(name)
	if err != nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("supervisor: signal: %w", err)
	}
	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.pidPath(name)); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("supervisor: stop timed out waiting for pid file removal")
}

// StartAll starts every entry whose AutoWatch is set (or every entry,
// when autoWatchOnly is false).
func (s *Supervisor) StartAll(ctx context.Context, entries []registry.DatabaseEntry, autoWatchOnly bool) map[registry.Name]error {
	results := make(map[registry.Name]error)
	for _, e := range entries {
		if autoWatchOnly && !e.AutoWatch {
			continue
		}
		_, err := s.Start(ctx, e.Name)
		results[e.Name] = err
	}
	return results
}

func (s *Supervisor) StopAll(entries []registry.DatabaseEntry) map[registry.Name]error {
	results := make(map[registry.Name]error)
	for _, e := range entries {
		results[e.Name] = s.Stop(e.Name)
	}
	return results
}

func (s *Supervisor) readPID(name registry.Name) (int, error) {
	b, err := os.ReadFile(s.pidPath(name))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
