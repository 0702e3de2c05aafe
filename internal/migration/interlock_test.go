// Copyright 2025 James Ross
package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDaemon mimics a watcher process's side of the control-file
// protocol: it holds a PID file and flips the state file when the pause
// file appears or disappears.
func fakeDaemon(t *testing.T, stateDir, db string, stop <-chan struct{}) {
	t.Helper()
	dir := filepath.Join(stateDir, "watchers")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, db+".pid"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, db+".state"), []byte("idle\n"), 0o644))
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, err := os.Stat(filepath.Join(dir, db+".pause"))
				state := "idle\n"
				if err == nil {
					state = "paused\n"
				}
				_ = os.WriteFile(filepath.Join(dir, db+".state"), []byte(state), 0o644)
			}
		}
	}()
}

func TestFileWatcherControlPauseResume(t *testing.T) {
	stateDir := t.TempDir()
	stop := make(chan struct{})
	defer close(stop)
	fakeDaemon(t, stateDir, "proj1", stop)

	ctl := NewFileWatcherControl(stateDir)
	ctl.poll = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ctl.Pause(ctx, "proj1"))
	require.Equal(t, "paused", ctl.state("proj1"))

	require.NoError(t, ctl.Resume(ctx, "proj1"))
	require.NotEqual(t, "paused", ctl.state("proj1"))
}

func TestFileWatcherControlPauseWithoutDaemon(t *testing.T) {
	ctl := NewFileWatcherControl(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// No PID file: nothing to wait on, the pause is trivially in effect.
	require.NoError(t, ctl.Pause(ctx, "ghost"))
	require.NoError(t, ctl.Resume(ctx, "ghost"))
}

func TestFileWatcherControlPauseTimesOut(t *testing.T) {
	stateDir := t.TempDir()
	dir := filepath.Join(stateDir, "watchers")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// A PID file with no responding daemon: the state never flips.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dead.pid"), []byte("99999"), 0o644))

	ctl := NewFileWatcherControl(stateDir)
	ctl.poll = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ctl.Pause(ctx, "dead"), ErrPauseFailed)
}
