// Copyright 2025 James Ross
package migration

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// checkpointStore persists Job records under {state-dir}/migrations/.
// Every write is write-temp, fsync, rename; a completed job is archived
// as a zstd-compressed sibling so the live checkpoint slot frees up while
// the history stays inspectable. A failed job's checkpoint stays live so
// that it can be resumed.
type checkpointStore struct {
	dir string
}

func newCheckpointStore(stateDir string) *checkpointStore {
	return &checkpointStore{dir: filepath.Join(stateDir, "migrations")}
}

func (c *checkpointStore) path(database string) string {
	return filepath.Join(c.dir, database+".job.json")
}

func (c *checkpointStore) leasePath(database string) string {
	return filepath.Join(c.dir, database+".lease")
}

// AcquireLease creates the database's exclusive migration lease. A
// second acquisition fails with ErrInProgress unless takeover is set
// (resume of a killed run).
func (c *checkpointStore) AcquireLease(database, jobID string, takeover bool) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("migration: mkdir state: %w", err)
	}
	flags := os.O_CREATE | os.O_EXCL | os.O_WRONLY
	if takeover {
		flags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	}
	f, err := os.OpenFile(c.leasePath(database), flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: lease held for %s", ErrInProgress, database)
		}
		return fmt.Errorf("migration: acquire lease: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(jobID + "\n")
	return err
}

func (c *checkpointStore) ReleaseLease(database string) {
	_ = os.Remove(c.leasePath(database))
}

// Save persists the job checkpoint atomically.
func (c *checkpointStore) Save(job *Job) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("migration: mkdir state: %w", err)
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("migration: encode checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("migration: create temp: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("migration: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("migration: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, c.path(job.DatabaseName))
}

// Load reads the live checkpoint for database, if any.
func (c *checkpointStore) Load(database string) (*Job, error) {
	raw, err := os.ReadFile(c.path(database))
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("migration: read checkpoint: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("migration: decode checkpoint: %w", err)
	}
	return &job, nil
}

// Archive compresses the finished job's checkpoint into
// <database>.job-<id>.json.zst and removes the live file.
func (c *checkpointStore) Archive(job *Job) error {
	src := c.path(job.DatabaseName)
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := filepath.Join(c.dir, fmt.Sprintf("%s.job-%s.json.zst", job.DatabaseName, job.JobID))
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (c *checkpointStore) cancelPath(database string) string {
	return filepath.Join(c.dir, database+".cancel")
}

// RequestCancel marks the database's running job for cancellation at the
// next batch boundary.
func (c *checkpointStore) RequestCancel(database string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.cancelPath(database), []byte("cancel\n"), 0o644)
}

func (c *checkpointStore) cancelRequested(database string) bool {
	_, err := os.Stat(c.cancelPath(database))
	return err == nil
}

func (c *checkpointStore) clearCancel(database string) {
	_ = os.Remove(c.cancelPath(database))
}
