// Copyright 2025 James Ross
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/registry"
)

type fakeControl struct {
	paused  bool
	pauses  int
	resumes int
}

func (f *fakeControl) Pause(ctx context.Context, db string) error {
	f.paused = true
	f.pauses++
	return nil
}

func (f *fakeControl) Resume(ctx context.Context, db string) error {
	f.paused = false
	f.resumes++
	return nil
}

// countingStore wraps a fileStore to observe and optionally fail writes.
type countingStore struct {
	*fileStore
	puts    int
	putRecs int
	failPut func(batch []Record) error
}

func (s *countingStore) Put(ctx context.Context, store string, records []Record) error {
	if s.failPut != nil {
		if err := s.failPut(records); err != nil {
			return err
		}
	}
	s.puts++
	s.putRecs += len(records)
	return s.fileStore.Put(ctx, store, records)
}

func writeSourceStore(t *testing.T, dir, store string, n int) {
	t.Helper()
	m := map[string]interface{}{}
	for i := 0; i < n; i++ {
		m[fmt.Sprintf("%s-key-%04d", store, i)] = map[string]interface{}{"id": i, "body": "record"}
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kv_store_"+store+".json"), raw, 0o644))
}

func testSetup(t *testing.T) (*Coordinator, *fakeControl, *countingStore, registry.Name, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	dstDir := filepath.Join(dir, "dst")
	stateDir := filepath.Join(dir, "state")

	writeSourceStore(t, srcDir, "entities", 120)
	writeSourceStore(t, srcDir, "relations", 35)
	writeSourceStore(t, srcDir, "chunks", 0)
	writeSourceStore(t, srcDir, "documents", 7)

	reg := registry.New(filepath.Join(dir, "registry.yaml"), time.Second, nil)
	entry := registry.DatabaseEntry{
		Name:        "proj1",
		Path:        srcDir,
		SourceType:  registry.SourceGeneric,
		BackendType: registry.BackendFileBased,
	}
	require.NoError(t, reg.Register(entry))

	control := &fakeControl{}
	coord := NewCoordinator(reg, backend.NewFactory(nil), control, stateDir, nil)
	target := &countingStore{fileStore: newFileStore(dstDir)}
	coord.open = func(ctx context.Context, e registry.DatabaseEntry) (WritableStore, error) {
		if e.BackendType == registry.BackendServerV1 {
			return target, nil
		}
		return newFileStore(e.Path), nil
	}
	return coord, control, target, entry.Name, reg, stateDir
}

var targetCfg = registry.BackendConfig{Host: "db.internal", Port: 5432, User: "rag", Database: "hybrid", PasswordRef: "env://PGPASS"}

func TestMigrationCompletesAndPromotes(t *testing.T) {
	coord, control, target, name, reg, _ := testSetup(t)

	job, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{BatchSize: 50, SpotCheckCount: DefaultSpotCheckCount})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, int64(162), job.Counts.Total)
	require.Equal(t, int64(162), job.Counts.Migrated)
	require.Equal(t, 1, control.pauses)
	require.Equal(t, 1, control.resumes)
	require.False(t, control.paused)

	got, err := target.Count(context.Background(), "entities")
	require.NoError(t, err)
	require.Equal(t, int64(120), got)

	promoted, err := reg.Resolve(name)
	require.NoError(t, err)
	require.Equal(t, registry.BackendServerV1, promoted.BackendType)
	require.Equal(t, "db.internal", promoted.BackendConfig.Host)
}

func TestMigrationLeaseExcludesSecondJob(t *testing.T) {
	coord, _, _, name, _, stateDir := testSetup(t)
	require.NoError(t, coord.ckpt.AcquireLease(name.String(), "other-job", false))

	_, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{})
	require.ErrorIs(t, err, ErrInProgress)

	// The failed claim must not release the holder's lease.
	_, statErr := os.Stat(filepath.Join(stateDir, "migrations", name.String()+".lease"))
	require.NoError(t, statErr)
}

func TestMigrationResumesFromCheckpoint(t *testing.T) {
	coord, _, target, name, reg, _ := testSetup(t)

	fails := 0
	target.failPut = func(batch []Record) error {
		fails++
		if fails == 3 {
			return fmt.Errorf("connection reset")
		}
		return nil
	}
	_, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{BatchSize: 50})
	require.Error(t, err)

	unpromoted, err := reg.Resolve(name)
	require.NoError(t, err)
	require.Equal(t, registry.BackendFileBased, unpromoted.BackendType)

	copiedBeforeResume := target.putRecs
	target.failPut = nil
	job, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{BatchSize: 50, Resume: true})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	// The resumed run copies only what the first run had not durably
	// written, never the whole data set again.
	require.Equal(t, 162, target.putRecs)
	require.Less(t, target.putRecs-copiedBeforeResume, 162)

	got, err := target.Count(context.Background(), "entities")
	require.NoError(t, err)
	require.Equal(t, int64(120), got)
}

func TestMigrationVerificationFailureIsFailClosed(t *testing.T) {
	coord, _, target, name, reg, _ := testSetup(t)

	// Corrupt one record on its way into the target; counts still match,
	// so only the spot-check can catch it.
	target.failPut = func(batch []Record) error {
		if len(batch) > 0 {
			batch[0].Value = []byte(`{"tampered":true}`)
		}
		return nil
	}
	job, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{BatchSize: 10, SpotCheckCount: 200})
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.Equal(t, StatusFailed, job.Status)

	entry, err := reg.Resolve(name)
	require.NoError(t, err)
	require.Equal(t, registry.BackendFileBased, entry.BackendType)
}

func TestMigrationCancelAtBatchBoundary(t *testing.T) {
	coord, _, target, name, _, _ := testSetup(t)

	target.failPut = func(batch []Record) error {
		if target.puts == 1 {
			require.NoError(t, coord.Cancel(name.String()))
		}
		return nil
	}
	job, err := coord.Run(context.Background(), name, registry.BackendServerV1, targetCfg, Options{BatchSize: 10})
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, StatusFailed, job.Status)
}

func TestSpotCheckSeedIsDeterministic(t *testing.T) {
	require.Equal(t, seedFrom("job-a"), seedFrom("job-a"))
	require.NotEqual(t, seedFrom("job-a"), seedFrom("job-b"))
}

func TestFileStoreScanStableOrder(t *testing.T) {
	dir := t.TempDir()
	writeSourceStore(t, dir, "entities", 25)
	s := newFileStore(dir)

	first, err := s.Scan(context.Background(), "entities", "", 10)
	require.NoError(t, err)
	require.Len(t, first, 10)
	second, err := s.Scan(context.Background(), "entities", first[len(first)-1].Key, 100)
	require.NoError(t, err)
	require.Len(t, second, 15)
	require.Greater(t, second[0].Key, first[len(first)-1].Key)
}
