// Copyright 2025 James Ross
package migration

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/registry"
)

// Coordinator orchestrates a backend-to-backend copy for one logical
// database: claim, pause watcher, snapshot, plan, copy with checkpoints,
// verify, promote, resume, release. The source backend is never mutated.
type Coordinator struct {
	reg      *registry.Registry
	factory  *backend.Factory
	watchers WatcherControl
	ckpt     *checkpointStore
	open     Opener
	log      *zap.Logger
}

func NewCoordinator(reg *registry.Registry, factory *backend.Factory, watchers WatcherControl, stateDir string, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		reg:      reg,
		factory:  factory,
		watchers: watchers,
		ckpt:     newCheckpointStore(stateDir),
		open:     OpenStore,
		log:      log,
	}
}

// Status returns the live checkpoint for database, if one exists.
func (c *Coordinator) Status(database string) (*Job, error) {
	return c.ckpt.Load(database)
}

// Cancel requests cancellation of the running job at its next batch
// boundary.
func (c *Coordinator) Cancel(database string) error {
	return c.ckpt.RequestCancel(database)
}

// Run executes (or resumes) a migration of name's content to the target
// backend. On success the registry entry is promoted to the target and
// the factory cache invalidated.
func (c *Coordinator) Run(ctx context.Context, name registry.Name, target registry.BackendType, targetCfg registry.BackendConfig, opts Options) (*Job, error) {
	opts.applyDefaults()

	entry, err := c.reg.Resolve(name)
	if err != nil {
		return nil, err
	}
	if entry.BackendType == target {
		return nil, fmt.Errorf("migration: %s already on backend %q", name, target)
	}

	var job *Job
	if opts.Resume {
		job, err = c.ckpt.Load(name.String())
		if err != nil {
			return nil, err
		}
		if job.Status == StatusCompleted {
			return job, nil
		}
		job.Status = StatusInProgress
		job.LastError = ""
	} else {
		job = &Job{
			JobID:         uuid.NewString(),
			DatabaseName:  name.String(),
			SourceBackend: entry.BackendType,
			TargetBackend: target,
			TargetConfig:  targetCfg,
			Status:        StatusPending,
			StartedAt:     time.Now().UTC(),
		}
	}

	// Phase 1: claim.
	if err := c.ckpt.AcquireLease(name.String(), job.JobID, opts.Resume); err != nil {
		return nil, err
	}
	defer c.ckpt.ReleaseLease(name.String())
	c.ckpt.clearCancel(name.String())

	// Phase 2: pause the watcher for the job's whole duration.
	pauseCtx, cancelPause := context.WithTimeout(ctx, opts.PauseTimeout)
	err = c.watchers.Pause(pauseCtx, name.String())
	cancelPause()
	if err != nil {
		return nil, err
	}
	defer func() {
		resumeCtx, cancelResume := context.WithTimeout(context.Background(), opts.PauseTimeout)
		if rerr := c.watchers.Resume(resumeCtx, name.String()); rerr != nil {
			c.log.Error("watcher resume failed", zap.String("database", name.String()), zap.Error(rerr))
		}
		cancelResume()
	}()

	if err := c.execute(ctx, entry, job, opts); err != nil {
		job.Status = StatusFailed
		job.LastError = err.Error()
		job.CompletedAt = time.Now().UTC()
		if saveErr := c.ckpt.Save(job); saveErr != nil {
			c.log.Error("checkpoint save failed", zap.Error(saveErr))
		}
		return job, err
	}

	job.Status = StatusCompleted
	job.CompletedAt = time.Now().UTC()
	if err := c.ckpt.Save(job); err != nil {
		return job, err
	}
	if err := c.ckpt.Archive(job); err != nil {
		c.log.Warn("checkpoint archive failed", zap.String("database", name.String()), zap.Error(err))
	}
	c.log.Info("migration completed",
		zap.String("database", name.String()),
		zap.String("job_id", job.JobID),
		zap.Int64("migrated", job.Counts.Migrated))
	return job, nil
}

func (c *Coordinator) execute(ctx context.Context, entry registry.DatabaseEntry, job *Job, opts Options) error {
	source, err := c.open(ctx, entry)
	if err != nil {
		return fmt.Errorf("migration: open source: %w", err)
	}
	defer source.Close()

	targetEntry := entry
	targetEntry.BackendType = job.TargetBackend
	targetEntry.BackendConfig = job.TargetConfig
	target, err := c.open(ctx, targetEntry)
	if err != nil {
		return fmt.Errorf("migration: open target: %w", err)
	}
	defer target.Close()

	// Phase 3+4: snapshot counts and plan the store order.
	if err := c.snapshot(ctx, source, job); err != nil {
		return err
	}
	job.Status = StatusInProgress
	if err := c.ckpt.Save(job); err != nil {
		return err
	}

	// Phase 5: copy store by store in stable key order.
	for i := range job.Stores {
		if err := c.copyStore(ctx, source, target, job, &job.Stores[i], opts); err != nil {
			return err
		}
	}

	// Phase 6: verify counts and the seeded spot-check; fail closed.
	if err := c.verify(ctx, source, target, job, opts); err != nil {
		return err
	}

	// Phase 7: promote the registry entry and drop stale handles.
	_, err = c.reg.Update(entry.Name, func(e *registry.DatabaseEntry) error {
		e.BackendType = job.TargetBackend
		e.BackendConfig = job.TargetConfig
		return nil
	})
	if err != nil {
		return fmt.Errorf("migration: promote: %w", err)
	}
	c.factory.Invalidate(entry.Name)
	return nil
}

// snapshot fills per-store totals. On resume, existing checkpoints are
// kept and only missing stores are added.
func (c *Coordinator) snapshot(ctx context.Context, source Store, job *Job) error {
	stores, err := source.Stores(ctx)
	if err != nil {
		return fmt.Errorf("migration: enumerate stores: %w", err)
	}
	sort.Strings(stores)
	job.Counts.Total = 0
	for _, store := range stores {
		total, err := source.Count(ctx, store)
		if err != nil {
			return fmt.Errorf("migration: snapshot %s: %w", store, err)
		}
		if cp := job.checkpointFor(store); cp != nil {
			cp.TotalCount = total
		} else {
			job.Stores = append(job.Stores, StoreCheckpoint{StoreName: store, TotalCount: total})
		}
		job.Counts.Total += total
	}
	return nil
}

// copyStore drains one store from its checkpoint position, persisting a
// checkpoint after every batch. Cancellation is honored only at batch
// boundaries.
func (c *Coordinator) copyStore(ctx context.Context, source Store, target WritableStore, job *Job, cp *StoreCheckpoint, opts Options) error {
	if cp.Done {
		return nil
	}
	for {
		if c.ckpt.cancelRequested(job.DatabaseName) {
			c.ckpt.clearCancel(job.DatabaseName)
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := source.Scan(ctx, cp.StoreName, cp.LastKey, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("migration: scan %s: %w", cp.StoreName, err)
		}
		if len(batch) == 0 {
			cp.Done = true
			return c.ckpt.Save(job)
		}
		if err := target.Put(ctx, cp.StoreName, batch); err != nil {
			job.Counts.Failed += int64(len(batch))
			return fmt.Errorf("migration: write %s: %w", cp.StoreName, err)
		}
		cp.LastKey = batch[len(batch)-1].Key
		cp.MigratedCount += int64(len(batch))
		job.Counts.Migrated += int64(len(batch))
		if cp.TotalCount > 0 {
			obs.MigrationProgress.WithLabelValues(job.DatabaseName, cp.StoreName).
				Set(float64(cp.MigratedCount) / float64(cp.TotalCount))
		}
		if err := c.ckpt.Save(job); err != nil {
			return err
		}
	}
}

// verify re-counts every target store against the snapshot and runs the
// deterministic spot-check. Any mismatch fails the job; the target is
// not promoted.
func (c *Coordinator) verify(ctx context.Context, source Store, target WritableStore, job *Job, opts Options) error {
	rng := rand.New(rand.NewSource(seedFrom(job.JobID)))
	for i := range job.Stores {
		cp := &job.Stores[i]
		got, err := target.Count(ctx, cp.StoreName)
		if err != nil {
			return fmt.Errorf("migration: verify count %s: %w", cp.StoreName, err)
		}
		if got != cp.TotalCount {
			return fmt.Errorf("%w: store %s source=%d target=%d",
				ErrVerificationFailed, cp.StoreName, cp.TotalCount, got)
		}
		if opts.SpotCheckCount > 0 {
			if err := c.spotCheck(ctx, source, target, cp, rng, opts.SpotCheckCount); err != nil {
				return err
			}
		}
	}
	return nil
}

// spotCheck fetches pseudo-random keys from both sides and compares them
// byte-for-byte. The sample is seeded by job_id so a re-run of the same
// job checks the same keys.
func (c *Coordinator) spotCheck(ctx context.Context, source Store, target WritableStore, cp *StoreCheckpoint, rng *rand.Rand, n int) error {
	if cp.TotalCount == 0 {
		return nil
	}
	keys, err := c.allKeys(ctx, source, cp.StoreName)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	var sample []string
	if n >= len(keys) {
		sample = keys
	} else {
		for i := 0; i < n; i++ {
			sample = append(sample, keys[rng.Intn(len(keys))])
		}
	}
	for _, key := range sample {
		src, ok, err := source.Get(ctx, cp.StoreName, key)
		if err != nil {
			return fmt.Errorf("migration: spot-check source %s/%s: %w", cp.StoreName, key, err)
		}
		if !ok {
			return fmt.Errorf("%w: store %s key %s vanished from source", ErrVerificationFailed, cp.StoreName, key)
		}
		dst, ok, err := target.Get(ctx, cp.StoreName, key)
		if err != nil {
			return fmt.Errorf("migration: spot-check target %s/%s: %w", cp.StoreName, key, err)
		}
		if !ok {
			return fmt.Errorf("%w: store %s key %s missing from target", ErrVerificationFailed, cp.StoreName, key)
		}
		if !bytes.Equal(src.Value, dst.Value) {
			return fmt.Errorf("%w: store %s key %s differs between source and target", ErrVerificationFailed, cp.StoreName, key)
		}
	}
	return nil
}

func (c *Coordinator) allKeys(ctx context.Context, source Store, store string) ([]string, error) {
	var keys []string
	last := ""
	for {
		batch, err := source.Scan(ctx, store, last, 1000)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return keys, nil
		}
		for _, r := range batch {
			keys = append(keys, r.Key)
		}
		last = batch[len(batch)-1].Key
	}
}

func seedFrom(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}
