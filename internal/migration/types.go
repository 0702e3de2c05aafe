// Copyright 2025 James Ross
package migration

import (
	"errors"
	"time"

	"github.com/hybridrag/hybridrag/internal/registry"
)

var (
	ErrInProgress         = errors.New("migration-in-progress")
	ErrPauseFailed        = errors.New("pause-failed")
	ErrVerificationFailed = errors.New("verification-failed")
	ErrCancelled          = errors.New("migration cancelled")
	ErrNoCheckpoint       = errors.New("no resumable migration job")
)

// JobStatus is the migration job lifecycle.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in-progress"
	StatusPaused     JobStatus = "paused"
	StatusFailed     JobStatus = "failed"
	StatusCompleted  JobStatus = "completed"
)

// StoreCheckpoint records copy progress through one logical store.
// LastKey is the highest source key whose batch has been durably written
// to the target; resume restarts strictly after it.
type StoreCheckpoint struct {
	StoreName     string `json:"store_name"`
	LastKey       string `json:"last_key"`
	MigratedCount int64  `json:"migrated_count"`
	TotalCount    int64  `json:"total_count"`
	Done          bool   `json:"done"`
}

// Counts aggregates progress across every store.
type Counts struct {
	Total    int64 `json:"total"`
	Migrated int64 `json:"migrated"`
	Failed   int64 `json:"failed"`
}

// Job is the persistent migration job record; it doubles as the
// checkpoint file contents so a restart has everything it needs.
type Job struct {
	JobID         string                 `json:"job_id"`
	DatabaseName  string                 `json:"database_name"`
	SourceBackend registry.BackendType   `json:"source_backend"`
	TargetBackend registry.BackendType   `json:"target_backend"`
	TargetConfig  registry.BackendConfig `json:"target_config"`
	Status        JobStatus              `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	Stores        []StoreCheckpoint      `json:"stores"`
	Counts        Counts                 `json:"counts"`
	LastError     string                 `json:"last_error,omitempty"`
}

func (j *Job) checkpointFor(store string) *StoreCheckpoint {
	for i := range j.Stores {
		if j.Stores[i].StoreName == store {
			return &j.Stores[i]
		}
	}
	return nil
}

// DefaultSpotCheckCount is the per-store sample size used when the
// caller asks for spot-check verification without a count.
const DefaultSpotCheckCount = 20

// Options tunes one coordinator run. Count verification always runs;
// SpotCheckCount <= 0 skips the byte-equality sample.
type Options struct {
	BatchSize      int
	SpotCheckCount int
	Resume         bool
	PauseTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.PauseTimeout <= 0 {
		o.PauseTimeout = 60 * time.Second
	}
}
