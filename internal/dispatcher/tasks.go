// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of a background tool call.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one T3/T4 call handed off to the background. Partial results
// of a cancelled task are discarded, never returned.
type Task struct {
	ID        string
	Tool      string
	Database  string
	Status    TaskStatus
	Progress  float64
	Result    interface{}
	Err       *ErrorInfo
	CreatedAt time.Time
	DoneAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// TaskStore holds background tasks in memory, evicting finished ones
// after retention expires.
type TaskStore struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	retention time.Duration
}

func NewTaskStore(retention time.Duration) *TaskStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &TaskStore{tasks: map[string]*Task{}, retention: retention}
}

// Create registers a new running task and returns it along with the
// context the background handler must run under.
func (s *TaskStore) Create(tool, database string) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ID:        uuid.NewString(),
		Tool:      tool,
		Database:  database,
		Status:    TaskRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.evictLocked()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t, ctx
}

// Finish records the task's terminal state. A task cancelled before
// Finish keeps its cancelled status and drops the result.
func (s *TaskStore) Finish(id string, result interface{}, errInfo *ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	if t.Status == TaskCancelled {
		close(t.done)
		return
	}
	if errInfo != nil {
		t.Status = TaskFailed
		t.Err = errInfo
	} else {
		t.Status = TaskCompleted
		t.Result = result
	}
	t.Progress = 1
	t.DoneAt = time.Now()
	close(t.done)
}

// SetProgress updates a running task's progress fraction.
func (s *TaskStore) SetProgress(id string, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok && t.Status == TaskRunning {
		t.Progress = p
	}
}

// Get returns a snapshot of the task, or ok=false if unknown/evicted.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Cancel aborts the task at its next engine suspension point. The
// result, if any arrives later, is discarded.
func (s *TaskStore) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != TaskRunning {
		return false
	}
	t.Status = TaskCancelled
	t.Result = nil
	t.DoneAt = time.Now()
	t.cancel()
	return true
}

// Wait blocks until the task finishes or d elapses, reporting whether it
// finished in time.
func (s *TaskStore) Wait(id string, d time.Duration) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *TaskStore) evictLocked() {
	cutoff := time.Now().Add(-s.retention)
	for id, t := range s.tasks {
		if t.Status != TaskRunning && t.DoneAt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}
