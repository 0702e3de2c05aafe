// Copyright 2025 James Ross
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/ingest"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/registry"
)

// State is one position in the watcher daemon's state machine.
type State int

const (
	StateInit State = iota
	StateScanning
	StateIdle
	StateDraining
	StateStopped
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanning:
		return "scanning"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

const heartbeatInterval = 30 * time.Second

// Enqueuer is the subset of *ingest.Pipeline the watcher depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, item ingest.Item) error
}

// Watcher is one per-database scan daemon.
type Watcher struct {
	entry     registry.DatabaseEntry
	classifier *classifier.Classifier
	pipeline  Enqueuer
	lg        *ledger.Ledger
	factory   *backend.Factory
	stateDir  string
	log       *zap.Logger

	limiter *rate.Limiter

	mu          sync.Mutex
	state       State
	pausedPrior State
	baseline    float64
	haveBaseline bool
	startedAt   time.Time
	completedInWindow int
}

func New(entry registry.DatabaseEntry, clsf *classifier.Classifier, pipeline Enqueuer, lg *ledger.Ledger, factory *backend.Factory, stateDir string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		entry:      entry,
		classifier: clsf,
		pipeline:   pipeline,
		lg:         lg,
		factory:    factory,
		stateDir:   stateDir,
		log:        log,
		limiter:    rate.NewLimiter(rate.Every(time.Minute), 1),
		state:      StateInit,
		startedAt:  time.Now(),
	}
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.writeStateFile(s)
	tierState := 0.0
	switch s {
	case StateInit:
		tierState = 0
	case StateScanning:
		tierState = 1
	case StateIdle:
		tierState = 2
	case StateDraining:
		tierState = 3
	case StateStopped:
		tierState = 4
	case StatePaused:
		tierState = 5
	}
	obs.WatcherState.WithLabelValues(string(w.entry.Name)).Set(tierState)
}

// Pause transitions ANY -> PAUSED, remembering the prior state so Resume
// can restore it.
func (w *Watcher) Pause() {
	w.mu.Lock()
	if w.state == StatePaused {
		w.mu.Unlock()
		return
	}
	w.pausedPrior = w.state
	w.mu.Unlock()
	w.setState(StatePaused)
}

func (w *Watcher) Resume() {
	w.mu.Lock()
	prior := w.pausedPrior
	w.mu.Unlock()
	w.setState(prior)
}

// Run drives the cron-scheduled scan loop until ctx is canceled, at
// which point it transitions to DRAINING then STOPPED.
func (w *Watcher) Run(ctx context.Context) error {
	w.setState(StateScanning)
	if err := w.scanOnce(ctx); err != nil {
		w.log.Error("initial scan failed", obs.Err(err), zap.String("database", string(w.entry.Name)))
	}
	w.setState(StateIdle)

	interval := w.entry.WatchIntervalSeconds
	if interval < 10 {
		interval = 60
	}
	sched := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", interval)
	scanCh := make(chan struct{}, 1)
	_, err := sched.AddFunc(spec, func() {
		select {
		case scanCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("watcher: schedule: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	controlTicker := time.NewTicker(time.Second)
	defer controlTicker.Stop()
	w.writeHeartbeat()
	w.writePID()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDraining)
			w.setState(StateStopped)
			w.removePID()
			return nil
		case <-heartbeatTicker.C:
			w.writeHeartbeat()
		case <-controlTicker.C:
			w.checkPauseSignal()
		case <-scanCh:
			if w.State() == StatePaused {
				continue
			}
			w.setState(StateScanning)
			if err := w.scanOnce(ctx); err != nil {
				w.log.Error("scan failed", obs.Err(err), zap.String("database", string(w.entry.Name)))
			}
			if w.State() != StatePaused {
				w.setState(StateIdle)
			}
		}
	}
}

// scanOnce walks source_folder, classifies newer-than-delta candidates,
// and hands them to the pipeline. At the end it checks backend metrics
// for proactive warnings.
func (w *Watcher) scanOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		obs.WatcherScanDuration.WithLabelValues(string(w.entry.Name)).Observe(time.Since(start).Seconds())
	}()

	root := w.entry.SourceFolder
	if root == "" {
		return nil
	}
	delta, err := w.readDelta(root)
	if err != nil {
		return fmt.Errorf("watcher: read delta: %w", err)
	}
	newDelta := delta
	scanned := 0
	completed := 0

	walkFn := func(path string, isDir bool) error {
		if isDir {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if !w.classifier.MatchesExtensions(w.entry, rel) {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		if !info.ModTime().After(delta) {
			return nil
		}
		if info.ModTime().After(newDelta) {
			newDelta = info.ModTime()
		}
		scanned++

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		fp := fingerprint(raw)
		seen, err := w.lg.Seen(fp)
		if err != nil {
			return fmt.Errorf("watcher: ledger seen: %w", err)
		}
		if seen {
			return nil
		}

		tier := w.classifier.TierFor(info.ModTime())
		chunks, err := w.classifier.Classify(w.entry, path, w.entry.Name.String(), info.ModTime())
		if err != nil {
			w.log.Warn("classify failed", obs.Err(err), zap.String("path", path))
			return nil
		}
		for _, chunk := range chunks {
			item := ingest.Item{
				Fingerprint:   fp,
				SourcePath:    path,
				ExtractedText: chunk.Text,
				Metadata:      chunk.Metadata,
				TierHint:      tier,
				EnqueuedAt:    time.Now(),
				Size:          info.Size(),
			}
			if err := w.pipeline.Enqueue(ctx, item); err != nil {
				w.log.Warn("enqueue failed", obs.Err(err), zap.String("path", path))
				continue
			}
		}
		completed++
		return nil
	}

	if w.entry.Recursive {
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			return walkFn(path, d.IsDir())
		})
	} else {
		entries, readErr := os.ReadDir(root)
		if readErr != nil {
			return fmt.Errorf("watcher: read dir: %w", readErr)
		}
		for _, e := range entries {
			if walkErr := walkFn(filepath.Join(root, e.Name()), e.IsDir()); walkErr != nil {
				err = walkErr
				break
			}
		}
	}
	if err != nil {
		return err
	}

	obs.FilesScanned.WithLabelValues(string(w.entry.Name)).Add(float64(scanned))
	w.updateRate(completed)

	if err := w.writeDelta(root, newDelta); err != nil {
		return fmt.Errorf("watcher: write delta: %w", err)
	}
	w.checkProactiveWarnings(ctx)
	return nil
}

// updateRate maintains the exponentially weighted baseline ingest rate
// used to detect performance degradation.
func (w *Watcher) updateRate(completedThisScan int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completedInWindow = completedThisScan
	rateNow := float64(completedThisScan)
	if !w.haveBaseline {
		if time.Since(w.startedAt) < time.Hour {
			w.baseline = (w.baseline + rateNow) / 2
			return
		}
		w.baseline = rateNow
		w.haveBaseline = true
		return
	}
	const alpha = 0.2
	w.baseline = alpha*rateNow + (1-alpha)*w.baseline
}

// checkProactiveWarnings reads backend metrics and logs throttled
// warnings, matching the data model's migration-suggestion contract.
func (w *Watcher) checkProactiveWarnings(ctx context.Context) {
	handle, err := w.factory.Resolve(ctx, w.entry)
	if err != nil {
		return
	}
	metrics, err := handle.Metrics(ctx)
	if err != nil {
		return
	}
	if !w.limiter.Allow() {
		return
	}
	cfg := w.entry.BackendConfig
	for name, size := range metrics.FileSizes {
		if cfg.FileSizeWarningMB > 0 && size > int64(cfg.FileSizeWarningMB)*1024*1024 {
			w.log.Warn("file size warning",
				zap.String("database", string(w.entry.Name)),
				zap.String("file", name),
				zap.Int64("size_bytes", size),
				zap.String("suggested_action", fmt.Sprintf("hybridrag migrate start %s --to server-backed-v1", w.entry.Name)))
		}
	}
	if cfg.TotalSizeWarningMB > 0 && metrics.TotalSize > int64(cfg.TotalSizeWarningMB)*1024*1024 {
		w.log.Warn("total size warning",
			zap.String("database", string(w.entry.Name)),
			zap.Int64("total_size_bytes", metrics.TotalSize),
			zap.String("suggested_action", fmt.Sprintf("hybridrag migrate start %s --to server-backed-v1", w.entry.Name)))
	}
	w.mu.Lock()
	baseline := w.baseline
	w.mu.Unlock()
	if cfg.PerformanceDegradationPct > 0 && baseline > 0 {
		threshold := baseline * (1 - cfg.PerformanceDegradationPct/100)
		if float64(w.recentRate()) < threshold {
			w.log.Warn("ingest rate degraded",
				zap.String("database", string(w.entry.Name)),
				zap.Float64("baseline_docs_per_cycle", baseline),
				zap.String("suggested_action", fmt.Sprintf("hybridrag migrate start %s --to server-backed-v1", w.entry.Name)))
		}
	}
}

func (w *Watcher) recentRate() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completedInWindow
}

func (w *Watcher) deltaPath(root string) string {
	h := sha256.Sum256([]byte(root))
	return filepath.Join(w.stateDir, "deltas", hex.EncodeToString(h[:8])+".ts")
}

func (w *Watcher) readDelta(root string) (time.Time, error) {
	b, err := os.ReadFile(w.deltaPath(root))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

func (w *Watcher) writeDelta(root string, t time.Time) error {
	path := w.deltaPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(t.UnixNano(), 10)), 0o644)
}

func (w *Watcher) statePath() string {
	return filepath.Join(w.stateDir, "watchers", string(w.entry.Name)+".state")
}

func (w *Watcher) pausePath() string {
	return filepath.Join(w.stateDir, "watchers", string(w.entry.Name)+".pause")
}

// writeStateFile mirrors the in-memory state machine position to disk so
// out-of-process controllers (the migration coordinator, the status
// tool) can observe it.
func (w *Watcher) writeStateFile(s State) {
	path := w.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(s.String()+"\n"), 0o644)
}

// checkPauseSignal applies the cross-process pause protocol: a pause
// file under the watcher state dir requests PAUSED, its removal requests
// a resume to the pre-pause state.
func (w *Watcher) checkPauseSignal() {
	_, err := os.Stat(w.pausePath())
	pauseRequested := err == nil
	switch {
	case pauseRequested && w.State() != StatePaused:
		w.log.Info("pause signal received", zap.String("database", string(w.entry.Name)))
		w.Pause()
	case !pauseRequested && w.State() == StatePaused:
		w.log.Info("resume signal received", zap.String("database", string(w.entry.Name)))
		w.Resume()
	}
}

func (w *Watcher) pidPath() string {
	return filepath.Join(w.stateDir, "watchers", string(w.entry.Name)+".pid")
}

func (w *Watcher) heartbeatPath() string {
	return filepath.Join(w.stateDir, "watchers", string(w.entry.Name)+".heartbeat")
}

func (w *Watcher) writePID() {
	dir := filepath.Dir(w.pidPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Error("mkdir watcher state dir failed", obs.Err(err))
		return
	}
	if err := os.WriteFile(w.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		w.log.Error("write pid file failed", obs.Err(err))
	}
}

func (w *Watcher) writeHeartbeat() {
	dir := filepath.Dir(w.heartbeatPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	now := time.Now()
	_ = os.Chtimes(w.heartbeatPath(), now, now)
	if _, err := os.Stat(w.heartbeatPath()); os.IsNotExist(err) {
		_ = os.WriteFile(w.heartbeatPath(), []byte(now.Format(time.RFC3339)), 0o644)
	}
}

func (w *Watcher) removePID() {
	_ = os.Remove(w.pidPath())
}

func fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
