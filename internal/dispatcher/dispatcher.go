// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/backend"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/obs"
	"github.com/hybridrag/hybridrag/internal/registry"
)

// Config holds the per-tier timeout and concurrency policy.
type Config struct {
	T1Timeout time.Duration
	T2Timeout time.Duration
	T3Timeout time.Duration
	T4Timeout time.Duration

	T2Concurrency int
	T3Concurrency int
	T4Concurrency int

	TaskRetention time.Duration
	StateDir      string
	LogPath       string
}

func (c *Config) applyDefaults() {
	if c.T1Timeout <= 0 {
		c.T1Timeout = 5 * time.Second
	}
	if c.T2Timeout <= 0 {
		c.T2Timeout = 30 * time.Second
	}
	if c.T3Timeout <= 0 {
		c.T3Timeout = 180 * time.Second
	}
	if c.T4Timeout <= 0 {
		c.T4Timeout = 900 * time.Second
	}
	if c.T2Concurrency <= 0 {
		c.T2Concurrency = 8
	}
	if c.T3Concurrency <= 0 {
		c.T3Concurrency = 4
	}
	if c.T4Concurrency <= 0 {
		c.T4Concurrency = 2
	}
}

// EngineProvider builds an engine handle for a resolved database. The
// dispatcher caches the result per database name.
type EngineProvider func(ctx context.Context, entry registry.DatabaseEntry, handle backend.StorageHandle) (engine.Engine, error)

// kindError is a taxonomy-kinded failure raised inside a handler.
type kindError struct {
	kind Kind
	msg  string
}

func (e kindError) Error() string { return string(e.kind) + ": " + e.msg }

// Dispatcher routes tool calls through the registration table, enforcing
// per-tier timeouts and concurrency caps and handing T3/T4 calls off as
// background tasks.
type Dispatcher struct {
	cfg       Config
	reg       *registry.Registry
	factory   *backend.Factory
	engineFor EngineProvider
	tools     map[string]ToolSpec
	tasks     *TaskStore
	log       *zap.Logger

	ledgerStatsFn func(registry.DatabaseEntry) (ledger.Stats, error)

	mu      sync.Mutex
	sems    map[string]chan struct{}
	engines map[registry.Name]engine.Engine
}

func New(cfg Config, reg *registry.Registry, factory *backend.Factory, engineFor EngineProvider, log *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		reg:       reg,
		factory:   factory,
		engineFor: engineFor,
		tools:     buildTable(),
		tasks:     NewTaskStore(cfg.TaskRetention),
		log:       log,
		sems:      map[string]chan struct{}{},
		engines:   map[registry.Name]engine.Engine{},
	}
}

// Tools lists the registered tool names, for the tool-protocol discovery
// surface.
func (d *Dispatcher) Tools() []ToolSpec {
	out := make([]ToolSpec, 0, len(d.tools))
	for _, s := range d.tools {
		out = append(out, s)
	}
	return out
}

// Tasks exposes the background task store (the tool server's poll
// endpoint reads through it).
func (d *Dispatcher) Tasks() *TaskStore { return d.tasks }

// InvalidateEngine drops the cached engine handle for name. Called after
// a registry update of backend or model fields, alongside
// Factory.Invalidate.
func (d *Dispatcher) InvalidateEngine(name registry.Name) {
	d.mu.Lock()
	delete(d.engines, name)
	d.mu.Unlock()
}

func (d *Dispatcher) tierTimeout(t Tier) time.Duration {
	switch t {
	case Tier2:
		return d.cfg.T2Timeout
	case Tier3:
		return d.cfg.T3Timeout
	case Tier4:
		return d.cfg.T4Timeout
	default:
		return d.cfg.T1Timeout
	}
}

// semFor returns the tier semaphore for one database, or nil for tiers
// with unlimited concurrency.
func (d *Dispatcher) semFor(database string, t Tier) chan struct{} {
	var cap int
	switch t {
	case Tier2:
		cap = d.cfg.T2Concurrency
	case Tier3:
		cap = d.cfg.T3Concurrency
	case Tier4:
		cap = d.cfg.T4Concurrency
	default:
		return nil
	}
	key := database + "|" + string(t)
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.sems[key]
	if !ok {
		sem = make(chan struct{}, cap)
		d.sems[key] = sem
	}
	return sem
}

func (d *Dispatcher) engineHandle(ctx context.Context, entry registry.DatabaseEntry, handle backend.StorageHandle) (engine.Engine, error) {
	d.mu.Lock()
	eng, ok := d.engines[entry.Name]
	d.mu.Unlock()
	if ok {
		return eng, nil
	}
	eng, err := d.engineFor(ctx, entry, handle)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.engines[entry.Name] = eng
	d.mu.Unlock()
	return eng, nil
}

// errorResponse builds the error envelope; the footer is attached on
// every path, error or not.
func errorResponse(tool string, tier Tier, footer Footer, kind Kind, diagnosis string) Response {
	return Response{
		Metadata: Metadata{
			Footer: footer,
			Tier:   tier,
			Tool:   tool,
			Error:  &ErrorInfo{Kind: kind, Diagnosis: diagnosis},
		},
	}
}

// toErrorInfo maps a handler failure to its taxonomy kind.
func toErrorInfo(err error) *ErrorInfo {
	var ke kindError
	if errors.As(err, &ke) {
		return &ErrorInfo{Kind: ke.kind, Diagnosis: ke.msg}
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return &ErrorInfo{Kind: Kind(ee.Kind), Diagnosis: ee.Diagnosis}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Kind: KindDeadlineExceeded, Diagnosis: "call exceeded its tier timeout"}
	}
	if errors.Is(err, context.Canceled) {
		return &ErrorInfo{Kind: KindDeadlineExceeded, Diagnosis: "call cancelled"}
	}
	return &ErrorInfo{Kind: KindInternal, Diagnosis: err.Error()}
}

// Call dispatches one tool invocation. It never panics across the
// boundary and always returns a response with a backend footer.
func (d *Dispatcher) Call(ctx context.Context, tool string, req Request) Response {
	spec, ok := d.tools[tool]
	if !ok {
		return errorResponse(tool, "", unknownFooter(req.Database), KindInputInvalid, fmt.Sprintf("unknown tool %q", tool))
	}
	if req.Database == "" {
		return errorResponse(tool, spec.Tier, unknownFooter(""), KindInputInvalid, "database is required")
	}

	entry, err := d.reg.Resolve(registry.Name(req.Database))
	if err != nil {
		kind := KindNotFound
		if !errors.Is(err, registry.ErrNotFound) {
			kind = KindInternal
		}
		return errorResponse(tool, spec.Tier, unknownFooter(req.Database), kind, err.Error())
	}
	footer := footerFor(entry)

	meta := Metadata{Footer: footer, Tier: spec.Tier, Tool: tool}
	if spec.TopKCap > 0 {
		meta.TopKRequested = req.TopK
		if req.TopK <= 0 {
			req.TopK = spec.DefaultTopK
			meta.TopKRequested = 0
		}
		if req.TopK > spec.TopKCap {
			req.TopK = spec.TopKCap
			meta.TopKClamped = true
		}
		meta.TopKEffective = req.TopK
	}

	handle, err := d.factory.Resolve(ctx, entry)
	if err != nil {
		return errorResponse(tool, spec.Tier, footer, KindBackendUnavailable, err.Error())
	}

	call := &CallContext{Tool: tool, Entry: entry, Handle: handle, Req: req}
	if spec.QueryMode != "" {
		eng, err := d.engineHandle(ctx, entry, handle)
		if err != nil {
			resp := errorResponse(tool, spec.Tier, footer, KindBackendUnavailable, err.Error())
			if info := toErrorInfo(err); info.Kind != KindInternal {
				resp.Metadata.Error = info
			}
			return resp
		}
		call.Engine = eng
	}

	sem := d.semFor(req.Database, spec.Tier)
	if sem != nil {
		select {
		case sem <- struct{}{}:
			obs.TierConcurrentCalls.WithLabelValues(req.Database, string(spec.Tier)).Inc()
		default:
			obs.TierBusyRejections.WithLabelValues(req.Database, string(spec.Tier)).Inc()
			return errorResponse(tool, spec.Tier, footer, KindBusy, fmt.Sprintf("tier %s concurrency cap reached for %s", spec.Tier, req.Database))
		}
	}
	release := func() {
		if sem != nil {
			<-sem
			obs.TierConcurrentCalls.WithLabelValues(req.Database, string(spec.Tier)).Dec()
		}
	}

	if spec.Background {
		return d.runBackground(spec, call, meta, release)
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, d.tierTimeout(spec.Tier))
	defer cancel()
	result, err := spec.Handler(cctx, d, call)
	if err != nil {
		meta.Error = toErrorInfo(err)
		return Response{Metadata: meta}
	}
	d.decorate(&meta, spec, result)
	return Response{Result: result, Metadata: meta}
}

// runBackground hands a T3/T4 call to the task store, waits up to the
// tier's soft timeout, and converts an overrun into a deadline-exceeded
// response carrying the task handle.
func (d *Dispatcher) runBackground(spec ToolSpec, call *CallContext, meta Metadata, release func()) Response {
	task, taskCtx := d.tasks.Create(spec.Name, call.Req.Database)
	meta.TaskHandle = task.ID

	go func() {
		defer release()
		result, err := spec.Handler(taskCtx, d, call)
		if err != nil {
			d.tasks.Finish(task.ID, nil, toErrorInfo(err))
			return
		}
		d.tasks.Finish(task.ID, result, nil)
	}()

	if d.tasks.Wait(task.ID, d.tierTimeout(spec.Tier)) {
		done, _ := d.tasks.Get(task.ID)
		switch done.Status {
		case TaskCompleted:
			d.decorate(&meta, spec, done.Result)
			meta.Progress = 1
			return Response{Result: done.Result, Metadata: meta}
		case TaskCancelled:
			meta.Error = &ErrorInfo{Kind: KindDeadlineExceeded, Diagnosis: "task cancelled"}
			return Response{Metadata: meta}
		default:
			meta.Error = done.Err
			if meta.Error == nil {
				meta.Error = &ErrorInfo{Kind: KindInternal, Diagnosis: "task finished without a result"}
			}
			return Response{Metadata: meta}
		}
	}

	snapshot, _ := d.tasks.Get(task.ID)
	meta.Progress = snapshot.Progress
	meta.Error = &ErrorInfo{Kind: KindDeadlineExceeded, Diagnosis: fmt.Sprintf("%s exceeded its %s soft timeout; poll task-status with the task handle", spec.Name, spec.Tier)}
	return Response{Metadata: meta}
}

// decorate fills the cascading-seed and escalation metadata from a
// successful query result.
func (d *Dispatcher) decorate(meta *Metadata, spec ToolSpec, result interface{}) {
	switch spec.Tier {
	case Tier2:
		meta.SuggestedEscalation = "global-query"
	case Tier3:
		meta.SuggestedEscalation = "multihop-query"
	}
	if spec.QueryMode == "" || (spec.Tier != Tier2 && spec.Tier != Tier3) {
		return
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		return
	}
	raw, ok := m["raw"].(map[string]interface{})
	if !ok {
		return
	}
	meta.SuggestedMultihopSeeds = extractSeeds(raw)
}
