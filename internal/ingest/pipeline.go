// Copyright 2025 James Ross
package ingest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hybridrag/hybridrag/internal/breaker"
	"github.com/hybridrag/hybridrag/internal/classifier"
	"github.com/hybridrag/hybridrag/internal/engine"
	"github.com/hybridrag/hybridrag/internal/ledger"
	"github.com/hybridrag/hybridrag/internal/obs"
)

// Config holds the worker-pool and retry parameters, mirroring
// config.Ingestion but scoped to a single database's pipeline instance.
type Config struct {
	Database      string
	WorkerCount   int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	StopGrace     time.Duration
	DequeueTimeout time.Duration
	ErrorsDir     string
}

// Pipeline is the Ingestion Pipeline for one database: a bounded queue
// drained by a fixed pool of workers, each performing a tiered insert
// through the engine boundary with single-flight claims and retry.
type Pipeline struct {
	cfg    Config
	queue  *Queue
	claim  *ledger.FastClaimer
	lg     *ledger.Ledger
	eng    engine.Engine
	cb     *breaker.CircuitBreaker
	log    *zap.Logger

	stopped chan struct{}
}

func NewPipeline(cfg Config, queue *Queue, claim *ledger.FastClaimer, lg *ledger.Ledger, eng engine.Engine, cb *breaker.CircuitBreaker, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, queue: queue, claim: claim, lg: lg, eng: eng, cb: cb, log: log, stopped: make(chan struct{})}
}

// Enqueue performs the single-flight claim, then pushes the item onto
// the bounded queue. A claim loss drops the item silently.
func (p *Pipeline) Enqueue(ctx context.Context, item Item) error {
	ok, err := p.claim.Claim(ctx, item.Fingerprint, item.Metadata.SourcePath, item.Size)
	if err != nil {
		return fmt.Errorf("ingest: claim: %w", err)
	}
	if !ok {
		obs.ItemsDropped.WithLabelValues(p.cfg.Database).Inc()
		return nil
	}
	if err := p.queue.Enqueue(ctx, item); err != nil {
		return err
	}
	obs.ItemsEnqueued.WithLabelValues(p.cfg.Database, string(item.TierHint)).Inc()
	return nil
}

// Run starts the worker pool and blocks until ctx is canceled, at which
// point it drains for StopGrace before abandoning remaining items
// (they stay claimed; Ledger.ReclaimStale recovers them at next startup).
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()

	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-w%d", p.cfg.Database, i)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, drainCtx, workerID)
		}()
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch p.cb.State() {
				case breaker.Closed:
					obs.EngineCircuitState.WithLabelValues(p.cfg.Database).Set(0)
				case breaker.HalfOpen:
					obs.EngineCircuitState.WithLabelValues(p.cfg.Database).Set(1)
				case breaker.Open:
					obs.EngineCircuitState.WithLabelValues(p.cfg.Database).Set(2)
				}
			}
		}
	}()

	<-ctx.Done()
	grace := time.AfterFunc(p.cfg.StopGrace, cancelDrain)
	wg.Wait()
	grace.Stop()
	close(p.stopped)
}

// runWorker loops: dequeue, tiered insert, ack/retry/quarantine. It
// keeps draining past ctx cancellation until drainCtx is also done, to
// honor the stop-grace window.
func (p *Pipeline) runWorker(ctx, drainCtx context.Context, workerID string) {
	for {
		if ctx.Err() != nil && drainCtx.Err() != nil {
			return
		}
		if !p.cb.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		item, raw, ok, err := p.queue.Dequeue(ctx, workerID, p.cfg.DequeueTimeout)
		if err != nil {
			p.log.Warn("dequeue error", obs.Err(err), zap.String("worker", workerID))
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		start := time.Now()
		success := p.process(ctx, workerID, raw, &item)
		obs.IngestionItemDuration.WithLabelValues(p.cfg.Database, string(item.TierHint)).Observe(time.Since(start).Seconds())
		prev := p.cb.State()
		p.cb.Record(success)
		if prev != p.cb.State() && p.cb.State() == breaker.Open {
			obs.EngineCircuitTrips.WithLabelValues(p.cfg.Database).Inc()
		}
	}
}

// process performs the tiered insert and handles the three outcomes:
// success (ack + complete), transient failure (retry with backoff up to
// MaxAttempts), and permanent failure (quarantine).
func (p *Pipeline) process(ctx context.Context, workerID, raw string, item *Item) bool {
	chunk := classifier.Chunk{Text: item.ExtractedText, Metadata: item.Metadata}
	_, err := p.eng.Insert(ctx, item.TierHint, []classifier.Chunk{chunk})
	if err == nil {
		if ackErr := p.queue.Ack(ctx, workerID, raw); ackErr != nil {
			p.log.Error("ack failed", obs.Err(ackErr))
		}
		if compErr := p.lg.Complete(item.Fingerprint, item.TierHint == classifier.TierFast); compErr != nil {
			p.log.Error("ledger complete failed", obs.Err(compErr))
		}
		obs.ItemsCompleted.WithLabelValues(p.cfg.Database, string(item.TierHint)).Inc()
		return true
	}

	var engErr *engine.Error
	transient := errors.As(err, &engErr) && engErr.Retryable()

	if transient && item.AttemptCount+1 < p.cfg.MaxAttempts {
		item.AttemptCount++
		if ackErr := p.queue.Ack(ctx, workerID, raw); ackErr != nil {
			p.log.Error("ack before retry failed", obs.Err(ackErr))
		}
		delay := backoffWithJitter(item.AttemptCount, p.cfg.BackoffBase, p.cfg.BackoffMax)
		p.log.Warn("ingestion item retry", zap.String("fingerprint", item.Fingerprint), zap.Int("attempt", item.AttemptCount), zap.Duration("backoff", delay), obs.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if enqErr := p.queue.Enqueue(ctx, *item); enqErr != nil {
			p.log.Error("re-enqueue after retry failed", obs.Err(enqErr))
		}
		return false
	}

	// Permanent failure or retries exhausted: quarantine.
	if ackErr := p.queue.Ack(ctx, workerID, raw); ackErr != nil {
		p.log.Error("ack before quarantine failed", obs.Err(ackErr))
	}
	if failErr := p.lg.Fail(item.Fingerprint, err); failErr != nil {
		p.log.Error("ledger fail failed", obs.Err(failErr))
	}
	if qErr := p.quarantine(item); qErr != nil {
		p.log.Error("quarantine failed", obs.Err(qErr))
	}
	obs.ItemsQuarantined.WithLabelValues(p.cfg.Database).Inc()
	p.log.Error("ingestion item quarantined", zap.String("fingerprint", item.Fingerprint), obs.Err(err))
	return false
}

// quarantine moves the source file to the database's errors directory.
func (p *Pipeline) quarantine(item *Item) error {
	if p.cfg.ErrorsDir == "" || item.SourcePath == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.ErrorsDir, 0o755); err != nil {
		return fmt.Errorf("ingest: mkdir errors dir: %w", err)
	}
	dest := filepath.Join(p.cfg.ErrorsDir, filepath.Base(item.SourcePath))
	if err := os.Rename(item.SourcePath, dest); err != nil {
		return fmt.Errorf("ingest: move to errors dir: %w", err)
	}
	return nil
}

// backoffWithJitter implements the pipeline's 1s/4s/16s schedule with
// +/-25% jitter, matching the worker pool's exponential-backoff idiom.
func backoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(math.Pow(4, float64(attempt-1))) * base
	if d > max || d <= 0 {
		d = max
	}
	jitterRange := float64(d) * 0.25
	jitter := (randFloat()*2 - 1) * jitterRange
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = base
	}
	return result
}

func randFloat() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	var n uint64
	for _, v := range b {
		n = n<<8 | uint64(v)
	}
	return float64(n) / float64(math.MaxUint64)
}
