// Copyright 2025 James Ross
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned by Enqueue when the queue is at capacity and the
// caller's context is canceled before room frees up.
var ErrBusy = errors.New("busy")

// Queue is a bounded, Redis-list-backed work queue, one per database.
// Capacity is enforced by checking LLEN before LPUSH; workers dequeue
// via BRPOPLPUSH into a per-worker processing list so an abandoned item
// is recoverable by Ledger.ReclaimStale rather than lost.
type Queue struct {
	rdb          *redis.Client
	key          string
	procPattern  string
	capacity     int
}

func NewQueue(rdb *redis.Client, keyPrefix, database string, procPattern string, capacity int) *Queue {
	return &Queue{
		rdb:         rdb,
		key:         fmt.Sprintf("%s:%s", keyPrefix, database),
		procPattern: procPattern,
		capacity:    capacity,
	}
}

// Enqueue blocks, polling briefly, until the queue has room or ctx is
// canceled, in which case it returns ErrBusy.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	payload, err := item.Marshal()
	if err != nil {
		return fmt.Errorf("ingest: marshal item: %w", err)
	}
	for {
		n, err := q.rdb.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("ingest: llen: %w", err)
		}
		if int(n) < q.capacity {
			if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
				return fmt.Errorf("ingest: lpush: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrBusy
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Depth reports the current queue length, for the IngestionQueueDepth
// gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Dequeue pops the next item into workerID's processing list, blocking
// up to timeout. Returns ok=false on timeout. The raw payload is
// returned alongside the decoded Item so Ack can remove the exact list
// entry without depending on re-marshaling producing identical bytes.
func (q *Queue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (item Item, raw string, ok bool, err error) {
	procList := fmt.Sprintf(q.procPattern, workerID)
	v, err := q.rdb.BRPopLPush(ctx, q.key, procList, timeout).Result()
	if err == redis.Nil {
		return Item{}, "", false, nil
	}
	if err != nil {
		return Item{}, "", false, fmt.Errorf("ingest: brpoplpush: %w", err)
	}
	item, err = Unmarshal([]byte(v))
	if err != nil {
		// Poison payload: drop it from the processing list so it does not
		// loop forever, and surface the error to the caller.
		q.rdb.LRem(ctx, procList, 1, v)
		return Item{}, "", false, fmt.Errorf("ingest: unmarshal item: %w", err)
	}
	return item, v, true, nil
}

// Ack removes raw from workerID's processing list once the item it
// decodes has been completed, failed, or quarantined.
func (q *Queue) Ack(ctx context.Context, workerID string, raw string) error {
	procList := fmt.Sprintf(q.procPattern, workerID)
	return q.rdb.LRem(ctx, procList, 1, raw).Err()
}
