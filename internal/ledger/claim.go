// Copyright 2025 James Ross
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FastClaimer layers a Redis SETNX fast path in front of the sqlite
// ledger's authoritative Claim, so concurrent workers on the same
// fingerprint fail fast without contending on the sqlite write lock.
// The sqlite Claim remains the source of truth; the Redis key is purely
// an optimization and expires on its own if a worker crashes mid-claim.
type FastClaimer struct {
	ledger *Ledger
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewFastClaimer(l *Ledger, rdb *redis.Client, keyPrefix string, ttl time.Duration) *FastClaimer {
	return &FastClaimer{ledger: l, rdb: rdb, prefix: keyPrefix, ttl: ttl}
}

// Claim attempts the Redis fast path first; on a fast-path win it falls
// through to the authoritative sqlite claim. A fast-path miss is treated
// as a definitive loss without touching sqlite at all.
func (c *FastClaimer) Claim(ctx context.Context, fingerprint, sourcePath string, size int64) (bool, error) {
	key := fmt.Sprintf("%s:claim:%s", c.prefix, fingerprint)
	won, err := c.rdb.SetNX(ctx, key, "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: redis fast-path claim: %w", err)
	}
	if !won {
		return false, nil
	}
	ok, err := c.ledger.Claim(fingerprint, sourcePath, size)
	if err != nil {
		c.rdb.Del(ctx, key)
		return false, err
	}
	if !ok {
		c.rdb.Del(ctx, key)
	}
	return ok, nil
}
