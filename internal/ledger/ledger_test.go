// Copyright 2025 James Ross
package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "processed_files.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestClaimSingleFlight(t *testing.T) {
	l := newTestLedger(t)
	ok, err := l.Claim("fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first claim to win")
	}
	ok, err = l.Claim("fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second claim to lose")
	}
}

func TestCompleteThenStats(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Claim("fp1", "/tmp/a.txt", 10); err != nil {
		t.Fatal(err)
	}
	if err := l.Complete("fp1", true); err != nil {
		t.Fatal(err)
	}
	stats, err := l.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	pending, err := l.EnrichmentPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != "fp1" {
		t.Fatalf("expected fp1 pending, got %v", pending)
	}
}

func TestFailNotRetried(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Claim("fp1", "/tmp/a.txt", 10); err != nil {
		t.Fatal(err)
	}
	if err := l.Fail("fp1", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	stats, err := l.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}
	ok, err := l.Claim("fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a failed fingerprint must not be automatically reclaimable")
	}
}

func TestReclaimStale(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Claim("fp1", "/tmp/a.txt", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := l.db.Exec(`UPDATE processed_files SET claimed_at = ? WHERE fingerprint = ?`,
		time.Now().UTC().Add(-25*time.Hour), "fp1"); err != nil {
		t.Fatal(err)
	}
	released, err := l.ReclaimStale()
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0] != "fp1" {
		t.Fatalf("expected fp1 released, got %v", released)
	}
	ok, err := l.Claim("fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected reclaimed fingerprint to be claimable again")
	}
}

func TestFastClaimer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := newTestLedger(t)
	fc := NewFastClaimer(l, rdb, "hybridrag:ingest:proj1", 24*time.Hour)

	ctx := context.Background()
	ok, err := fc.Claim(ctx, "fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first fast claim to win")
	}
	ok, err = fc.Claim(ctx, "fp1", "/tmp/a.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second fast claim to lose via redis fast path")
	}
}
