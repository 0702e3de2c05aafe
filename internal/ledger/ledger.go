// Copyright 2025 James Ross
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Status distinguishes processing-in-flight from completed, per the
// ProcessedFilesLedger invariant that the two are never conflated.
type Status string

const (
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// reclaimHorizon is how long a claimed-but-not-completed entry may sit
// before the sweep considers it abandoned and releases it.
const reclaimHorizon = 24 * time.Hour

// Stats summarizes the ledger's current state.
type Stats struct {
	Completed int64
	Claimed   int64
	Failed    int64
	Pending   int64
}

// Ledger is the per-database Processed-Files Ledger: a single-writer
// SQLite database at {DatabaseEntry.path}/processed_files.db.
type Ledger struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if absent) the ledger at path and applies the
// schema. SQLite serializes writers internally; callers may share one
// *Ledger across goroutines.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Ledger{db: db, log: log}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Seen reports whether fingerprint has any record at all (claimed,
// completed, or failed).
func (l *Ledger) Seen(fingerprint string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(1) FROM processed_files WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: seen: %w", err)
	}
	return n > 0, nil
}

// Claim is the single-flight primitive: only one caller wins for a given
// fingerprint. Losers (including anyone reclaiming an already-completed
// entry) receive ok=false.
func (l *Ledger) Claim(fingerprint, sourcePath string, size int64) (ok bool, err error) {
	now := time.Now().UTC()
	res, err := l.db.Exec(
		`INSERT INTO processed_files (fingerprint, source_path, size, first_seen_at, claimed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, sourcePath, size, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("ledger: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: claim rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete marks a claimed fingerprint as done. enrichmentPending is set
// when the item was inserted at tier_hint=fast, so a later offline pass
// can find it.
func (l *Ledger) Complete(fingerprint string, enrichmentPending bool) error {
	pending := 0
	if enrichmentPending {
		pending = 1
	}
	_, err := l.db.Exec(
		`UPDATE processed_files SET completed_at = ?, enrichment_pending = ? WHERE fingerprint = ?`,
		time.Now().UTC(), pending, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	return nil
}

// Fail marks a claimed fingerprint as permanently failed. Failed items
// are not automatically retried on the next scan.
func (l *Ledger) Fail(fingerprint string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.Exec(
		`UPDATE processed_files SET failed_at = ?, error = ? WHERE fingerprint = ?`,
		time.Now().UTC(), msg, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("ledger: fail: %w", err)
	}
	return nil
}

// Stats reports counts of completed, claimed and failed entries, plus the
// number flagged enrichment-pending (a subset of completed).
func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	row := l.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN completed_at IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN completed_at IS NULL AND failed_at IS NULL THEN 1 END),
			COUNT(CASE WHEN failed_at IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN enrichment_pending = 1 THEN 1 END)
		FROM processed_files`)
	if err := row.Scan(&s.Completed, &s.Claimed, &s.Failed, &s.Pending); err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return s, nil
}

// EnrichmentPending returns fingerprints flagged for later upgrade from
// tier_hint=fast to a full enriched pass. The pipeline never drains this
// set itself; it is an extension point for an offline enrichment job.
func (l *Ledger) EnrichmentPending() ([]string, error) {
	rows, err := l.db.Query(`SELECT fingerprint FROM processed_files WHERE enrichment_pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("ledger: enrichment pending: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("ledger: enrichment pending scan: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// StartReclaimLoop runs ReclaimStale on a low-frequency cadence until
// ctx is canceled, so long-lived daemons recover abandoned claims
// without a restart. Callers that only want the startup pass call
// ReclaimStale directly.
func (l *Ledger) StartReclaimLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.ReclaimStale(); err != nil {
					l.log.Warn("ledger reclaim sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// ReclaimStale releases claims older than the reclaim horizon, returning
// the fingerprints released so the caller can re-enqueue the source
// files. Run once at startup, matching the reaper's abandoned-job sweep.
func (l *Ledger) ReclaimStale() ([]string, error) {
	cutoff := time.Now().UTC().Add(-reclaimHorizon)
	rows, err := l.db.Query(
		`SELECT fingerprint, source_path FROM processed_files
		 WHERE completed_at IS NULL AND failed_at IS NULL AND claimed_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: reclaim query: %w", err)
	}
	type row struct{ fp, path string }
	var stale []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.fp, &r.path); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ledger: reclaim scan: %w", err)
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []string
	for _, r := range stale {
		if _, err := l.db.Exec(`DELETE FROM processed_files WHERE fingerprint = ?`, r.fp); err != nil {
			l.log.Warn("ledger: reclaim delete failed", zap.String("fingerprint", r.fp), zap.Error(err))
			continue
		}
		released = append(released, r.fp)
	}
	if len(released) > 0 {
		l.log.Info("ledger reclaimed stale claims", zap.Int("count", len(released)))
	}
	return released, nil
}
