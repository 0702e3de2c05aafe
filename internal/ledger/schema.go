// Copyright 2025 James Ross
package ledger

const schema = `
CREATE TABLE IF NOT EXISTS processed_files (
    fingerprint TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    first_seen_at DATETIME NOT NULL,
    claimed_at DATETIME,
    completed_at DATETIME,
    failed_at DATETIME,
    error TEXT,
    enrichment_pending INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_processed_files_claimed ON processed_files(claimed_at);
CREATE INDEX IF NOT EXISTS idx_processed_files_pending ON processed_files(enrichment_pending);

CREATE TABLE IF NOT EXISTS scan_roots (
    root TEXT PRIMARY KEY,
    last_scan_ts DATETIME NOT NULL
);
`
