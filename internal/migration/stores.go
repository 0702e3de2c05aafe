// Copyright 2025 James Ross
package migration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/lib/pq"

	"github.com/hybridrag/hybridrag/internal/registry"
	"github.com/hybridrag/hybridrag/internal/secretref"
)

func resolvePassword(ref string) (string, error) {
	return secretref.New().Resolve(ref)
}

// storeNames are the engine's logical stores; both backend kinds expose
// the same set so the copy plan is backend-independent.
var storeNames = []string{"entities", "relations", "chunks", "documents"}

// Record is one key/value pair of a logical store. Value is the
// canonical JSON encoding of the record, compared byte-for-byte by the
// spot-check.
type Record struct {
	Key   string
	Value []byte
}

// Store reads a backend's logical stores in stable key order.
type Store interface {
	Stores(ctx context.Context) ([]string, error)
	Count(ctx context.Context, store string) (int64, error)
	// Scan returns up to limit records with keys strictly after afterKey,
	// ascending. An empty afterKey starts from the beginning.
	Scan(ctx context.Context, store, afterKey string, limit int) ([]Record, error)
	Get(ctx context.Context, store, key string) (Record, bool, error)
	Close() error
}

// WritableStore is a Store that also accepts batched writes. Put is
// idempotent per key so a resumed batch may safely overlap.
type WritableStore interface {
	Store
	Put(ctx context.Context, store string, records []Record) error
}

// Opener builds a Store for a backend type. The coordinator resolves
// source and target through this registry, so future symmetric moves are
// a new Opener, not a coordinator change.
type Opener func(ctx context.Context, entry registry.DatabaseEntry) (WritableStore, error)

// OpenStore resolves the store implementation for entry's backend type.
func OpenStore(ctx context.Context, entry registry.DatabaseEntry) (WritableStore, error) {
	switch entry.BackendType {
	case registry.BackendFileBased, "":
		return newFileStore(entry.Path), nil
	case registry.BackendServerV1:
		return newPGStore(ctx, entry)
	default:
		return nil, fmt.Errorf("migration: no store access for backend %q", entry.BackendType)
	}
}

// fileStore reads the engine's file-based working set: one JSON document
// per logical store at {path}/kv_store_<name>.json holding a flat
// key/value object.
type fileStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]map[string]json.RawMessage
}

func newFileStore(dir string) *fileStore {
	return &fileStore{dir: dir, cache: map[string]map[string]json.RawMessage{}}
}

func (s *fileStore) path(store string) string {
	return filepath.Join(s.dir, "kv_store_"+store+".json")
}

func (s *fileStore) load(store string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.cache[store]; ok {
		return m, nil
	}
	raw, err := os.ReadFile(s.path(store))
	if os.IsNotExist(err) {
		m := map[string]json.RawMessage{}
		s.cache[store] = m
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration: read %s: %w", s.path(store), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("migration: decode %s: %w", s.path(store), err)
	}
	s.cache[store] = m
	return m, nil
}

func (s *fileStore) flush(store string) error {
	s.mu.Lock()
	m := s.cache[store]
	s.mu.Unlock()
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".kv-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, s.path(store))
}

func (s *fileStore) Stores(ctx context.Context) ([]string, error) {
	return append([]string(nil), storeNames...), nil
}

func (s *fileStore) Count(ctx context.Context, store string) (int64, error) {
	m, err := s.load(store)
	if err != nil {
		return 0, err
	}
	return int64(len(m)), nil
}

func (s *fileStore) sortedKeys(store string) ([]string, error) {
	m, err := s.load(store)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Scan(ctx context.Context, store, afterKey string, limit int) ([]Record, error) {
	keys, err := s.sortedKeys(store)
	if err != nil {
		return nil, err
	}
	m, _ := s.load(store)
	start := sort.SearchStrings(keys, afterKey)
	if start < len(keys) && keys[start] == afterKey {
		start++
	}
	var out []Record
	for _, k := range keys[start:] {
		if len(out) >= limit {
			break
		}
		out = append(out, Record{Key: k, Value: canonical(m[k])})
	}
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, store, key string) (Record, bool, error) {
	m, err := s.load(store)
	if err != nil {
		return Record{}, false, err
	}
	v, ok := m[key]
	if !ok {
		return Record{}, false, nil
	}
	return Record{Key: key, Value: canonical(v)}, true, nil
}

func (s *fileStore) Put(ctx context.Context, store string, records []Record) error {
	m, err := s.load(store)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range records {
		m[r.Key] = json.RawMessage(r.Value)
	}
	s.mu.Unlock()
	return s.flush(store)
}

func (s *fileStore) Close() error { return nil }

// canonical re-encodes a raw JSON value so the same logical record
// produces identical bytes regardless of the source's formatting.
func canonical(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return bytes.TrimSpace(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return bytes.TrimSpace(raw)
	}
	return out
}

// pgStore accesses the engine's server-backed-v1 schema: one table per
// logical store, keyed by (workspace, key), value stored as canonical
// JSON text.
type pgStore struct {
	db        *sql.DB
	workspace string
}

func newPGStore(ctx context.Context, entry registry.DatabaseEntry) (*pgStore, error) {
	dsn, err := DSNFor(entry)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("migration: open target: %w", err)
	}
	workspace := entry.BackendConfig.Workspace
	if workspace == "" {
		workspace = entry.Name.String()
	}
	s := &pgStore{db: db, workspace: workspace}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	for _, store := range storeNames {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				workspace TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (workspace, key)
			)`, store))
		if err != nil {
			return fmt.Errorf("migration: ensure table %s: %w", store, err)
		}
	}
	return nil
}

func (s *pgStore) Stores(ctx context.Context) ([]string, error) {
	return append([]string(nil), storeNames...), nil
}

func (s *pgStore) Count(ctx context.Context, store string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE workspace = $1`, store), s.workspace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("migration: count %s: %w", store, err)
	}
	return n, nil
}

func (s *pgStore) Scan(ctx context.Context, store, afterKey string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE workspace = $1 AND key > $2 ORDER BY key LIMIT $3`, store),
		s.workspace, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("migration: scan %s: %w", store, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var value string
		if err := rows.Scan(&r.Key, &value); err != nil {
			return nil, fmt.Errorf("migration: scan row: %w", err)
		}
		r.Value = canonical(json.RawMessage(value))
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) Get(ctx context.Context, store, key string) (Record, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE workspace = $1 AND key = $2`, store),
		s.workspace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("migration: get %s/%s: %w", store, key, err)
	}
	return Record{Key: key, Value: canonical(json.RawMessage(value))}, true, nil
}

func (s *pgStore) Put(ctx context.Context, store string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration: begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (workspace, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (workspace, key) DO UPDATE SET value = EXCLUDED.value`, store))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("migration: prepare batch: %w", err)
	}
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, s.workspace, r.Key, string(r.Value)); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("migration: put %s/%s: %w", store, r.Key, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (s *pgStore) Close() error { return s.db.Close() }

// DSNFor builds the lib/pq DSN for a server-backed entry, resolving the
// password reference at connection time.
func DSNFor(entry registry.DatabaseEntry) (string, error) {
	bc := entry.BackendConfig
	if bc.ConnectionString != "" {
		return bc.ConnectionString, nil
	}
	password, err := resolvePassword(bc.PasswordRef)
	if err != nil {
		return "", err
	}
	sslMode := bc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		bc.Host, bc.Port, bc.User, password, bc.Database, sslMode), nil
}
