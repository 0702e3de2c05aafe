// Copyright 2025 James Ross
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// file is the on-disk shape of the registry: a flat map of name to entry.
type file struct {
	Databases map[Name]DatabaseEntry `yaml:"databases"`
}

// Registry is the single source of truth for every DatabaseEntry. Reads
// are lock-free after a cache warm-up; writes serialize through an
// on-disk lock. The cache is invalidated whenever the backing file's
// mtime changes underneath the process, so an operator hand-editing
// credentials is tolerated.
type Registry struct {
	path        string
	lockTimeout time.Duration
	log         *zap.Logger

	mu      sync.RWMutex
	cache   map[Name]DatabaseEntry
	mtime   time.Time
	warmed  bool
}

// New constructs a Registry backed by the file at path.
func New(path string, lockTimeout time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{path: path, lockTimeout: lockTimeout, log: log, cache: map[Name]DatabaseEntry{}}
}

// schemaJSON is validated against the decoded registry document before it
// is trusted, catching structurally malformed hand-edits early.
const schemaJSON = `{
  "type": "object",
  "properties": {
    "databases": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["name", "path", "backend_type"],
        "properties": {
          "name": {"type": "string"},
          "path": {"type": "string"},
          "backend_type": {"type": "string"}
        }
      }
    }
  }
}`

func (r *Registry) validateDocument(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("registry: parse yaml: %w", err)
	}
	jsonCompatible := convertYAMLToJSONCompatible(generic)
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	docLoader := gojsonschema.NewGoLoader(jsonCompatible)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("registry: schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := ""
		for _, e := range result.Errors() {
			msgs += e.String() + "; "
		}
		return fmt.Errorf("%w: %s", ErrInvalid, msgs)
	}
	return nil
}

// convertYAMLToJSONCompatible recursively converts map[string]interface{}
// keyed maps (yaml.v3 decodes into these already for string keys, but
// nested maps may use interface{} keys in older decoders) into a shape
// gojsonschema's Go loader accepts.
func convertYAMLToJSONCompatible(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = convertYAMLToJSONCompatible(vv)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = convertYAMLToJSONCompatible(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = convertYAMLToJSONCompatible(vv)
		}
		return out
	default:
		return val
	}
}

// reloadIfStale reads the backing file, refreshing r.cache if its mtime
// changed since the last load. It takes r.mu itself, so the caller must
// not hold it.
func (r *Registry) reloadIfStale() error {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			if !r.warmed {
				r.cache = map[Name]DatabaseEntry{}
				r.warmed = true
			}
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("registry: stat: %w", err)
	}

	r.mu.RLock()
	stale := !r.warmed || info.ModTime().After(r.mtime)
	r.mu.RUnlock()
	if !stale {
		return nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: read: %w", err)
	}
	f, err := r.decode(raw)
	if err != nil {
		// Corrupt backing file: fall back to the last-known-good sibling
		// written alongside every successful persist.
		good, goodErr := os.ReadFile(r.goodPath())
		if goodErr != nil {
			return err
		}
		f, goodErr = r.decode(good)
		if goodErr != nil {
			return err
		}
		r.log.Warn("registry file is corrupt; serving last-known-good copy",
			zap.String("path", r.path), zap.Error(err))
	}
	r.mu.Lock()
	r.cache = f.Databases
	r.mtime = info.ModTime()
	r.warmed = true
	r.mu.Unlock()
	return nil
}

func (r *Registry) goodPath() string { return r.path + ".good" }

// decode validates and unmarshals one registry document.
func (r *Registry) decode(raw []byte) (file, error) {
	if err := r.validateDocument(raw); err != nil {
		return file{}, err
	}
	var f file
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return file{}, fmt.Errorf("registry: decode: %w", err)
		}
	}
	if f.Databases == nil {
		f.Databases = map[Name]DatabaseEntry{}
	}
	return f, nil
}

// persist serializes the current cache to disk via write-temp,
// fsync, rename, then updates r.mtime from the new file's stat. Caller
// must hold the on-disk lock.
func (r *Registry) persist() error {
	r.mu.RLock()
	f := file{Databases: r.cache}
	r.mu.RUnlock()

	out, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	// Refresh the last-known-good sibling used by the corruption
	// fallback; failure here never fails the write itself.
	if goodTmp, err := os.CreateTemp(dir, ".registry-good-*.tmp"); err == nil {
		name := goodTmp.Name()
		if _, werr := goodTmp.Write(out); werr == nil {
			goodTmp.Close()
			_ = os.Rename(name, r.goodPath())
		} else {
			goodTmp.Close()
			_ = os.Remove(name)
		}
	}

	info, err := os.Stat(r.path)
	if err == nil {
		r.mu.Lock()
		r.mtime = info.ModTime()
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) withLock(fn func() error) error {
	lock := newFileLock(r.path)
	release, err := lock.acquire(r.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Register is idempotent on name: an identical second call is a no-op.
// A divergent second call fails with ConflictError.
func (r *Registry) Register(entry DatabaseEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return r.withLock(func() error {
		if err := r.reloadIfStale(); err != nil {
			return err
		}
		r.mu.Lock()
		existing, ok := r.cache[entry.Name]
		r.mu.Unlock()
		if ok {
			if existing.Equal(entry) {
				return nil
			}
			return ConflictError{Name: entry.Name}
		}
		r.mu.Lock()
		r.cache[entry.Name] = entry
		r.mu.Unlock()
		if err := r.persist(); err != nil {
			return err
		}
		r.log.Info("database registered", zap.String("name", entry.Name.String()), zap.String("backend_type", string(entry.BackendType)))
		return nil
	})
}

// Unregister removes the entry but never touches on-disk engine data.
func (r *Registry) Unregister(name Name) error {
	return r.withLock(func() error {
		if err := r.reloadIfStale(); err != nil {
			return err
		}
		r.mu.Lock()
		_, ok := r.cache[name]
		if !ok {
			r.mu.Unlock()
			return NotFoundError{Name: name}
		}
		delete(r.cache, name)
		r.mu.Unlock()
		if err := r.persist(); err != nil {
			return err
		}
		r.log.Info("database unregistered", zap.String("name", name.String()))
		return nil
	})
}

// List returns every registered entry, sorted by name.
func (r *Registry) List() ([]DatabaseEntry, error) {
	if err := r.reloadIfStale(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DatabaseEntry, 0, len(r.cache))
	for _, e := range r.cache {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []DatabaseEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Name < entries[j-1].Name; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Show is an alias of Resolve kept for symmetry with the CLI surface.
func (r *Registry) Show(name Name) (DatabaseEntry, error) {
	return r.Resolve(name)
}

// Resolve looks up a single entry by name.
func (r *Registry) Resolve(name Name) (DatabaseEntry, error) {
	if err := r.reloadIfStale(); err != nil {
		return DatabaseEntry{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[name]
	if !ok {
		return DatabaseEntry{}, NotFoundError{Name: name}
	}
	return e, nil
}

// Update applies fn to the current entry and persists the result. fn
// receives a copy; returning an error aborts the write.
func (r *Registry) Update(name Name, fn func(*DatabaseEntry) error) (DatabaseEntry, error) {
	var updated DatabaseEntry
	err := r.withLock(func() error {
		if err := r.reloadIfStale(); err != nil {
			return err
		}
		r.mu.Lock()
		e, ok := r.cache[name]
		r.mu.Unlock()
		if !ok {
			return NotFoundError{Name: name}
		}
		if err := fn(&e); err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return err
		}
		r.mu.Lock()
		r.cache[name] = e
		r.mu.Unlock()
		if err := r.persist(); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return DatabaseEntry{}, err
	}
	r.log.Info("database updated", zap.String("name", name.String()))
	return updated, nil
}
