// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/hybridrag/hybridrag/internal/registry"
	"go.uber.org/zap"
)

// Factory resolves a DatabaseEntry to its StorageHandle, caching one
// handle per database name and invalidating the cache whenever the
// entry's backend fields change. The set of known BackendTypes is open:
// Register adds new constructors without a factory code change.
type Factory struct {
	mu           sync.Mutex
	constructors map[registry.BackendType]Constructor
	cache        map[registry.Name]cachedHandle
	log          *zap.Logger
}

type cachedHandle struct {
	handle  StorageHandle
	backend registry.BackendType
	config  registry.BackendConfig
}

func NewFactory(log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Factory{
		constructors: map[registry.BackendType]Constructor{},
		cache:        map[registry.Name]cachedHandle{},
		log:          log,
	}
	f.Register(registry.BackendFileBased, NewFileBasedHandle)
	f.Register(registry.BackendServerV1, NewServerV1Handle)
	f.Register(registry.BackendServerV2, NewServerV2Handle)
	return f
}

// Register binds a BackendType to a Constructor. Callers may add storage
// classes beyond the three built in here (file-based, server-backed-v1,
// server-backed-v2) without modifying this package.
func (f *Factory) Register(bt registry.BackendType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[bt] = c
}

// Resolve returns the cached StorageHandle for entry, constructing and
// caching one on first use.
func (f *Factory) Resolve(ctx context.Context, entry registry.DatabaseEntry) (StorageHandle, error) {
	f.mu.Lock()
	if cached, ok := f.cache[entry.Name]; ok {
		if cached.backend == entry.BackendType && cached.config == entry.BackendConfig {
			f.mu.Unlock()
			return cached.handle, nil
		}
		// Stale: backend fields changed since the handle was cached.
		cached.handle.Close()
		delete(f.cache, entry.Name)
	}
	ctor, ok := f.constructors[entry.BackendType]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend: no storage class registered for %q", entry.BackendType)
	}

	handle, err := ctor(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("backend: construct handle for %q: %w", entry.Name, err)
	}

	f.mu.Lock()
	f.cache[entry.Name] = cachedHandle{handle: handle, backend: entry.BackendType, config: entry.BackendConfig}
	f.mu.Unlock()
	f.log.Info("storage handle resolved", zap.String("database", entry.Name.String()), zap.String("backend_type", string(entry.BackendType)))
	return handle, nil
}

// Invalidate drops the cached handle for name, forcing the next Resolve
// to reconstruct it. Called explicitly by update() callers who know a
// backend field changed, in addition to Resolve's own staleness check.
func (f *Factory) Invalidate(name registry.Name) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		cached.handle.Close()
		delete(f.cache, name)
	}
}
