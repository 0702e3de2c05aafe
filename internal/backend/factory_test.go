// Copyright 2025 James Ross
package backend

import (
	"context"
	"os"
	"testing"

	"github.com/hybridrag/hybridrag/internal/registry"
)

func TestFileBasedHealthAndMetrics(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/a.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := registry.DatabaseEntry{
		Name:        "proj1",
		Path:        dir,
		BackendType: registry.BackendFileBased,
	}

	f := NewFactory(nil)
	handle, err := f.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	status, err := handle.HealthProbe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !status.Connected {
		t.Fatal("expected connected health status for existing path")
	}
	metrics, err := handle.Metrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if metrics.TotalSize == 0 {
		t.Fatal("expected nonzero total size")
	}
}

func TestFactoryCachesHandlePerDatabase(t *testing.T) {
	dir := t.TempDir()
	entry := registry.DatabaseEntry{Name: "proj1", Path: dir, BackendType: registry.BackendFileBased}

	f := NewFactory(nil)
	h1, err := f.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := f.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("expected cached handle to be reused")
	}
}

func TestFactoryInvalidatesOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	entry := registry.DatabaseEntry{Name: "proj1", Path: dir, BackendType: registry.BackendFileBased}

	f := NewFactory(nil)
	h1, err := f.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}

	entry.BackendConfig.FileSizeWarningMB = 5
	h2, err := f.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected a new handle after backend config changed")
	}
}

func TestFactoryUnknownBackendType(t *testing.T) {
	entry := registry.DatabaseEntry{Name: "proj1", Path: "/tmp", BackendType: "nonexistent"}
	f := NewFactory(nil)
	if _, err := f.Resolve(context.Background(), entry); err == nil {
		t.Fatal("expected error for unregistered backend type")
	}
}
