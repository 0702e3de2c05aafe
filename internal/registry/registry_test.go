// Copyright 2025 James Ross
package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	log, _ := zap.NewDevelopment()
	return New(filepath.Join(dir, "registry.yaml"), 2*time.Second, log)
}

func sampleEntry(name string) DatabaseEntry {
	return DatabaseEntry{
		Name:                 Name(name),
		Path:                 "/tmp/" + name,
		SourceType:           SourceGeneric,
		WatchIntervalSeconds: 30,
		BackendType:          BackendFileBased,
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	e := sampleEntry("proj1")
	if err := r.Register(e); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(e); err != nil {
		t.Fatalf("second identical register should be a no-op, got %v", err)
	}
	got, err := r.Resolve("proj1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != e.Name {
		t.Fatalf("resolve mismatch: %+v", got)
	}
}

func TestRegisterConflict(t *testing.T) {
	r := newTestRegistry(t)
	e := sampleEntry("proj1")
	if err := r.Register(e); err != nil {
		t.Fatal(err)
	}
	e2 := e
	e2.Path = "/tmp/elsewhere"
	err := r.Register(e2)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := r.Resolve("proj1")
	if got.Path != e.Path {
		t.Fatalf("first registration should be preserved, got %+v", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Resolve("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnregisterThenList(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(sampleEntry("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(sampleEntry("b")); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister("a"); err != nil {
		t.Fatal(err)
	}
	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "b" {
		t.Fatalf("expected only 'b' left, got %+v", list)
	}
}

func TestUpdateNoOpShowEqual(t *testing.T) {
	r := newTestRegistry(t)
	e := sampleEntry("proj1")
	if err := r.Register(e); err != nil {
		t.Fatal(err)
	}
	before, err := r.Show("proj1")
	if err != nil {
		t.Fatal(err)
	}
	after, err := r.Update("proj1", func(*DatabaseEntry) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if !before.Equal(after) {
		t.Fatalf("no-op update changed the entry: before=%+v after=%+v", before, after)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	log, _ := zap.NewDevelopment()

	r1 := New(path, 2*time.Second, log)
	if err := r1.Register(sampleEntry("proj1")); err != nil {
		t.Fatal(err)
	}

	r2 := New(path, 2*time.Second, log)
	got, err := r2.Resolve("proj1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "proj1" {
		t.Fatalf("expected to read back proj1, got %+v", got)
	}
}

func TestInvalidNameRejected(t *testing.T) {
	r := newTestRegistry(t)
	bad := sampleEntry("Has Spaces")
	if err := r.Register(bad); err == nil {
		t.Fatal("expected validation error for invalid name")
	}
}

func TestCorruptFileFallsBackToLastKnownGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	log, _ := zap.NewDevelopment()

	r1 := New(path, 2*time.Second, log)
	if err := r1.Register(sampleEntry("proj1")); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	// New mtime forces a reload; the corrupt document must not win.
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	r2 := New(path, 2*time.Second, log)
	got, err := r2.Resolve("proj1")
	if err != nil {
		t.Fatalf("expected last-known-good fallback, got %v", err)
	}
	if got.Name != "proj1" {
		t.Fatalf("expected proj1 from fallback, got %+v", got)
	}
}

func TestResolvePathEnvOverride(t *testing.T) {
	t.Setenv(EnvPathVar, "/srv/override.yaml")
	if got := ResolvePath("/etc/default.yaml"); got != "/srv/override.yaml" {
		t.Fatalf("expected env override, got %q", got)
	}
	t.Setenv(EnvPathVar, "")
	if got := ResolvePath("/etc/default.yaml"); got != "/etc/default.yaml" {
		t.Fatalf("expected default path, got %q", got)
	}
}
