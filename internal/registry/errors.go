// Copyright 2025 James Ross
package registry

import (
	"errors"
	"fmt"
)

var (
	ErrInvalid          = errors.New("invalid registry entry")
	ErrNotFound          = errors.New("database not registered")
	ErrConflict          = errors.New("conflicting registration")
	ErrBusy              = errors.New("registry-busy")
	ErrMigrationInProgress = errors.New("migration-in-progress")
)

// ConflictError reports a register() call whose fields diverge from an
// existing entry of the same name.
type ConflictError struct {
	Name Name
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("database %q already registered with different fields: %v", e.Name, ErrConflict)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a resolve/show/update/unregister on an unknown name.
type NotFoundError struct {
	Name Name
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("database %q is not registered: %v", e.Name, ErrNotFound)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// BusyError reports a write that could not acquire the on-disk lock
// within the configured timeout.
type BusyError struct {
	Timeout string
}

func (e BusyError) Error() string {
	return fmt.Sprintf("registry lock not acquired within %s: %v", e.Timeout, ErrBusy)
}

func (e BusyError) Unwrap() error { return ErrBusy }
