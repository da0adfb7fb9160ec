// Package oerr defines the error taxonomy shared across the orchestration
// core: not-found, conflict (lost a compare-and-set race), and transient
// downstream failures.
package oerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a referenced resource that does not exist (or was
	// soft-deleted) at lookup time.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a conditional update that affected zero rows because
	// another writer won the race. Callers in batch paths drop these silently.
	ErrConflict = errors.New("conflict")

	// ErrTransient marks a downstream failure that is expected to heal on its
	// own (persistence hiccup, cache write failure). Ingest paths log these
	// and keep the in-memory session alive.
	ErrTransient = errors.New("transient failure")
)

// NotFound returns an ErrNotFound describing the missing object.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Conflict returns an ErrConflict describing the lost race.
func Conflict(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrConflict)
}

// Transient wraps err as a transient downstream failure.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrTransient)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether err is (or wraps) ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
