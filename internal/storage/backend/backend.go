// Package backend defines the adapter contract over a single remote JSON
// document holding a collection, and its concrete variants.
//
// Every adapter exposes two primitives: [Backend.Fetch] reads the whole
// document with its version token and [Backend.Commit] replaces the whole
// document if the caller's expected version still matches. There are no
// partial writes.
//
// # Create policy
//
// An empty expected [Version] means "create only": Commit fails with
// [ErrVersionConflict] when the document already exists. Adapters whose vendor
// API cannot express this atomically emulate it with a read before the write;
// their doc comments name the resulting race window.
//
// # Errors
//
// Adapters translate vendor and transport failures into [ErrNotFound],
// [ErrVersionConflict], [ErrMalformed] and [ErrUnavailable]. Nothing else is
// returned, so callers never see raw transport errors.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

var (
	// ErrNotFound is returned by Fetch when the document does not exist yet.
	ErrNotFound = errors.New("collection not found")
	// ErrVersionConflict is returned by Commit when the expected version does
	// not match the current one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnavailable is returned on network or transport failures.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrMalformed is returned when the stored document cannot be decoded.
	ErrMalformed = errors.New("malformed collection document")
)

// Version is an opaque precondition token: an entity tag, a content hash, a
// commit SHA or a decimal counter depending on the adapter. The empty Version
// means "none".
type Version string

// IsZero reports whether v is the "none" version.
func (v Version) IsZero() bool {
	return v == ""
}

// Snapshot is the full content of a collection at a version.
type Snapshot struct {
	Items   []entity.Record
	Version Version
}

// Backend is a uniform read/write primitive over one concrete store.
type Backend interface {
	// Name identifies the adapter in logs and metrics.
	Name() string
	// Fetch returns the current document. It returns ErrNotFound only if the
	// store can tell a missing document from an empty one.
	Fetch(ctx context.Context) (*Snapshot, error)
	// Commit replaces the whole document when the current version equals
	// expected, and returns the new version.
	Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error)
}

// ConflictError details a rejected precondition.
type ConflictError struct {
	Expected Version
	Current  Version
}

func (e *ConflictError) Error() string {
	if e.Expected.IsZero() {
		return fmt.Sprintf("version conflict: collection already exists at version %q", e.Current)
	}
	if e.Current.IsZero() {
		return fmt.Sprintf("version conflict: expected version %q but collection does not exist", e.Expected)
	}
	return fmt.Sprintf("version conflict: expected version %q, current is %q", e.Expected, e.Current)
}

// Is makes errors.Is(err, ErrVersionConflict) true.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// UnavailableError wraps the transport failure behind ErrUnavailable.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
}

// Is makes errors.Is(err, ErrUnavailable) true.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an ErrUnavailable for operation op.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// checkPrecondition validates expected against the current version, where
// exists tells whether the document exists at all.
func checkPrecondition(expected, current Version, exists bool) error {
	switch {
	case expected.IsZero() && exists:
		return &ConflictError{Expected: expected, Current: current}
	case !expected.IsZero() && !exists:
		return &ConflictError{Expected: expected}
	case !expected.IsZero() && expected != current:
		return &ConflictError{Expected: expected, Current: current}
	}
	return nil
}
