package storage

import "errors"

// Typed errors returned by store procedures. Handlers translate these into
// protocol status codes; procedures never panic on bad input.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or single-use violation
	// (duplicate agent id, token already used, challenge exists).
	ErrConflict = errors.New("conflict")

	// ErrInvariant indicates a write would break a store invariant.
	// Within a write transaction it rolls back every effect.
	ErrInvariant = errors.New("invariant violated")

	// ErrBusy indicates the exclusive writer could not be acquired
	// within the acquisition timeout.
	ErrBusy = errors.New("writer busy")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsBusy reports whether err wraps ErrBusy.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
