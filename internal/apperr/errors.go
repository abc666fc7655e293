// Package apperr defines the pipeline's error kinds. Callers match them with
// errors.Is; Kind maps an error to the stable string used in API error bodies.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrParse means a file name or key matches no known segment pattern. Quarantine, no retry.
	ErrParse = errors.New("unrecognized segment name")
	// ErrTransient covers network failures and throttling. Retry with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrDuplicate marks an idempotent short-circuit. It is not a failure.
	ErrDuplicate = errors.New("duplicate no-op")
	// ErrCollision means two segments compete for one index key.
	ErrCollision = errors.New("index key collision")
	// ErrNotFound is returned for a missing object or index entry.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrConditionFailed is returned by conditional writes whose precondition did not hold.
	ErrConditionFailed = errors.New("condition failed")
	// ErrInvalidArgument is returned for malformed query input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Stable kinds reported to API clients.
const (
	KindParse         = "parse_error"
	KindTransient     = "transient_io_error"
	KindCollision     = "collision_error"
	KindNotFound      = "not_found"
	KindConfiguration = "configuration_error"
	KindInvalid       = "invalid_argument"
	KindInternal      = "internal_error"
)

// Kind returns the stable error kind for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalid
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrCollision):
		return KindCollision
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	default:
		return KindInternal
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Transient wraps err so IsTransient reports true while keeping err in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: ErrTransient, err: err}
}

// NotFound wraps err as ErrNotFound.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: ErrNotFound, err: err}
}

type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.err.Error() }

func (w *wrapped) Unwrap() []error { return []error{w.kind, w.err} }
