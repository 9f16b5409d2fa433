package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateInstant is returned by Ingest when a metric row already
	// exists for the same device and recorded time. Nothing was written.
	ErrDuplicateInstant = errors.New("storage: reading already stored for this instant")

	// ErrNotFound is returned by lookups that match no rows
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("storage: closed")
)

// Error wraps a backend failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err as an *Error for op. Sentinel errors of this package and
// nil pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateInstant) || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}
