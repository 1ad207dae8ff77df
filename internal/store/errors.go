package store

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the referenced conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrConflict indicates a state-machine violation: a claim raced and
	// lost, or end was called on an unassigned conversation. Callers
	// refresh their view; this is a normal outcome, not a failure.
	ErrConflict = errors.New("conversation state conflict")

	// ErrTransient indicates the datastore was temporarily unavailable.
	// Callers retry with backoff.
	ErrTransient = errors.New("datastore temporarily unavailable")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// wrapErr maps SQLite busy/locked conditions to ErrTransient so callers can
// distinguish retryable failures from permanent ones.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return errors.Join(ErrTransient, err)
		}
	}
	return err
}
