package syncer

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when a sync is requested after Close.
var ErrClosed = errors.New("syncer: closed")

// VetoedError means a pre-check handler on a first-failure hook declined the
// operation. It is not a connectivity failure and never triggers backoff.
type VetoedError struct {
	Hook string
}

func (e *VetoedError) Error() string {
	return fmt.Sprintf("syncer: operation vetoed by %s handler", e.Hook)
}

// PersistentError surfaces repeated connection failure after the retry
// budget is exhausted.
type PersistentError struct {
	Attempts int
	Cause    error
}

func (e *PersistentError) Error() string {
	return fmt.Sprintf("syncer: giving up after %d consecutive failures: %v", e.Attempts, e.Cause)
}

func (e *PersistentError) Unwrap() error { return e.Cause }
