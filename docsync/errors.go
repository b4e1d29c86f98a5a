package docsync

import "fmt"

// RecordApplyError is a single-record local-write failure. It is non-fatal:
// the drain loop logs it, counts it, and continues with the next record.
type RecordApplyError struct {
	ID    string
	Path  string
	Op    string
	Cause error
}

func (e *RecordApplyError) Error() string {
	return fmt.Sprintf("docsync: %s failed for record %s (path %s): %v", e.Op, e.ID, e.Path, e.Cause)
}

func (e *RecordApplyError) Unwrap() error { return e.Cause }
