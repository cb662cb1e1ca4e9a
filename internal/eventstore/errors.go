package eventstore

import "fmt"

// The append path distinguishes three failure classes. Callers branch on
// them with errors.As; only the transport layer turns them into HTTP codes.

// ConflictError means ExpectedSequence was stale. Recoverable: re-read the
// aggregate (CurrentSequence is the value to retry with after reconciling)
// and resubmit. The store never resolves conflicts silently.
type ConflictError struct {
	AggregateID      string
	ExpectedSequence int64
	CurrentSequence  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on %s: expected %d, current %d",
		e.AggregateID, e.ExpectedSequence, e.CurrentSequence)
}

// ValidationError means the request itself is malformed. Permanent: retrying
// the same request can never succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError means the durable medium failed mid-operation. Fatal for the
// in-flight append; nothing was committed. Retry policy belongs to operators,
// not this package.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
