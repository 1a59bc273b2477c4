package deltalog

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by Append when the expected version is not the latest.
	ErrConflict = errors.New("commit conflict")
	// ErrConcurrentModification is returned when a transaction cannot be reconciled
	// with the commits that won against it.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidLog means the log cannot be replayed. It is never retried.
	ErrInvalidLog = errors.New("invalid log")
	// ErrNotFound is returned for a version or table with no commit file.
	ErrNotFound = errors.New("not found")
)

// ConflictError reports a lost race for a version.
type ConflictError struct {
	Expected int64
	Actual   int64
	// Winner is the record that took version Expected+1, when it could be read.
	Winner *LogRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict: expected version %d, log is at %d", e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidLogError points at the commit file that could not be decoded or
// replayed.
type InvalidLogError struct {
	Version int64
	Path    string
	Reason  string
}

func (e *InvalidLogError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid log at version %d (%s): %s", e.Version, e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid log at version %d: %s", e.Version, e.Reason)
}

func (e *InvalidLogError) Unwrap() error {
	return ErrInvalidLog
}
