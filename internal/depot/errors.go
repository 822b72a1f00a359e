package depot

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the cache contract. Callers match them with
// errors.Is; Newf attaches call-site detail without breaking the match.
var (
	// ErrNotImplemented reports an optional capability the backend does not
	// support.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInitialization reports a failure to prepare the working directory
	// or open the storage index. The engine must not be used afterwards.
	ErrInitialization = errors.New("initialization failed")

	// ErrNotFound reports an absent artifact version or file kind.
	ErrNotFound = errors.New("not found")

	// ErrFinalize reports a commit failure while finalizing a transaction.
	ErrFinalize = errors.New("finalize failed")

	// ErrReplication reports that the reliability manager could not reach
	// the configured number of durable copies. The primary write stands.
	ErrReplication = errors.New("replication failed")

	// ErrClosed reports a write against a transaction that has left the
	// open state.
	ErrClosed = errors.New("transaction closed")
)

// Newf combines a sentinel with formatted detail. The result matches the
// sentinel under errors.Is and supports %w for nested causes.
func Newf(base error, format string, args ...any) error {
	return errors.Join(base, fmt.Errorf(format, args...))
}
