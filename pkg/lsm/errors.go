package lsm

import "github.com/vladgaus/lsmkv/pkg/errors"

// Engine errors, re-exported so callers can match them without importing
// the errors package.
var (
	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.ErrClosed

	// ErrFatal is returned by mutations after the engine failed to record
	// a change in its manifest or log. Reads keep working.
	ErrFatal = errors.ErrFatal

	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = errors.ErrEmptyKey

	// ErrKeyTooLarge is returned when a key exceeds the maximum size.
	ErrKeyTooLarge = errors.ErrKeyTooLarge

	// ErrValueTooLarge is returned when a value exceeds the maximum size.
	ErrValueTooLarge = errors.ErrValueTooLarge

	// ErrInvalidArgument is returned for malformed options and ranges.
	ErrInvalidArgument = errors.ErrInvalidArgument
)

// IsLocked reports whether err came from opening a directory another
// engine holds.
func IsLocked(err error) bool {
	return errors.IsLockConflict(err)
}
