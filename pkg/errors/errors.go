// Package errors defines the engine's error taxonomy on top of
// github.com/cockroachdb/errors. Packages in this module import this
// package instead of the standard library's so that wrapping, stack
// capture and matching behave the same everywhere.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Re-exported helpers.
var (
	New              = crdb.New
	Newf             = crdb.Newf
	Errorf           = crdb.Errorf
	Wrap             = crdb.Wrap
	Wrapf            = crdb.Wrapf
	WithStack        = crdb.WithStack
	Mark             = crdb.Mark
	Is               = crdb.Is
	As               = crdb.As
	CombineErrors    = crdb.CombineErrors
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors.
var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = crdb.New("lsmkv: engine is closed")

	// ErrFatal marks errors returned after the engine stopped accepting
	// mutations because the manifest could not be updated.
	ErrFatal = crdb.New("lsmkv: engine is in a fatal state")

	// ErrCorruption marks every corruption error.
	ErrCorruption = crdb.New("lsmkv: data corruption detected")

	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = crdb.New("lsmkv: key cannot be empty")

	// ErrKeyTooLarge is returned when a key exceeds MaxKeySize.
	ErrKeyTooLarge = crdb.New("lsmkv: key size exceeds maximum")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = crdb.New("lsmkv: value size exceeds maximum")

	// ErrInvalidArgument is returned for malformed arguments and options.
	ErrInvalidArgument = crdb.New("lsmkv: invalid argument")

	// ErrLockConflict marks LockConflictError.
	ErrLockConflict = crdb.New("lsmkv: directory is locked by another engine")
)

// Maximum sizes for keys and values.
const (
	MaxKeySize   = 64 * 1024         // 64KB
	MaxValueSize = 256 * 1024 * 1024 // 256MB
)

// IOError wraps a failed file operation.
type IOError struct {
	Op   string // "open", "read", "write", "sync", "rename", "remove"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("lsmkv: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError returns an IOError with a captured stack. It returns nil when
// err is nil.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return crdb.WithStackDepth(&IOError{Op: op, Path: path, Err: err}, 1)
}

// CorruptionError describes a checksum, framing or footer failure.
type CorruptionError struct {
	File    string
	Offset  int64 // -1 when unknown
	Message string
}

func (e *CorruptionError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("lsmkv: corruption in %s at offset %d: %s", e.File, e.Offset, e.Message)
	}
	return fmt.Sprintf("lsmkv: corruption in %s: %s", e.File, e.Message)
}

// Is lets errors.Is(err, ErrCorruption) match any CorruptionError.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// NewCorruptionError returns a CorruptionError.
func NewCorruptionError(file string, offset int64, message string) error {
	return crdb.WithStackDepth(&CorruptionError{File: file, Offset: offset, Message: message}, 1)
}

// NewCorruptionErrorf returns a CorruptionError with a formatted message.
func NewCorruptionErrorf(file string, offset int64, format string, args ...any) error {
	return crdb.WithStackDepth(&CorruptionError{File: file, Offset: offset, Message: fmt.Sprintf(format, args...)}, 1)
}

// LockConflictError is returned by Open when another engine holds the
// directory lock.
type LockConflictError struct {
	Path string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lsmkv: lock %s is held by another engine", e.Path)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// CompactionError wraps a failed background flush or compaction. It is
// logged and retried and never reaches foreground callers.
type CompactionError struct {
	Level int
	Err   error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("lsmkv: compaction failed at level %d: %v", e.Level, e.Err)
}

func (e *CompactionError) Unwrap() error {
	return e.Err
}

// NewCompactionError returns a CompactionError.
func NewCompactionError(level int, err error) *CompactionError {
	return &CompactionError{Level: level, Err: err}
}

// RecoveryError wraps a failure while opening an existing directory.
type RecoveryError struct {
	Phase string // "lock", "manifest", "sstable", "wal"
	Err   error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("lsmkv: recovery failed during %s: %v", e.Phase, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// NewRecoveryError returns a RecoveryError.
func NewRecoveryError(phase string, err error) *RecoveryError {
	return &RecoveryError{Phase: phase, Err: err}
}

// ValidateKey checks a user key.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return crdb.Wrapf(ErrKeyTooLarge, "size %d exceeds maximum %d", len(key), MaxKeySize)
	}
	return nil
}

// ValidateValue checks a user value.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return crdb.Wrapf(ErrValueTooLarge, "size %d exceeds maximum %d", len(value), MaxValueSize)
	}
	return nil
}

// IsCorruption reports whether err is or wraps a corruption error.
func IsCorruption(err error) bool {
	if crdb.Is(err, ErrCorruption) {
		return true
	}
	var ce *CorruptionError
	return crdb.As(err, &ce)
}

// IsIO reports whether err wraps an IOError.
func IsIO(err error) bool {
	var ioe *IOError
	return crdb.As(err, &ioe)
}

// IsLockConflict reports whether err is a LockConflictError.
func IsLockConflict(err error) bool {
	var le *LockConflictError
	return crdb.As(err, &le)
}

// fatalError reports ErrFatal while keeping its cause in the chain. It
// matches through both the standard library's errors.Is and crdb.Is.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("%v: %v", ErrFatal, e.cause)
}

func (e *fatalError) Unwrap() error {
	return e.cause
}

func (e *fatalError) Is(target error) bool {
	return target == ErrFatal
}

// Fatal marks err as fatal so that errors.Is(err, ErrFatal) holds while
// the original cause stays reachable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(&fatalError{cause: err}, ErrFatal)
}
