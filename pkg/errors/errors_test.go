package errors

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		want error
	}{
		{"ok", []byte("k"), nil},
		{"max", make([]byte, MaxKeySize), nil},
		{"empty", nil, ErrEmptyKey},
		{"empty slice", []byte{}, ErrEmptyKey},
		{"too large", make([]byte, MaxKeySize+1), ErrKeyTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue(nil))
	assert.NoError(t, ValidateValue([]byte{}))
	assert.NoError(t, ValidateValue(make([]byte, 1024)))
}

func TestIOError(t *testing.T) {
	assert.NoError(t, NewIOError("open", "/x", nil))

	err := NewIOError("write", "/data/000001.log", os.ErrPermission)
	assert.True(t, IsIO(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), "write /data/000001.log")

	wrapped := Wrap(err, "flush")
	assert.True(t, IsIO(wrapped))
	assert.False(t, IsCorruption(wrapped))
}

func TestCorruptionError(t *testing.T) {
	err := NewCorruptionErrorf("000007.sst", 4096, "block checksum %#x != %#x", 1, 2)
	assert.True(t, IsCorruption(err))
	assert.ErrorIs(t, err, ErrCorruption)
	assert.Contains(t, err.Error(), "at offset 4096: block checksum 0x1 != 0x2")

	var ce *CorruptionError
	require.ErrorAs(t, Wrapf(err, "open table"), &ce)
	assert.Equal(t, "000007.sst", ce.File)

	noOffset := NewCorruptionError("MANIFEST-000003", -1, "bad edit")
	assert.NotContains(t, noOffset.Error(), "offset")
	assert.False(t, IsCorruption(io.ErrUnexpectedEOF))
}

func TestLockConflict(t *testing.T) {
	err := Wrap(&LockConflictError{Path: "/data/LOCK"}, "open")
	assert.True(t, IsLockConflict(err))
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.False(t, IsLockConflict(ErrClosed))
}

func TestRecoveryError(t *testing.T) {
	cause := NewCorruptionError("000001.log", 12, "torn record")
	err := NewRecoveryError("wal", cause)

	assert.True(t, IsCorruption(err))
	assert.True(t, strings.HasPrefix(err.Error(), "lsmkv: recovery failed during wal:"))

	var re *RecoveryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "wal", re.Phase)
}

func TestCompactionError(t *testing.T) {
	err := NewCompactionError(2, os.ErrClosed)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "level 2")
}

func TestFatal(t *testing.T) {
	assert.NoError(t, Fatal(nil))

	cause := NewIOError("write", "MANIFEST-000004", io.ErrShortWrite)
	err := Fatal(cause)
	assert.True(t, Is(err, ErrFatal))
	assert.True(t, Is(err, io.ErrShortWrite), "the cause stays reachable")
	assert.True(t, IsIO(err))
	assert.False(t, Is(cause, ErrFatal))

	// Callers matching with the standard library see the same thing.
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.ErrorIs(t, Wrap(err, "put"), ErrFatal)
	assert.Contains(t, err.Error(), "fatal state")
	assert.Contains(t, err.Error(), "MANIFEST-000004")
}

func TestCombineErrors(t *testing.T) {
	assert.NoError(t, CombineErrors(nil, nil))
	assert.Equal(t, ErrClosed, CombineErrors(nil, ErrClosed))

	err := CombineErrors(ErrFatal, ErrClosed)
	assert.True(t, Is(err, ErrFatal))
}
