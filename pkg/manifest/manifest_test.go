package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
)

func meta(num uint64, smallest, largest string, maxSeq uint64) *FileMeta {
	return &FileMeta{
		FileNum:    num,
		Size:       1000 * num,
		Smallest:   []byte(smallest),
		Largest:    []byte(largest),
		MinSeq:     1,
		MaxSeq:     maxSeq,
		NumEntries: 10,
	}
}

func newSet(t *testing.T, dir string) *VersionSet {
	t.Helper()
	vs := New(Options{Dir: dir})
	require.NoError(t, vs.Create())
	return vs
}

func reopen(t *testing.T, dir string) *VersionSet {
	t.Helper()
	vs := New(Options{Dir: dir})
	_, err := vs.Recover()
	require.NoError(t, err)
	require.NoError(t, vs.Checkpoint())
	return vs
}

func TestVersionEditRoundTrip(t *testing.T) {
	edit := &VersionEdit{}
	edit.SetComparator(ComparatorName)
	edit.SetLogNumber(12)
	edit.SetNextFileNumber(40)
	edit.SetLastSequence(1 << 40)
	edit.SetCompactPointer(2, []byte("m"))
	edit.DeleteFile(0, 7)
	edit.AddFile(1, meta(9, "a", "f", 100))

	got, err := DecodeVersionEdit(edit.Encode())
	require.NoError(t, err)
	assert.Equal(t, edit.Comparator, got.Comparator)
	assert.Equal(t, uint64(12), got.LogNumber)
	assert.Equal(t, uint64(40), got.NextFileNumber)
	assert.Equal(t, uint64(1<<40), got.LastSequence)
	assert.Equal(t, edit.CompactPointers, got.CompactPointers)
	assert.Equal(t, edit.DeletedFiles, got.DeletedFiles)
	require.Len(t, got.NewFiles, 1)
	assert.Equal(t, 1, got.NewFiles[0].Level)
	assert.Equal(t, []byte("f"), got.NewFiles[0].Meta.Largest)
	assert.Equal(t, uint64(9000), got.NewFiles[0].Meta.Size)
	assert.Contains(t, got.String(), "new-file: L1 000009")

	_, err = DecodeVersionEdit([]byte{99})
	assert.Error(t, err)
	_, err = DecodeVersionEdit([]byte{TagNewFile, 1})
	assert.Error(t, err)
}

func TestLogAndApplyRecover(t *testing.T) {
	dir := t.TempDir()
	vs := newSet(t, dir)

	for i := uint64(0); i < 3; i++ {
		edit := &VersionEdit{}
		num := vs.NewFileNumber()
		edit.AddFile(0, meta(num, "a", "z", 10*(i+1)))
		edit.SetLastSequence(10 * (i + 1))
		edit.SetLogNumber(100 + i)
		require.NoError(t, vs.LogAndApply(edit))
	}
	v := vs.Current()
	require.Equal(t, 3, v.NumFiles(0))
	l0 := v.Files[0]
	v.Unref()

	// Compact all of L0 into two L1 runs.
	edit := &VersionEdit{}
	for _, f := range l0 {
		edit.DeleteFile(0, f.FileNum)
	}
	edit.AddFile(1, meta(vs.NewFileNumber(), "m", "z", 30))
	edit.AddFile(1, meta(vs.NewFileNumber(), "a", "l", 30))
	edit.SetCompactPointer(0, []byte("z"))
	require.NoError(t, vs.LogAndApply(edit))
	require.NoError(t, vs.Close())

	vs = reopen(t, dir)
	defer vs.Close()
	v = vs.Current()
	defer v.Unref()
	assert.Equal(t, 0, v.NumFiles(0))
	require.Equal(t, 2, v.NumFiles(1))
	assert.Equal(t, []byte("a"), v.Files[1][0].Smallest, "L1 sorted by smallest key")
	assert.Equal(t, uint64(30), vs.LastSequence())
	assert.Equal(t, uint64(102), vs.LogNumber())
	assert.Equal(t, []byte("z"), vs.CompactPointer(0))
	assert.Greater(t, vs.NewFileNumber(), v.Files[1][1].FileNum)
}

func TestLogAndApplyRejectsOverlap(t *testing.T) {
	vs := newSet(t, t.TempDir())
	defer vs.Close()

	edit := &VersionEdit{}
	edit.AddFile(1, meta(vs.NewFileNumber(), "a", "m", 1))
	edit.AddFile(1, meta(vs.NewFileNumber(), "k", "z", 1))
	assert.Error(t, vs.LogAndApply(edit))

	edit = &VersionEdit{}
	edit.DeleteFile(2, 99)
	assert.Error(t, vs.LogAndApply(edit))

	v := vs.Current()
	defer v.Unref()
	assert.Zero(t, v.TotalFiles())
}

func TestObsoleteFilesWaitForPinnedVersions(t *testing.T) {
	vs := newSet(t, t.TempDir())
	defer vs.Close()

	f := meta(vs.NewFileNumber(), "a", "c", 5)
	edit := &VersionEdit{}
	edit.AddFile(0, f)
	require.NoError(t, vs.LogAndApply(edit))

	pinned := vs.Current()
	assert.Equal(t, int32(1), f.Refs())

	edit = &VersionEdit{}
	edit.DeleteFile(0, f.FileNum)
	edit.AddFile(1, meta(vs.NewFileNumber(), "a", "c", 5))
	require.NoError(t, vs.LogAndApply(edit))

	assert.Empty(t, vs.TakeObsolete(), "a pinned version still holds the run")
	assert.Equal(t, int32(1), f.Refs())

	pinned.Unref()
	obsolete := vs.TakeObsolete()
	require.Len(t, obsolete, 1)
	assert.Same(t, f, obsolete[0])
	assert.Zero(t, f.Refs())
}

func TestCheckpointOnSize(t *testing.T) {
	dir := t.TempDir()
	vs := New(Options{Dir: dir, MaxManifestSize: 512})
	require.NoError(t, vs.Create())
	first := vs.ManifestNumber()

	for i := 0; i < 20; i++ {
		edit := &VersionEdit{}
		edit.AddFile(0, meta(vs.NewFileNumber(), fmt.Sprintf("key-%03d", i), fmt.Sprintf("key-%03d-end", i), uint64(i+1)))
		require.NoError(t, vs.LogAndApply(edit))
	}
	assert.NotEqual(t, first, vs.ManifestNumber())
	assert.LessOrEqual(t, vs.ManifestSize(), int64(2048))
	assert.False(t, utils.FileExists(filepath.Join(dir, utils.ManifestName(first))))
	require.NoError(t, vs.Close())

	vs = reopen(t, dir)
	defer vs.Close()
	v := vs.Current()
	defer v.Unref()
	assert.Equal(t, 20, v.NumFiles(0))
}

func TestRecoverIgnoresPartialTail(t *testing.T) {
	dir := t.TempDir()
	vs := newSet(t, dir)
	edit := &VersionEdit{}
	edit.AddFile(0, meta(vs.NewFileNumber(), "a", "b", 1))
	require.NoError(t, vs.LogAndApply(edit))

	// The second edit is torn by the crash.
	edit = &VersionEdit{}
	edit.AddFile(0, meta(vs.NewFileNumber(), "c", "d", 2))
	require.NoError(t, vs.LogAndApply(edit))
	num := vs.ManifestNumber()
	require.NoError(t, vs.Close())

	path := filepath.Join(dir, utils.ManifestName(num))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	vs = New(Options{Dir: dir})
	_, err = vs.Recover()
	require.NoError(t, err)
	v := vs.Current()
	defer v.Unref()
	require.Equal(t, 1, v.NumFiles(0))
	assert.Equal(t, []byte("a"), v.Files[0][0].Smallest)
}

func TestRecoverChecksumMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	vs := newSet(t, dir)
	for i := 0; i < 3; i++ {
		edit := &VersionEdit{}
		edit.AddFile(0, meta(vs.NewFileNumber(), "a", "b", uint64(i+1)))
		require.NoError(t, vs.LogAndApply(edit))
	}
	num := vs.ManifestNumber()
	require.NoError(t, vs.Close())

	path := filepath.Join(dir, utils.ManifestName(num))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[12] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = New(Options{Dir: dir}).Recover()
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))
}

func TestRecoverWithoutCurrent(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir()}).Recover()
	assert.ErrorIs(t, err, ErrNoCurrent)
}

func TestValidateFiles(t *testing.T) {
	vs := newSet(t, t.TempDir())
	defer vs.Close()
	edit := &VersionEdit{}
	for i := 0; i < 8; i++ {
		edit.AddFile(0, meta(vs.NewFileNumber(), "a", "b", uint64(i+1)))
	}
	require.NoError(t, vs.LogAndApply(edit))

	var checked atomic.Int32
	err := vs.ValidateFiles(context.Background(), 3, func(level int, f *FileMeta) error {
		checked.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(8), checked.Load())

	bad := errors.New("missing")
	err = vs.ValidateFiles(context.Background(), 3, func(level int, f *FileMeta) error {
		if f.MaxSeq == 5 {
			return bad
		}
		return nil
	})
	assert.ErrorIs(t, err, bad)
}

func TestVersionQueries(t *testing.T) {
	vs := newSet(t, t.TempDir())
	defer vs.Close()
	edit := &VersionEdit{}
	edit.AddFile(0, meta(1, "a", "z", 9))
	edit.AddFile(2, meta(2, "a", "c", 5))
	edit.AddFile(2, meta(3, "e", "g", 5))
	edit.AddFile(2, meta(4, "k", "p", 5))
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	defer v.Unref()
	assert.Equal(t, 2, v.DeepestNonEmpty())
	assert.Equal(t, uint64(9000), v.LevelSize(2))
	assert.Equal(t, uint64(3), v.FileForKey(2, []byte("f")).FileNum)
	assert.Nil(t, v.FileForKey(2, []byte("h")))
	assert.Nil(t, v.FileForKey(2, []byte("zz")))

	overlap := v.Overlapping(2, []byte("b"), []byte("f"))
	require.Len(t, overlap, 2)
	assert.Equal(t, uint64(2), overlap[0].FileNum)
	assert.Equal(t, uint64(3), overlap[1].FileNum)
	assert.Len(t, v.Overlapping(0, []byte("q"), []byte("r")), 1)
	assert.Len(t, v.Overlapping(2, nil, nil), 3)
	assert.Contains(t, v.String(), "L2:")
}
