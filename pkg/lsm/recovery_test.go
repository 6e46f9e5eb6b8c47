package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/wal"
	"github.com/vladgaus/lsmkv/tests/testutil"
)

func onlyWALSegment(t *testing.T, dir string) string {
	t.Helper()
	segments := testutil.WALSegments(t, dir)
	require.Len(t, segments, 1)
	return segments[0]
}

func TestRecoveryAfterCleanClose(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put(key(i), []byte(fmt.Sprint(i))))
	}
	require.NoError(t, e.Delete(key(7)))
	require.NoError(t, e.Close())

	e = openEngine(t, opts)
	assert.False(t, utils.FileExists(filepath.Join(opts.Dir, utils.CleanShutdownFileName)),
		"marker is consumed by open")
	assert.Len(t, scanAll(t, e), 99)
	assert.Equal(t, uint64(101), e.Stats().LastSequence)

	require.NoError(t, e.Put([]byte("after"), []byte("reopen")))
	assert.Equal(t, uint64(102), e.Stats().LastSequence, "sequence numbers continue")
}

func TestRecoveryReplaysWAL(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put(key(i), []byte("v")))
	}
	require.NoError(t, e.Flush())
	for i := 50; i < 80; i++ {
		require.NoError(t, e.Put(key(i), []byte("v")))
	}
	require.NoError(t, e.Delete(key(0)))

	crashed := t.TempDir()
	testutil.CopyDir(t, opts.Dir, crashed)
	require.NoError(t, e.Close())

	copts := opts
	copts.Dir = crashed
	recovered := openEngine(t, copts)
	assert.Len(t, scanAll(t, recovered), 79)
	got, err := recovered.Get(key(0))
	require.NoError(t, err)
	assert.Nil(t, got)

	s := recovered.Stats()
	assert.Equal(t, uint64(81), s.LastSequence)
	assert.Equal(t, 2, s.Levels[0].Runs, "replayed writes are flushed at open")
	assert.Zero(t, s.MemtableEntries)
}

// Cutting the log anywhere must recover exactly a prefix of the writes.
func TestRecoveryAtTruncationOffsets(t *testing.T) {
	const n = 40
	opts := testOptions(t)
	opts.SyncPolicy = wal.SyncPerWrite
	e := openEngine(t, opts)
	for i := 0; i < n; i++ {
		require.NoError(t, e.Put(key(i), []byte(fmt.Sprintf("value-%d", i))))
	}
	image := t.TempDir()
	testutil.CopyDir(t, opts.Dir, image)
	require.NoError(t, e.Close())

	size := testutil.FileSize(t, onlyWALSegment(t, image))

	var offsets []int64
	for off := int64(0); off < size; off += 29 {
		offsets = append(offsets, off)
	}
	offsets = append(offsets, size-1, size)

	prev := -1
	for _, off := range offsets {
		dir := t.TempDir()
		testutil.CopyDir(t, image, dir)
		testutil.Truncate(t, onlyWALSegment(t, dir), off)

		copts := opts
		copts.Dir = dir
		r, err := Open(copts)
		require.NoError(t, err, "offset %d", off)

		recovered := 0
		for i := 0; i < n; i++ {
			got, err := r.Get(key(i))
			require.NoError(t, err)
			if got == nil {
				break
			}
			require.Equal(t, fmt.Sprintf("value-%d", i), string(got), "offset %d", off)
			recovered++
		}
		assert.Len(t, scanAll(t, r), recovered, "offset %d: recovered set is a prefix", off)
		assert.Equal(t, uint64(recovered), r.Stats().LastSequence)
		assert.GreaterOrEqual(t, recovered, prev, "longer logs never recover less")
		prev = recovered
		require.NoError(t, r.Close())
	}
	assert.Equal(t, n, prev, "an intact log recovers everything")
}

// A torn log tail stays recoverable when the engine crashes after
// rotating to a new segment but before publishing the replayed writes.
func TestRecoveryTornTailThenRotation(t *testing.T) {
	const n = 40
	opts := testOptions(t)
	opts.SyncPolicy = wal.SyncPerWrite
	e := openEngine(t, opts)
	for i := 0; i < n; i++ {
		require.NoError(t, e.Put(key(i), []byte(fmt.Sprintf("value-%d", i))))
	}
	crashed := t.TempDir()
	testutil.CopyDir(t, opts.Dir, crashed)
	require.NoError(t, e.Close())

	segment := onlyWALSegment(t, crashed)
	testutil.Truncate(t, segment, testutil.FileSize(t, segment)-5)
	_, num, ok := utils.ParseFileName(filepath.Base(segment))
	require.True(t, ok)
	rotated := utils.WALPath(filepath.Dir(segment), num+100)
	require.NoError(t, os.WriteFile(rotated, nil, 0o644))

	copts := opts
	copts.Dir = crashed
	r := openEngine(t, copts)
	assert.Len(t, scanAll(t, r), n-1)
	got, err := r.Get(key(n - 2))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("value-%d", n-2), string(got))

	assert.False(t, utils.FileExists(rotated), "replayed segments are pruned")
	assert.Greater(t, r.Stats().LogNumber, num+100)

	// And again after a clean close.
	require.NoError(t, r.Close())
	r = openEngine(t, copts)
	assert.Len(t, scanAll(t, r), n-1)
}

func TestRecoveryRejectsDamagedRun(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	v := e.versions.Current()
	run := utils.SSTablePath(opts.Dir, v.Files[0][0].FileNum)
	v.Unref()
	require.NoError(t, e.Close())

	testutil.Truncate(t, run, testutil.FileSize(t, run)-1)

	_, err := Open(opts)
	require.Error(t, err)
	var re *errors.RecoveryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "sstable", re.Phase)

	// A failed open releases the lock.
	testutil.Truncate(t, run, 0)
	_, err = Open(opts)
	assert.False(t, IsLocked(err))
}

func TestRecoveryRemovesOrphans(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	orphan := utils.SSTablePath(opts.Dir, 999)
	temp := filepath.Join(opts.Dir, "CURRENT.tmp")
	staleManifest := filepath.Join(opts.Dir, utils.ManifestName(998))
	for _, p := range []string{orphan, temp, staleManifest} {
		require.NoError(t, os.WriteFile(p, []byte("junk"), 0o644))
	}

	e = openEngine(t, opts)
	assert.False(t, utils.FileExists(orphan))
	assert.False(t, utils.FileExists(temp))
	assert.False(t, utils.FileExists(staleManifest))

	assert.Len(t, testutil.SSTables(t, opts.Dir), 1, "the live run stays")
	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestRecoveryManifestCheckpointOnOpen(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)
	first := e.Stats().ManifestNumber
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	e = openEngine(t, opts)
	assert.Greater(t, e.Stats().ManifestNumber, first)
	assert.False(t, utils.FileExists(filepath.Join(opts.Dir, utils.ManifestName(first))))
}
