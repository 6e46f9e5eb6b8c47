package lsm

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/internal/utils"
)

func TestScanBounds(t *testing.T) {
	e := openEngine(t, testOptions(t))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("bb"), []byte("bb")))
	require.NoError(t, e.Delete([]byte("c")))

	tests := []struct {
		name       string
		start, end []byte
		want       []string
	}{
		{"unbounded", nil, nil, []string{"a=a", "b=b", "bb=bb", "d=d", "e=e"}},
		{"start inclusive", []byte("b"), nil, []string{"b=b", "bb=bb", "d=d", "e=e"}},
		{"end exclusive", nil, []byte("d"), []string{"a=a", "b=b", "bb=bb"}},
		{"both", []byte("bb"), []byte("e"), []string{"bb=bb", "d=d"}},
		{"empty range", []byte("c"), []byte("c"), nil},
		{"past the end", []byte("z"), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := e.Scan(tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, collect(t, it))
		})
	}
}

func TestScanAcrossLevels(t *testing.T) {
	opts := testOptions(t)
	opts.TargetFileSize = 2 << 10
	e := openEngine(t, opts)

	for i := 0; i < 300; i++ {
		require.NoError(t, e.Put(key(i), []byte("old")))
	}
	require.NoError(t, e.Compact())
	for i := 0; i < 300; i += 3 {
		require.NoError(t, e.Put(key(i), []byte("new")))
	}
	require.NoError(t, e.Flush())
	for i := 1; i < 300; i += 3 {
		require.NoError(t, e.Delete(key(i)))
	}

	s := e.Stats()
	require.Greater(t, s.Levels[1].Runs, 1, "several disjoint runs in L1")

	it, err := e.Scan(key(100), key(200))
	require.NoError(t, err)
	got := collect(t, it)
	var want []string
	for i := 100; i < 200; i++ {
		switch i % 3 {
		case 0:
			want = append(want, string(key(i))+"=new")
		case 2:
			want = append(want, string(key(i))+"=old")
		}
	}
	assert.Equal(t, want, got)
}

// A scan sees the engine as of the call, whatever flushes and
// compactions publish while it is open.
func TestScanSnapshotIsolation(t *testing.T) {
	opts := testOptions(t)
	opts.L0RunLimit = 1
	e := openEngine(t, opts)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, e.Put(key(i), []byte("v1")))
	}
	require.NoError(t, e.Flush())
	for i := 0; i < n/2; i++ {
		require.NoError(t, e.Put(key(i), []byte("v1")))
	}

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		if i%4 == 0 {
			require.NoError(t, e.Delete(key(i)))
		} else {
			require.NoError(t, e.Put(key(i), []byte("v2")))
		}
	}
	require.NoError(t, e.Put([]byte("zzz"), []byte("late")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Compact())

	got := collect(t, it)
	require.Len(t, got, n)
	for i, kv := range got {
		assert.Equal(t, string(key(i))+"=v1", kv)
	}

	after := scanAll(t, e)
	assert.Len(t, after, n-n/4+1)
}

// Superseded runs stay on disk while a scan holds the Version that
// references them, and go once it is closed.
func TestScanPinsRuns(t *testing.T) {
	opts := testOptions(t)
	e := openEngine(t, opts)

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())

	v := e.versions.Current()
	var pinned []string
	for _, f := range v.Files[0] {
		pinned = append(pinned, utils.SSTablePath(opts.Dir, f.FileNum))
	}
	v.Unref()
	require.Len(t, pinned, 2)

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Compact())

	stats := e.Stats()
	assert.Zero(t, stats.Levels[0].Runs)
	assert.Equal(t, 1, stats.Levels[1].Runs)
	for _, p := range pinned {
		assert.True(t, utils.FileExists(p), "%s is still referenced by the scan", filepath.Base(p))
	}

	assert.Equal(t, []string{"a=1", "b=2"}, collect(t, it))
	for _, p := range pinned {
		assert.False(t, utils.FileExists(p), "%s is removed after the scan closes", filepath.Base(p))
	}
	assert.Equal(t, []string{"a=1", "b=2"}, scanAll(t, e))
}

func TestScanCloseIsIdempotent(t *testing.T) {
	e := openEngine(t, testOptions(t))
	require.NoError(t, e.Put([]byte("a"), []byte("1")))

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.False(t, it.Valid())
	assert.Zero(t, e.Stats().OpenScans)
}

func TestScanLargeKeySpace(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableSizeThreshold = 16 << 10
	opts.TargetFileSize = 8 << 10
	opts.LevelBaseSize = 4 << 10
	e := openEngine(t, opts)

	const n = 2000
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, e.Put(key(i), []byte(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, e.Compact())

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, n)
	for i, kv := range got {
		require.Equal(t, fmt.Sprintf("%s=%d", key(i), i), kv)
	}
}
