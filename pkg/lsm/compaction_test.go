package lsm

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/pkg/manifest"
)

// fillUntilFrozen writes fresh keys until the active memtable is frozen
// and returns the keys written.
func fillUntilFrozen(t *testing.T, e *Engine, next *int) [][]byte {
	t.Helper()
	before := e.Stats()
	frozen := before.Flushes + int64(before.ImmutableMemtables)
	var keys [][]byte
	value := bytes.Repeat([]byte("x"), 128)
	for {
		k := key(*next)
		*next++
		require.NoError(t, e.Put(k, value))
		keys = append(keys, k)
		s := e.Stats()
		if s.Flushes+int64(s.ImmutableMemtables) > frozen {
			return keys
		}
		require.Less(t, len(keys), 10000, "memtable never froze")
	}
}

func waitForFlushes(t *testing.T, e *Engine, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.Flushes >= n && s.ImmutableMemtables == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func checkDisjoint(t *testing.T, v *manifest.Version) {
	t.Helper()
	require.NoError(t, v.CheckOrdering())
	for level := 1; level < len(v.Files); level++ {
		files := v.Files[level]
		for i := 1; i < len(files); i++ {
			require.Negative(t, bytes.Compare(files[i-1].Largest, files[i].Smallest),
				"L%d runs %d and %d overlap", level, files[i-1].FileNum, files[i].FileNum)
		}
	}
}

// Two threshold crossings give two L0 runs. At the limit nothing is
// compacted; the next flush breaches it and L0 drains into disjoint L1
// runs holding the same keys.
func TestTwoFlushesThenL0Breach(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableSizeThreshold = 8 << 10
	opts.L0RunLimit = 2
	opts.TargetFileSize = 4 << 10
	e := openEngine(t, opts)

	next := 0
	var keys [][]byte
	keys = append(keys, fillUntilFrozen(t, e, &next)...)
	keys = append(keys, fillUntilFrozen(t, e, &next)...)
	waitForFlushes(t, e, 2)

	s := e.Stats()
	assert.Equal(t, int64(2), s.Flushes)
	assert.Equal(t, 2, s.Levels[0].Runs, "at the limit, not over it")
	assert.Zero(t, s.Levels[1].Runs)
	assert.Zero(t, s.Compaction.Compactions)

	keys = append(keys, fillUntilFrozen(t, e, &next)...)
	waitForFlushes(t, e, 3)
	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.Levels[0].Runs < opts.L0RunLimit && s.Levels[1].Runs > 0
	}, 5*time.Second, 5*time.Millisecond)

	v := e.versions.Current()
	checkDisjoint(t, v)
	var covered uint64
	for _, f := range v.Files[1] {
		covered += f.NumEntries
	}
	v.Unref()
	assert.Equal(t, uint64(len(keys)), covered, "every key moved to L1 once")
	assert.Greater(t, e.Stats().Compaction.Compactions, int64(0))

	for _, k := range keys {
		got, err := e.Get(k)
		require.NoError(t, err)
		require.NotNil(t, got, "%s", k)
	}
}

func TestLeveledDisjointAfterCompaction(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableSizeThreshold = 8 << 10
	opts.TargetFileSize = 4 << 10
	opts.LevelBaseSize = 2 << 10
	opts.LevelFanout = 2
	opts.L0RunLimit = 2
	opts.CompactionWorkers = 3
	e := openEngine(t, opts)

	// Overwrites and deletes across the whole key space.
	want := map[string]string{}
	for round := 0; round < 4; round++ {
		for i := 0; i < 400; i++ {
			k := key((i * 7) % 400)
			switch {
			case round == 3 && i%5 == 0:
				require.NoError(t, e.Delete(k))
				delete(want, string(k))
			default:
				v := fmt.Sprintf("r%d-%d", round, i)
				require.NoError(t, e.Put(k, []byte(v)))
				want[string(k)] = v
			}
		}
	}
	require.NoError(t, e.Compact())

	v := e.versions.Current()
	checkDisjoint(t, v)
	assert.Zero(t, v.NumFiles(0))
	v.Unref()

	got := scanAll(t, e)
	assert.Len(t, got, len(want))
	for _, kv := range got {
		k, val, _ := bytes.Cut([]byte(kv), []byte("="))
		assert.Equal(t, want[string(k)], string(val))
	}

	// The same state after a restart.
	require.NoError(t, e.Close())
	e = openEngine(t, opts)
	assert.Equal(t, got, scanAll(t, e))
}

func TestCompactEmptyEngine(t *testing.T) {
	e := openEngine(t, testOptions(t))
	require.NoError(t, e.Compact())
	assert.Empty(t, scanAll(t, e))
}

func TestCompactDropsBottomTombstones(t *testing.T) {
	e := openEngine(t, testOptions(t))
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put(key(i), []byte("v")))
	}
	require.NoError(t, e.Flush())
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Delete(key(i)))
	}
	require.NoError(t, e.Compact())

	s := e.Stats()
	for _, l := range s.Levels {
		assert.Zero(t, l.Runs, "L%d: everything was deleted", l.Level)
	}
	assert.Equal(t, int64(10), s.Compaction.TombstonesDropped)
	assert.Empty(t, scanAll(t, e))
}
