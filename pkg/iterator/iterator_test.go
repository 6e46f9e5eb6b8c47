package iterator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

func entry(key, value string, seq uint64) *types.Entry {
	return types.NewEntry([]byte(key), []byte(value), seq)
}

func tombstone(key string, seq uint64) *types.Entry {
	return types.NewTombstone([]byte(key), seq)
}

func collectInternal(it types.InternalIterator) []string {
	var out []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, it.Entry().String())
	}
	return out
}

func collectUser(t *testing.T, it *UserIterator) map[string]string {
	t.Helper()
	out := map[string]string{}
	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out[string(it.Key())] = string(it.Value())
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	assert.IsIncreasing(t, keys)
	return out
}

func TestEmptyIterator(t *testing.T) {
	it := Empty()
	it.SeekToFirst()
	assert.False(t, it.Valid())
	it.Seek([]byte("a"))
	assert.False(t, it.Valid())
	assert.NoError(t, it.Close())
}

func TestSliceIteratorSortsAndSeeks(t *testing.T) {
	it := FromSlice([]*types.Entry{entry("b", "1", 1), entry("a", "1", 2), entry("b", "2", 5)})
	assert.Equal(t, []string{`"a"#2,PUT="1"`, `"b"#5,PUT="2"`, `"b"#1,PUT="1"`}, collectInternal(it))

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	assert.Equal(t, uint64(5), it.Entry().SeqNum)
}

func TestMergingIteratorOrder(t *testing.T) {
	newer := FromSlice([]*types.Entry{entry("a", "3", 30), tombstone("c", 31)})
	older := FromSlice([]*types.Entry{entry("a", "1", 10), entry("b", "1", 11), entry("c", "1", 12)})
	m := NewMergingIterator(newer, older)
	defer m.Close()

	assert.Equal(t, []string{
		`"a"#30,PUT="3"`,
		`"a"#10,PUT="1"`,
		`"b"#11,PUT="1"`,
		`"c"#31,DEL`,
		`"c"#12,PUT="1"`,
	}, collectInternal(m))

	m.Seek([]byte("b"))
	require.True(t, m.Valid())
	assert.Equal(t, []byte("b"), m.Entry().Key)
}

func TestMergingIteratorTieGoesToEarlierSource(t *testing.T) {
	first := FromSlice([]*types.Entry{entry("k", "first", 7)})
	second := FromSlice([]*types.Entry{entry("k", "second", 7)})
	m := NewMergingIterator(first, second)
	m.SeekToFirst()
	require.True(t, m.Valid())
	assert.Equal(t, []byte("first"), m.Entry().Value)
}

type failingIterator struct {
	types.InternalIterator
	err error
}

func (f *failingIterator) Valid() bool  { return false }
func (f *failingIterator) Error() error { return f.err }

func TestMergingIteratorPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	m := NewMergingIterator(FromSlice([]*types.Entry{entry("a", "1", 1)}), &failingIterator{Empty(), boom})
	m.SeekToFirst()
	assert.False(t, m.Valid())
	assert.ErrorIs(t, m.Error(), boom)

	u := NewUserIterator(m, types.MaxSeqNum, nil, nil, nil)
	u.SeekToFirst()
	assert.False(t, u.Valid())
	assert.ErrorIs(t, u.Error(), boom)
}

func TestUserIteratorVisibility(t *testing.T) {
	mem := FromSlice([]*types.Entry{entry("a", "a2", 20), tombstone("b", 21), entry("d", "d2", 25)})
	disk := FromSlice([]*types.Entry{entry("a", "a1", 1), entry("b", "b1", 2), entry("c", "c1", 3), entry("d", "d1", 4)})

	u := NewUserIterator(NewMergingIterator(mem, disk), types.MaxSeqNum, nil, nil, nil)
	assert.Equal(t, map[string]string{"a": "a2", "c": "c1", "d": "d2"}, collectUser(t, u))

	// A snapshot taken before seq 21 still sees b and the old d.
	mem = FromSlice([]*types.Entry{entry("a", "a2", 20), tombstone("b", 21), entry("d", "d2", 25)})
	disk = FromSlice([]*types.Entry{entry("a", "a1", 1), entry("b", "b1", 2), entry("c", "c1", 3), entry("d", "d1", 4)})
	u = NewUserIterator(NewMergingIterator(mem, disk), 20, nil, nil, nil)
	assert.Equal(t, map[string]string{"a": "a2", "b": "b1", "c": "c1", "d": "d1"}, collectUser(t, u))
}

func TestUserIteratorBounds(t *testing.T) {
	var entries []*types.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, entry(fmt.Sprintf("k%d", i), "v", uint64(i+1)))
	}

	u := NewUserIterator(FromSlice(entries), types.MaxSeqNum, []byte("k3"), []byte("k6"), nil)
	assert.Equal(t, map[string]string{"k3": "v", "k4": "v", "k5": "v"}, collectUser(t, u))

	u = NewUserIterator(FromSlice(entries), types.MaxSeqNum, []byte("k8"), nil, nil)
	assert.Len(t, collectUser(t, u), 2)

	u = NewUserIterator(FromSlice(entries), types.MaxSeqNum, []byte("k5"), []byte("k5"), nil)
	assert.Empty(t, collectUser(t, u))
}

func TestUserIteratorEmptyValue(t *testing.T) {
	u := NewUserIterator(FromSlice([]*types.Entry{entry("a", "", 1)}), types.MaxSeqNum, nil, nil, nil)
	u.SeekToFirst()
	require.True(t, u.Valid())
	assert.NotNil(t, u.Value())
	assert.Empty(t, u.Value())
}

func TestUserIteratorCloseRunsHookOnce(t *testing.T) {
	calls := 0
	u := NewUserIterator(Empty(), types.MaxSeqNum, nil, nil, func() error { calls++; return nil })
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.Equal(t, 1, calls)
	assert.False(t, u.Valid())
}
