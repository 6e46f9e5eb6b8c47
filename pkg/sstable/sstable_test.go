package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

func makeEntries(n int) []*types.Entry {
	entries := make([]*types.Entry, n)
	for i := range entries {
		key := []byte(fmt.Sprintf("key-%06d", i))
		switch {
		case i%7 == 3:
			entries[i] = types.NewTombstone(key, uint64(1000+i))
		case i%11 == 5:
			entries[i] = types.NewEntry(key, []byte{}, uint64(1000+i))
		default:
			entries[i] = types.NewEntry(key, []byte(fmt.Sprintf("value-%d-%s", i, "padding-to-make-blocks-compressible")), uint64(1000+i))
		}
	}
	return entries
}

func writeTable(t *testing.T, path string, entries []*types.Entry, opts WriterOptions) *Properties {
	t.Helper()
	w, err := Create(path, opts)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	props, err := w.Finish()
	require.NoError(t, err)
	return props
}

func TestWriteReadAllCompressions(t *testing.T) {
	entries := makeEntries(2000)
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "000001.sst")
			props := writeTable(t, path, entries, WriterOptions{
				BlockSize:       1024,
				Compression:     c,
				BloomBitsPerKey: 10,
			})
			assert.Equal(t, uint64(len(entries)), props.EntryCount)
			assert.Greater(t, props.DataBlocks, uint64(1))
			assert.Equal(t, entries[0].Key, props.SmallestKey)
			assert.Equal(t, entries[len(entries)-1].Key, props.LargestKey)
			assert.Equal(t, uint64(1000), props.MinSeqNum)
			assert.Equal(t, uint64(1000+len(entries)-1), props.MaxSeqNum)

			r, err := Open(path, 1)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, props.EntryCount, r.Properties().EntryCount)
			assert.Equal(t, props.FileSize, uint64(r.Size()))
			assert.Equal(t, c, r.Properties().Compression)

			it := r.NewIterator()
			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				got := it.Entry()
				assert.Equal(t, entries[i].Key, got.Key)
				assert.Equal(t, entries[i].Type, got.Type)
				assert.Equal(t, entries[i].SeqNum, got.SeqNum)
				assert.Equal(t, entries[i].Value, got.Value)
				i++
			}
			require.NoError(t, it.Error())
			assert.Equal(t, len(entries), i)
			require.NoError(t, r.Verify())
		})
	}
}

func TestGet(t *testing.T) {
	entries := makeEntries(500)
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeTable(t, path, entries, WriterOptions{BlockSize: 512, Compression: SnappyCompression, BloomBitsPerKey: 10})

	r, err := Open(path, 1)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range entries {
		got, err := r.Get(want.Key)
		require.NoError(t, err)
		require.NotNil(t, got, "key %s", want.Key)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.SeqNum, got.SeqNum)
		if want.Type == types.EntryTypePut {
			assert.NotNil(t, got.Value)
			assert.Equal(t, want.Value, got.Value)
		} else {
			assert.Nil(t, got.Value)
		}
	}

	for _, k := range []string{"a", "key-000000x", "key-999999", "zzz"} {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		assert.Nil(t, got, "key %s", k)
	}
}

func TestSeek(t *testing.T) {
	var entries []*types.Entry
	for i := 0; i < 300; i += 2 {
		entries = append(entries, types.NewEntry([]byte(fmt.Sprintf("k%04d", i)), []byte("v"), uint64(i+1)))
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeTable(t, path, entries, WriterOptions{BlockSize: 256, RestartInterval: 4})

	r, err := Open(path, 1)
	require.NoError(t, err)
	defer r.Close()
	it := r.NewIterator()

	it.Seek([]byte("k0101"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k0102"), it.Entry().Key)

	it.Seek([]byte("k0100"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k0100"), it.Entry().Key)

	it.Seek([]byte("a"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k0000"), it.Entry().Key)

	it.Seek([]byte("k0299"))
	assert.False(t, it.Valid())
	assert.NoError(t, it.Error())
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := Create(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(types.NewEntry([]byte("b"), []byte("1"), 1)))
	err = w.Add(types.NewEntry([]byte("a"), []byte("1"), 2))
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	err = w.Add(types.NewEntry([]byte("b"), []byte("2"), 3))
	assert.Error(t, err)

	_, err = w.Finish()
	assert.Error(t, err)
	assert.False(t, utils.FileExists(path), "failed table is removed")
}

func TestAbortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := Create(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(types.NewEntry([]byte("a"), []byte("1"), 1)))
	w.Abort()
	assert.False(t, utils.FileExists(path))
}

func TestCorruptedDataBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeTable(t, path, makeEntries(200), WriterOptions{BlockSize: 512})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := Open(path, 1)
	require.NoError(t, err, "data blocks are verified lazily")
	defer r.Close()

	_, err = r.Get([]byte("key-000000"))
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))

	err = r.Verify()
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))
}

func TestCorruptedFooterAndIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeTable(t, path, makeEntries(200), WriterOptions{BlockSize: 512, BloomBitsPerKey: 10})
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	cases := map[string]func([]byte) []byte{
		"truncated footer": func(b []byte) []byte { return b[:len(b)-10] },
		"bad magic":        func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b },
		"footer checksum":  func(b []byte) []byte { b[len(b)-FooterSize+3] ^= 0xff; return b },
		"meta block":       func(b []byte) []byte { b[len(b)-FooterSize-40] ^= 0xff; return b },
		"tiny file":        func(b []byte) []byte { return b[:8] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			bad := mutate(append([]byte(nil), data...))
			p := filepath.Join(t.TempDir(), "000002.sst")
			require.NoError(t, os.WriteFile(p, bad, 0o644))
			_, err := Open(p, 2)
			require.Error(t, err)
			assert.True(t, errors.IsCorruption(err), "got %v", err)
		})
	}
}

func TestEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	props := writeTable(t, path, nil, WriterOptions{BloomBitsPerKey: 10})
	assert.Zero(t, props.EntryCount)

	r, err := Open(path, 1)
	require.NoError(t, err)
	defer r.Close()
	it := r.NewIterator()
	it.SeekToFirst()
	assert.False(t, it.Valid())
	got, err := r.Get([]byte("x"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThrottle(t *testing.T) {
	var total int
	path := filepath.Join(t.TempDir(), "000001.sst")
	props := writeTable(t, path, makeEntries(300), WriterOptions{
		BlockSize: 512,
		Throttle:  func(n int) error { total += n; return nil },
	})
	assert.Equal(t, props.FileSize-FooterSize, uint64(total))
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, utils.SSTableDir), 0o755))
	writeTable(t, utils.SSTablePath(dir, 7), makeEntries(10), WriterOptions{})

	c := NewCache(dir)
	r1, err := c.Get(7)
	require.NoError(t, err)
	r2, err := c.Get(7)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, c.Len())

	_, err = c.Get(8)
	assert.True(t, errors.IsIO(err))

	c.Evict(7)
	assert.Equal(t, 0, c.Len())
	_, err = r1.Get([]byte("key-000001"))
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, c.Close())
	_, err = c.Get(7)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCacheConcurrentFirstUse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, utils.SSTableDir), 0o755))
	writeTable(t, utils.SSTablePath(dir, 7), makeEntries(100), WriterOptions{})

	c := NewCache(dir)
	t.Cleanup(func() { _ = c.Close() })

	readers := make([]*Reader, 16)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Get(7)
			assert.NoError(t, err)
			readers[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range readers[1:] {
		assert.Same(t, readers[0], r)
	}
	assert.Equal(t, 1, c.Len())
	ent, err := readers[0].Get([]byte("key-000001"))
	require.NoError(t, err)
	assert.NotNil(t, ent)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{
		"none": NoCompression, "enabled": SnappyCompression,
		"snappy": SnappyCompression, "ZSTD": ZstdCompression,
	} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}

func BenchmarkGet(b *testing.B) {
	entries := makeEntries(10000)
	path := filepath.Join(b.TempDir(), "000001.sst")
	w, _ := Create(path, WriterOptions{BloomBitsPerKey: 10, Compression: SnappyCompression})
	for _, e := range entries {
		_ = w.Add(e)
	}
	_, _ = w.Finish()
	r, err := Open(path, 1)
	if err != nil {
		b.Fatal(err)
	}
	defer r.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = r.Get(entries[i%len(entries)].Key)
	}
}
