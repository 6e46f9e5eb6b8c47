package sstable

import (
	"bytes"
	"os"
	"sort"
	"sync/atomic"

	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/pkg/bloom"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// Reader reads one sstable. The footer, index, filter and properties are
// loaded and verified by Open; data blocks are read and verified on demand.
//
// Thread Safety: Reader is safe for concurrent use. Iterators are not.
type Reader struct {
	file    *os.File
	path    string
	fileNum uint64
	size    int64

	footer *Footer
	index  []indexEntry
	filter *bloom.Filter
	props  *Properties

	closed atomic.Bool
}

// Open opens and verifies the sstable at path.
func Open(path string, fileNum uint64) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("open", path, err)
	}
	r := &Reader{file: file, path: path, fileNum: fileNum}
	if err := r.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	st, err := r.file.Stat()
	if err != nil {
		return errors.NewIOError("stat", r.path, err)
	}
	r.size = st.Size()
	if r.size < FooterSize {
		return errors.NewCorruptionErrorf(r.path, 0, "file is %d bytes, shorter than the footer", r.size)
	}

	buf := make([]byte, FooterSize)
	footerOff := r.size - FooterSize
	if _, err := r.file.ReadAt(buf, footerOff); err != nil {
		return errors.NewIOError("read", r.path, err)
	}
	if r.footer, err = decodeFooter(buf, r.path, footerOff); err != nil {
		return err
	}

	data, err := r.readBlock(r.footer.IndexHandle)
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(data); err != nil {
		return errors.NewCorruptionError(r.path, int64(r.footer.IndexHandle.Offset), err.Error())
	}
	for i := 1; i < len(r.index); i++ {
		if bytes.Compare(r.index[i-1].firstKey, r.index[i].firstKey) >= 0 {
			return errors.NewCorruptionErrorf(r.path, int64(r.footer.IndexHandle.Offset), "index keys out of order at %d", i)
		}
	}

	data, err = r.readBlock(r.footer.PropsHandle)
	if err != nil {
		return err
	}
	if r.props, err = decodeProperties(data); err != nil {
		return errors.NewCorruptionError(r.path, int64(r.footer.PropsHandle.Offset), err.Error())
	}
	r.props.FileSize = uint64(r.size)

	if r.footer.FilterHandle.Size > 0 {
		data, err = r.readBlock(r.footer.FilterHandle)
		if err != nil {
			return err
		}
		if r.filter, err = bloom.Decode(data); err != nil {
			return errors.NewCorruptionError(r.path, int64(r.footer.FilterHandle.Offset), err.Error())
		}
	}
	return nil
}

// readBlock reads the block at h, verifies its trailer and returns the
// decompressed payload.
func (r *Reader) readBlock(h BlockHandle) ([]byte, error) {
	off := int64(h.Offset)
	if h.Offset+h.Size+BlockTrailerSize > uint64(r.size-FooterSize) {
		return nil, errors.NewCorruptionErrorf(r.path, off, "block handle [%d,+%d) out of bounds", h.Offset, h.Size)
	}
	buf := make([]byte, h.Size+BlockTrailerSize)
	if _, err := r.file.ReadAt(buf, off); err != nil {
		return nil, errors.NewIOError("read", r.path, err)
	}
	stored := buf[:h.Size]
	typ := buf[h.Size]
	want := encoding.ByteOrder.Uint32(buf[h.Size+1:])
	if got := encoding.ExtendChecksum(encoding.Checksum(stored), buf[h.Size:h.Size+1]); got != want {
		return nil, errors.NewCorruptionErrorf(r.path, off, "block checksum mismatch: stored %#x, computed %#x", want, got)
	}
	data, err := decompressBlock(Compression(typ), stored)
	if err != nil {
		return nil, errors.NewCorruptionErrorf(r.path, off, "decompress: %v", err)
	}
	return data, nil
}

func (r *Reader) loadDataBlock(i int) (*block, error) {
	h := r.index[i].handle
	data, err := r.readBlock(h)
	if err != nil {
		return nil, err
	}
	b, err := parseBlock(data)
	if err != nil {
		return nil, errors.NewCorruptionError(r.path, int64(h.Offset), err.Error())
	}
	return b, nil
}

// findBlock returns the index of the block that could hold key, or -1.
func (r *Reader) findBlock(key []byte) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	return i - 1
}

// Get returns the entry for key, tombstones included, or nil when the
// table has none.
func (r *Reader) Get(key []byte) (*types.Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if r.filter != nil && !r.filter.MayContain(key) {
		return nil, nil
	}
	bi := r.findBlock(key)
	if bi < 0 {
		return nil, nil
	}
	b, err := r.loadDataBlock(bi)
	if err != nil {
		return nil, err
	}
	it := newBlockIter(b)
	it.seek(key)
	if it.err != nil {
		return nil, errors.NewCorruptionError(r.path, int64(r.index[bi].handle.Offset), it.err.Error())
	}
	if it.Valid() && bytes.Equal(it.entry.Key, key) {
		return it.entry, nil
	}
	return nil, nil
}

// Verify reads and checks every data block.
func (r *Reader) Verify() error {
	it := r.NewIterator()
	defer it.Close()
	var prev []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Entry().Key
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			return errors.NewCorruptionErrorf(r.path, -1, "keys out of order: %q after %q", k, prev)
		}
		prev = k
	}
	return it.Error()
}

// Properties returns the table properties.
func (r *Reader) Properties() *Properties { return r.props }

// FileNum returns the file number the table was opened with.
func (r *Reader) FileNum() uint64 { return r.fileNum }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Size returns the file size.
func (r *Reader) Size() int64 { return r.size }

// Footer returns the decoded footer.
func (r *Reader) Footer() Footer { return *r.footer }

// Close closes the file.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.file.Close()
}

// NewIterator returns an iterator over all entries of the table.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Iterator walks an sstable in key order. It implements
// types.InternalIterator.
type Iterator struct {
	r        *Reader
	blockIdx int
	bi       *blockIter
	err      error
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.bi != nil && it.bi.Valid()
}

func (it *Iterator) Entry() *types.Entry {
	if !it.Valid() {
		return nil
	}
	return it.bi.entry
}

func (it *Iterator) SeekToFirst() {
	it.err = nil
	if !it.loadBlock(0) {
		return
	}
	it.bi.seekToFirst()
	it.skipEmpty()
}

func (it *Iterator) Seek(key []byte) {
	it.err = nil
	idx := max(it.r.findBlock(key), 0)
	if !it.loadBlock(idx) {
		return
	}
	it.bi.seek(key)
	it.skipEmpty()
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.bi.Next()
	it.skipEmpty()
}

// skipEmpty moves to the next block while the current one is exhausted.
func (it *Iterator) skipEmpty() {
	for it.err == nil && it.bi != nil && !it.bi.Valid() {
		if it.bi.err != nil {
			it.err = errors.NewCorruptionError(it.r.path, int64(it.r.index[it.blockIdx].handle.Offset), it.bi.err.Error())
			return
		}
		if !it.loadBlock(it.blockIdx + 1) {
			return
		}
		it.bi.seekToFirst()
	}
}

func (it *Iterator) loadBlock(idx int) bool {
	it.bi = nil
	it.blockIdx = idx
	if idx >= len(it.r.index) {
		return false
	}
	if it.r.closed.Load() {
		it.err = ErrClosed
		return false
	}
	b, err := it.r.loadDataBlock(idx)
	if err != nil {
		it.err = err
		return false
	}
	it.bi = newBlockIter(b)
	return true
}

func (it *Iterator) Error() error { return it.err }

func (it *Iterator) Close() error {
	it.bi = nil
	return nil
}

var _ types.InternalIterator = (*Iterator)(nil)
