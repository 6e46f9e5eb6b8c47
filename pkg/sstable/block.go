package sstable

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// blockBuilder builds a data block with prefix-compressed keys and restart
// points for binary search.
//
// Entry format:
//
//	+-----------------+-------------------+-----------------+
//	| Shared (varint) | Unshared (varint) | ValLen (varint) |
//	+-----------------+-------------------+-----------------+
//	| Seq<<8|Type (8B)| Key suffix        | Value           |
//	+-----------------+-------------------+-----------------+
//
// Shared is zero at every restart point, so restart keys are stored whole.
type blockBuilder struct {
	buf             []byte
	restarts        []uint32
	restartInterval int
	counter         int // entries since last restart
	entryCount      int
	lastKey         []byte
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &blockBuilder{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

func (b *blockBuilder) add(e *types.Entry) {
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, e.Key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}

	b.buf = encoding.AppendUvarint(b.buf, uint64(shared))
	b.buf = encoding.AppendUvarint(b.buf, uint64(len(e.Key)-shared))
	b.buf = encoding.AppendUvarint(b.buf, uint64(len(e.Value)))
	b.buf = encoding.AppendUint64(b.buf, e.SeqNum<<8|uint64(e.Type))
	b.buf = append(b.buf, e.Key[shared:]...)
	b.buf = append(b.buf, e.Value...)

	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.counter++
	b.entryCount++
}

// estimatedSize is the size finish would return.
func (b *blockBuilder) estimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

func (b *blockBuilder) empty() bool {
	return b.entryCount == 0
}

// finish appends the restart array. The result aliases the builder's
// buffer until reset.
func (b *blockBuilder) finish() []byte {
	for _, r := range b.restarts {
		b.buf = binary.BigEndian.AppendUint32(b.buf, r)
	}
	return binary.BigEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:1]
	b.counter = 0
	b.entryCount = 0
	b.lastKey = b.lastKey[:0]
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// block is a decoded, verified data block.
type block struct {
	data     []byte // entries region
	restarts []uint32
}

func parseBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, errors.New("block too short")
	}
	n := int(binary.BigEndian.Uint32(data[len(data)-4:]))
	restartsStart := len(data) - 4 - 4*n
	if n == 0 || restartsStart < 0 {
		return nil, errors.Newf("bad restart count %d", n)
	}
	restarts := make([]uint32, n)
	for i := range restarts {
		restarts[i] = binary.BigEndian.Uint32(data[restartsStart+4*i:])
		if int(restarts[i]) > restartsStart {
			return nil, errors.Newf("restart %d points past entries", i)
		}
	}
	return &block{data: data[:restartsStart], restarts: restarts}, nil
}

// decodeEntry decodes the entry at off given the previous key. It returns
// the entry and the offset of the next one.
func (b *block) decodeEntry(off int, prevKey []byte) (*types.Entry, int, error) {
	d := encoding.NewDecoder(b.data[off:])
	shared := d.Uvarint()
	unshared := d.Uvarint()
	valLen := d.Uvarint()
	trailer := d.Uint64()
	if d.Err() != nil {
		return nil, 0, errors.Wrapf(d.Err(), "entry header at %d", off)
	}
	if shared > uint64(len(prevKey)) || unshared+valLen > uint64(d.Len()) {
		return nil, 0, errors.Newf("entry at %d overruns block", off)
	}
	hdr := len(b.data[off:]) - d.Len()
	p := off + hdr

	key := make([]byte, int(shared+unshared))
	copy(key, prevKey[:shared])
	copy(key[shared:], b.data[p:p+int(unshared)])
	p += int(unshared)

	e := &types.Entry{Key: key, SeqNum: trailer >> 8, Type: types.EntryType(trailer & 0xff)}
	switch e.Type {
	case types.EntryTypePut:
		e.Value = b.data[p : p+int(valLen) : p+int(valLen)]
	case types.EntryTypeDelete:
	default:
		return nil, 0, errors.Newf("unknown entry type %d at %d", e.Type, off)
	}
	return e, p + int(valLen), nil
}

// blockIter walks the entries of one block. Returned entries own their keys
// and stay valid after the iterator moves.
type blockIter struct {
	b     *block
	next  int
	entry *types.Entry
	err   error
}

func newBlockIter(b *block) *blockIter {
	return &blockIter{b: b}
}

func (it *blockIter) Valid() bool { return it.entry != nil }

func (it *blockIter) seekToFirst() {
	it.next = 0
	it.entry = nil
	it.advance(nil)
}

func (it *blockIter) advance(prevKey []byte) {
	if it.err != nil || it.next >= len(it.b.data) {
		it.entry = nil
		return
	}
	e, next, err := it.b.decodeEntry(it.next, prevKey)
	if err != nil {
		it.err = err
		it.entry = nil
		return
	}
	it.entry = e
	it.next = next
}

func (it *blockIter) Next() {
	if it.entry == nil {
		return
	}
	it.advance(it.entry.Key)
}

// seek positions at the first entry with key >= target.
func (it *blockIter) seek(target []byte) {
	// Find the first restart whose key is >= target and start scanning from
	// the restart before it.
	var searchErr error
	i := sort.Search(len(it.b.restarts), func(i int) bool {
		e, _, err := it.b.decodeEntry(int(it.b.restarts[i]), nil)
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(e.Key, target) >= 0
	})
	if searchErr != nil {
		it.err = searchErr
		it.entry = nil
		return
	}
	if i > 0 {
		i--
	}
	it.next = int(it.b.restarts[i])
	it.entry = nil
	it.advance(nil)
	for it.entry != nil && bytes.Compare(it.entry.Key, target) < 0 {
		it.Next()
	}
}
