package compaction

import (
	"bytes"

	"github.com/vladgaus/lsmkv/pkg/types"
)

// CompactionIterator reduces an internal-order stream to the entries a
// compaction writes: the newest version of each key, with tombstones
// dropped when dropTombstones is set.
//
// Older versions need not be kept for readers: an open scan pins the
// Version holding the input runs, so it never reads compaction output.
type CompactionIterator struct {
	inner          types.InternalIterator
	dropTombstones bool

	cur     *types.Entry
	prevKey []byte

	// Counters for the Result.
	shadowed   uint64
	tombstones uint64
}

// NewCompactionIterator wraps inner, which must yield internal order.
func NewCompactionIterator(inner types.InternalIterator, dropTombstones bool) *CompactionIterator {
	return &CompactionIterator{inner: inner, dropTombstones: dropTombstones}
}

// First positions at the first entry to write.
func (c *CompactionIterator) First() {
	c.prevKey = nil
	c.inner.SeekToFirst()
	c.findNext()
}

// Valid reports whether an entry is available.
func (c *CompactionIterator) Valid() bool {
	return c.cur != nil
}

// Entry returns the entry to write.
func (c *CompactionIterator) Entry() *types.Entry {
	return c.cur
}

// Next moves to the next key.
func (c *CompactionIterator) Next() {
	if c.cur == nil {
		return
	}
	c.inner.Next()
	c.findNext()
}

func (c *CompactionIterator) findNext() {
	c.cur = nil
	for ; c.inner.Valid(); c.inner.Next() {
		e := c.inner.Entry()
		if c.prevKey != nil && bytes.Equal(e.Key, c.prevKey) {
			c.shadowed++
			continue
		}
		c.prevKey = append(c.prevKey[:0], e.Key...)
		if e.IsDeleted() && c.dropTombstones {
			c.tombstones++
			continue
		}
		c.cur = e
		return
	}
}

// Error returns the first error of the inner iterator.
func (c *CompactionIterator) Error() error {
	return c.inner.Error()
}

// Close closes the inner iterator.
func (c *CompactionIterator) Close() error {
	c.cur = nil
	return c.inner.Close()
}
