package iterator

import (
	"container/heap"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// MergingIterator merges sorted sources into one stream in internal order
// (key ascending, seq descending). Every version from every source is
// returned; deduplication is up to the caller.
//
// Usage:
//
//	iter := NewMergingIterator(memIter, immIter, tableIter)
//	defer iter.Close()
//	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
//	    e := iter.Entry()
//	}
type MergingIterator struct {
	sources []types.InternalIterator
	heap    mergeHeap
	err     error
}

// NewMergingIterator creates a merging iterator. Sources are ordered newest
// first; ties on the full internal key go to the earlier source.
func NewMergingIterator(sources ...types.InternalIterator) *MergingIterator {
	m := &MergingIterator{sources: sources}
	m.heap.sources = sources
	return m
}

func (m *MergingIterator) Valid() bool {
	return m.err == nil && len(m.heap.items) > 0
}

func (m *MergingIterator) Entry() *types.Entry {
	if !m.Valid() {
		return nil
	}
	return m.sources[m.heap.items[0]].Entry()
}

func (m *MergingIterator) SeekToFirst() {
	m.reset(func(it types.InternalIterator) { it.SeekToFirst() })
}

func (m *MergingIterator) Seek(key []byte) {
	m.reset(func(it types.InternalIterator) { it.Seek(key) })
}

func (m *MergingIterator) reset(position func(types.InternalIterator)) {
	m.err = nil
	m.heap.items = m.heap.items[:0]
	for i, src := range m.sources {
		position(src)
		if src.Valid() {
			m.heap.items = append(m.heap.items, i)
		} else if err := src.Error(); err != nil {
			m.err = err
			return
		}
	}
	heap.Init(&m.heap)
}

func (m *MergingIterator) Next() {
	if !m.Valid() {
		return
	}
	idx := m.heap.items[0]
	src := m.sources[idx]
	src.Next()
	if src.Valid() {
		heap.Fix(&m.heap, 0)
		return
	}
	if err := src.Error(); err != nil {
		m.err = err
		return
	}
	heap.Pop(&m.heap)
}

func (m *MergingIterator) Error() error {
	return m.err
}

// Close closes every source.
func (m *MergingIterator) Close() error {
	var err error
	for _, src := range m.sources {
		err = errors.CombineErrors(err, src.Close())
	}
	m.heap.items = nil
	return err
}

// mergeHeap is a min-heap of source indexes ordered by their current entry.
type mergeHeap struct {
	sources []types.InternalIterator
	items   []int
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := types.CompareEntries(h.sources[a].Entry(), h.sources[b].Entry()); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

var _ types.InternalIterator = (*MergingIterator)(nil)
