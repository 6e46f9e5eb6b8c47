// Package iterator provides the composable iterators of the read path.
//
// This package includes:
//   - MergingIterator: merges sorted sources into one internal-order stream
//   - UserIterator: applies snapshot visibility, hides tombstones and
//     shadowed versions, and enforces [start, end) bounds
//
// Architecture:
//
//	UserIterator (snapshot, bounds, dedup)
//	       |
//	MergingIterator (key asc, seq desc)
//	       |
//	+------+-------+-----------+-----------+
//	| mutable mem  | immutable | L0 runs   | L1+ runs |
//
// Sources are passed newest first. When two sources hold the same internal
// key, the earlier source wins.
//
// Iterators are forward-only and not safe for concurrent use.
package iterator

import (
	"sort"

	"github.com/vladgaus/lsmkv/pkg/types"
)

// emptyIterator is an iterator with no entries.
type emptyIterator struct{}

// Empty returns an iterator with no entries.
func Empty() types.InternalIterator {
	return emptyIterator{}
}

func (emptyIterator) Valid() bool         { return false }
func (emptyIterator) Entry() *types.Entry { return nil }
func (emptyIterator) SeekToFirst()        {}
func (emptyIterator) Seek([]byte)         {}
func (emptyIterator) Next()               {}
func (emptyIterator) Error() error        { return nil }
func (emptyIterator) Close() error        { return nil }

// sliceIterator walks a sorted slice of entries.
type sliceIterator struct {
	entries []*types.Entry
	pos     int
}

// FromSlice returns an iterator over entries, which it sorts into internal
// order.
func FromSlice(entries []*types.Entry) types.InternalIterator {
	sorted := append([]*types.Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return types.CompareEntries(sorted[i], sorted[j]) < 0
	})
	return &sliceIterator{entries: sorted, pos: len(sorted)}
}

func (s *sliceIterator) Valid() bool {
	return s.pos < len(s.entries)
}

func (s *sliceIterator) Entry() *types.Entry {
	if !s.Valid() {
		return nil
	}
	return s.entries[s.pos]
}

func (s *sliceIterator) SeekToFirst() {
	s.pos = 0
}

func (s *sliceIterator) Seek(target []byte) {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return types.CompareInternal(s.entries[i].Key, s.entries[i].SeqNum, s.entries[i].Type,
			target, types.MaxSeqNum, types.EntryTypeDelete) >= 0
	})
}

func (s *sliceIterator) Next() {
	if s.pos < len(s.entries) {
		s.pos++
	}
}

func (s *sliceIterator) Error() error { return nil }

func (s *sliceIterator) Close() error { return nil }
