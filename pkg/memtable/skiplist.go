// Package memtable holds recent writes in memory, sorted in internal key
// order, until they are flushed to a level-0 sorted run.
package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/vladgaus/lsmkv/pkg/types"
)

const (
	// MaxHeight is the maximum number of levels in the skip list.
	// With p=0.25, height 12 comfortably covers 4^12 entries.
	MaxHeight = 12

	// p = 1/branchingFactor
	branchingFactor = 4
)

// SkipList is a sorted list of entries in internal key order.
//
// Writers are serialized by an internal mutex. Readers take no lock: every
// forward pointer is an atomic, a node is fully built before it is
// published, and it is linked bottom level first, so a reader that reaches
// a node through any level sees a complete entry.
//
//	Level 2:  head --------> [B] --------> [D] ---------> nil
//	Level 1:  head -> [A] -> [B] -> [C] -> [D] -> [E] --> nil
//	Level 0:  head -> [A] -> [B] -> [C] -> [D] -> [E] --> nil
type SkipList struct {
	head   *node
	height atomic.Int32

	writeMu sync.Mutex
	rnd     *rand.Rand // guarded by writeMu

	size       atomic.Int64
	entryCount atomic.Int64
}

type node struct {
	entry *types.Entry
	next  []atomic.Pointer[node]
}

func newNode(e *types.Entry, height int) *node {
	return &node{entry: e, next: make([]atomic.Pointer[node], height)}
}

// NewSkipList creates an empty skip list.
func NewSkipList() *SkipList {
	sl := &SkipList{
		head: newNode(nil, MaxHeight),
		rnd:  rand.New(rand.NewSource(rand.Int63())),
	}
	sl.height.Store(1)
	return sl
}

func (sl *SkipList) randomHeight() int {
	h := 1
	for h < MaxHeight && sl.rnd.Intn(branchingFactor) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node not less than (key, seq, typ)
// and, when prev is non-nil, fills it with the predecessor at each level.
func (sl *SkipList) findGreaterOrEqual(key []byte, seq uint64, typ types.EntryType, prev []*node) *node {
	x := sl.head
	for i := int(sl.height.Load()) - 1; i >= 0; i-- {
		for {
			n := x.next[i].Load()
			if n == nil || types.CompareInternal(n.entry.Key, n.entry.SeqNum, n.entry.Type, key, seq, typ) >= 0 {
				break
			}
			x = n
		}
		if prev != nil {
			prev[i] = x
		}
	}
	return x.next[0].Load()
}

// Put inserts e. Entries are never updated in place: (key, seq) is unique.
func (sl *SkipList) Put(e *types.Entry) {
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()

	var prev [MaxHeight]*node
	sl.findGreaterOrEqual(e.Key, e.SeqNum, e.Type, prev[:])

	h := sl.randomHeight()
	if cur := int(sl.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = sl.head
		}
		// Readers that observe the new height before the node is linked
		// just walk nil pointers from head at the upper levels.
		sl.height.Store(int32(h))
	}

	n := newNode(e, h)
	for i := 0; i < h; i++ {
		n.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(n)
	}

	sl.size.Add(e.Size() + int64(h*8))
	sl.entryCount.Add(1)
}

// Get returns the newest entry for key with SeqNum <= maxSeq, or nil.
func (sl *SkipList) Get(key []byte, maxSeq uint64) *types.Entry {
	// Tombstones sort before puts at equal seq, so seek with the highest type.
	n := sl.findGreaterOrEqual(key, maxSeq, types.EntryTypeDelete, nil)
	if n != nil && bytes.Equal(n.entry.Key, key) {
		return n.entry
	}
	return nil
}

// Size returns the approximate memory usage in bytes.
func (sl *SkipList) Size() int64 {
	return sl.size.Load()
}

// Len returns the number of entries.
func (sl *SkipList) Len() int64 {
	return sl.entryCount.Load()
}

// NewIterator returns an unpositioned iterator.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{sl: sl}
}

// Iterator walks a SkipList in internal key order. Entries inserted after
// the iterator passed their position are not seen; entries inserted ahead
// of it may be.
type Iterator struct {
	sl  *SkipList
	cur *node
}

var _ types.InternalIterator = (*Iterator)(nil)

// Valid returns true if the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.cur != nil
}

// Entry returns the current entry.
func (it *Iterator) Entry() *types.Entry {
	if it.cur == nil {
		return nil
	}
	return it.cur.entry
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.cur != nil {
		it.cur = it.cur.next[0].Load()
	}
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.cur = it.sl.head.next[0].Load()
}

// Seek positions at the newest version of the first key >= target.
func (it *Iterator) Seek(target []byte) {
	it.cur = it.sl.findGreaterOrEqual(target, types.MaxSeqNum, types.EntryTypeDelete, nil)
}

func (it *Iterator) Error() error { return nil }

func (it *Iterator) Close() error {
	it.cur = nil
	return nil
}
