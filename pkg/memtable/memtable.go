package memtable

import (
	"sync/atomic"

	"github.com/vladgaus/lsmkv/pkg/types"
)

// MemTable is the in-memory write buffer.
//
// Lifecycle:
//  1. Active: accepts writes from the engine's single write path
//  2. Immutable: frozen, waiting in the flush queue
//  3. Flushed: its level-0 run is published; the value is dropped
//
// Every MemTable is bound to the WAL segment that logged its writes.
// Reads are safe at any point, concurrently with the writer.
type MemTable struct {
	sl *SkipList

	id     uint64
	walNum uint64

	immutable atomic.Bool
	maxSeq    atomic.Uint64
}

// New creates an empty MemTable whose writes are logged in WAL segment
// walNum.
func New(id, walNum uint64) *MemTable {
	return &MemTable{sl: NewSkipList(), id: id, walNum: walNum}
}

// ID returns the table's identifier, unique within one engine.
func (m *MemTable) ID() uint64 { return m.id }

// WALNum returns the WAL segment holding this table's writes.
func (m *MemTable) WALNum() uint64 { return m.walNum }

// Put inserts a value. Keys and values are retained, not copied.
func (m *MemTable) Put(key, value []byte, seq uint64) {
	if value == nil {
		value = []byte{}
	}
	m.add(types.NewEntry(key, value, seq))
}

// Delete inserts a tombstone.
func (m *MemTable) Delete(key []byte, seq uint64) {
	m.add(types.NewTombstone(key, seq))
}

// Add inserts an entry as is; WAL replay uses it.
func (m *MemTable) Add(e *types.Entry) {
	m.add(e)
}

func (m *MemTable) add(e *types.Entry) {
	if m.immutable.Load() {
		panic("memtable: write to immutable table")
	}
	m.sl.Put(e)
	if e.SeqNum > m.maxSeq.Load() {
		m.maxSeq.Store(e.SeqNum)
	}
}

// Get returns the newest entry for key visible at snapshot seq. A
// tombstone is returned as an entry so callers stop searching older data.
func (m *MemTable) Get(key []byte, seq uint64) (*types.Entry, bool) {
	e := m.sl.Get(key, seq)
	return e, e != nil
}

// NewIterator returns an iterator over every version in the table.
func (m *MemTable) NewIterator() *Iterator {
	return m.sl.NewIterator()
}

// Size returns the approximate memory footprint in bytes.
func (m *MemTable) Size() int64 { return m.sl.Size() }

// EntryCount returns the number of versions held.
func (m *MemTable) EntryCount() int64 { return m.sl.Len() }

// IsEmpty reports whether the table holds no entries.
func (m *MemTable) IsEmpty() bool { return m.sl.Len() == 0 }

// MaxSeqNum returns the largest sequence number inserted.
func (m *MemTable) MaxSeqNum() uint64 { return m.maxSeq.Load() }

// MarkImmutable freezes the table.
func (m *MemTable) MarkImmutable() { m.immutable.Store(true) }

// IsImmutable reports whether the table is frozen.
func (m *MemTable) IsImmutable() bool { return m.immutable.Load() }
