// Package types defines the entry model shared by every layer of the engine.
package types

import (
	"bytes"
	"fmt"
)

// EntryType distinguishes values from tombstones.
type EntryType byte

const (
	// EntryTypePut is a live value.
	EntryTypePut EntryType = iota

	// EntryTypeDelete is a tombstone.
	EntryTypeDelete
)

// String returns a human-readable representation of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "PUT"
	case EntryTypeDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// MaxSeqNum is larger than any sequence number the engine assigns. Reads
// with this snapshot see everything.
const MaxSeqNum = uint64(1<<56 - 1)

// Entry is one version of a key.
type Entry struct {
	Key   []byte
	Value []byte // nil for tombstones
	Type  EntryType

	// SeqNum orders versions of the same key; higher is newer.
	SeqNum uint64
}

// NewEntry creates a Put entry.
func NewEntry(key, value []byte, seq uint64) *Entry {
	return &Entry{Key: key, Value: value, Type: EntryTypePut, SeqNum: seq}
}

// NewTombstone creates a Delete entry.
func NewTombstone(key []byte, seq uint64) *Entry {
	return &Entry{Key: key, Type: EntryTypeDelete, SeqNum: seq}
}

// Size is the accounting size used for memtable thresholds.
func (e *Entry) Size() int64 {
	// Type(1) + SeqNum(8) + KeyLen(4) + ValLen(4) + Key + Value
	return 17 + int64(len(e.Key)) + int64(len(e.Value))
}

// IsDeleted reports whether the entry is a tombstone.
func (e *Entry) IsDeleted() bool {
	return e.Type == EntryTypeDelete
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := &Entry{Type: e.Type, SeqNum: e.SeqNum}
	if e.Key != nil {
		c.Key = append([]byte(nil), e.Key...)
	}
	if e.Value != nil {
		c.Value = append([]byte{}, e.Value...)
	}
	return c
}

// String formats the entry for debugging and the inspection tool.
func (e *Entry) String() string {
	if e.IsDeleted() {
		return fmt.Sprintf("%q#%d,DEL", e.Key, e.SeqNum)
	}
	return fmt.Sprintf("%q#%d,PUT=%q", e.Key, e.SeqNum, e.Value)
}

// CompareInternal orders (key ascending, seq descending, type descending).
// The newest version of a key sorts first.
func CompareInternal(aKey []byte, aSeq uint64, aType EntryType, bKey []byte, bSeq uint64, bType EntryType) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	case aType > bType:
		return -1
	case aType < bType:
		return 1
	}
	return 0
}

// CompareEntries applies CompareInternal to two entries.
func CompareEntries(a, b *Entry) int {
	return CompareInternal(a.Key, a.SeqNum, a.Type, b.Key, b.SeqNum, b.Type)
}

// KeyRange is an inclusive [Smallest, Largest] user-key range.
type KeyRange struct {
	Smallest []byte
	Largest  []byte
}

// Overlaps reports whether two inclusive ranges share a key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return bytes.Compare(r.Smallest, o.Largest) <= 0 && bytes.Compare(o.Smallest, r.Largest) <= 0
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	return bytes.Compare(key, r.Smallest) >= 0 && bytes.Compare(key, r.Largest) <= 0
}

// Extend grows the range to include o. A zero range takes o as is.
func (r KeyRange) Extend(o KeyRange) KeyRange {
	if r.Smallest == nil && r.Largest == nil {
		return o
	}
	if bytes.Compare(o.Smallest, r.Smallest) < 0 {
		r.Smallest = o.Smallest
	}
	if bytes.Compare(o.Largest, r.Largest) > 0 {
		r.Largest = o.Largest
	}
	return r
}
