package types

// InternalIterator walks entries in internal order (key ascending, seq
// descending) and exposes every version, tombstones included. Memtables,
// sorted runs and merging iterators implement it.
//
// Iterators are not safe for concurrent use.
type InternalIterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// Entry returns the current entry. The entry must not be modified and
	// is only valid until the next positioning call.
	Entry() *Entry

	SeekToFirst()

	// Seek positions at the first entry whose user key is >= key.
	Seek(key []byte)

	Next()

	// Error returns the first error hit while iterating.
	Error() error

	Close() error
}

// Iterator is the user-facing view: one live value per key in ascending
// key order, tombstones and shadowed versions hidden.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next()
	Error() error

	// Close releases whatever the iterator pins. It is safe to call twice.
	Close() error
}
