package lsm

import (
	"bytes"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/iterator"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/memtable"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// Iterator yields the live key-value pairs of a Scan in ascending key
// order. It must be closed.
type Iterator = iterator.UserIterator

// readState is a consistent view for one read: the memtables and the
// Version current at one instant, and the sequence number visible then.
type readState struct {
	seq     uint64
	mem     *memtable.MemTable
	imm     []*memtable.MemTable // oldest first
	version *manifest.Version    // pinned
}

// acquire captures the read state. A flush installs its run before it
// drops the memtable, so every write up to seq is in the captured set.
func (e *Engine) acquire() *readState {
	e.mu.Lock()
	defer e.mu.Unlock()
	imm := make([]*memtable.MemTable, len(e.imm))
	copy(imm, e.imm)
	return &readState{
		seq:     e.visibleSeq.Load(),
		mem:     e.mem,
		imm:     imm,
		version: e.versions.Current(),
	}
}

// Get returns the value for key, or nil if the key is absent or deleted.
// A present key with an empty value returns a non-nil empty slice.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := errors.ValidateKey(key); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, errors.ErrClosed
	}

	rs := e.acquire()
	defer e.release(rs.version)

	ent, err := e.lookup(rs, key)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveGet(ent != nil && !ent.IsDeleted())
	if ent == nil || ent.IsDeleted() {
		return nil, nil
	}
	return clone(ent.Value), nil
}

// lookup returns the newest entry for key visible in rs, tombstones
// included, or nil.
func (e *Engine) lookup(rs *readState, key []byte) (*types.Entry, error) {
	if ent, ok := rs.mem.Get(key, rs.seq); ok {
		return ent, nil
	}
	for i := len(rs.imm) - 1; i >= 0; i-- {
		if ent, ok := rs.imm[i].Get(key, rs.seq); ok {
			return ent, nil
		}
	}

	v := rs.version
	l0 := v.Files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if bytes.Compare(key, f.Smallest) < 0 || bytes.Compare(key, f.Largest) > 0 {
			continue
		}
		ent, err := e.getFromRun(f, key)
		if err != nil || ent != nil {
			return ent, err
		}
	}
	for level := 1; level < len(v.Files); level++ {
		f := v.FileForKey(level, key)
		if f == nil {
			continue
		}
		ent, err := e.getFromRun(f, key)
		if err != nil || ent != nil {
			return ent, err
		}
	}
	return nil, nil
}

func (e *Engine) getFromRun(f *manifest.FileMeta, key []byte) (*types.Entry, error) {
	r, err := e.tables.Get(f.FileNum)
	if err != nil {
		return nil, err
	}
	return r.Get(key)
}

// Scan returns an iterator over the live pairs with start <= key < end.
// A nil start or end leaves that side unbounded. The iterator sees the
// engine as of the call; later writes, flushes and compactions do not
// change what it yields.
func (e *Engine) Scan(start, end []byte) (*Iterator, error) {
	if e.closed.Load() {
		return nil, errors.ErrClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "scan start %q is after end %q", start, end)
	}

	rs := e.acquire()
	sources := []types.InternalIterator{rs.mem.NewIterator()}
	for i := len(rs.imm) - 1; i >= 0; i-- {
		sources = append(sources, rs.imm[i].NewIterator())
	}
	l0 := rs.version.Files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		if !overlapsRange(l0[i], start, end) {
			continue
		}
		r, err := e.tables.Get(l0[i].FileNum)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			e.release(rs.version)
			return nil, err
		}
		sources = append(sources, r.NewIterator())
	}
	for level := 1; level < len(rs.version.Files); level++ {
		var files []*manifest.FileMeta
		for _, f := range rs.version.Files[level] {
			if overlapsRange(f, start, end) {
				files = append(files, f)
			}
		}
		if len(files) > 0 {
			sources = append(sources, newLevelIterator(e.tables, files))
		}
	}

	pin := e.scans.Pin(rs.seq)
	e.metrics.ScanOpened()
	onClose := func() error {
		pin.Unpin()
		e.metrics.ScanClosed()
		e.release(rs.version)
		return nil
	}
	it := iterator.NewUserIterator(iterator.NewMergingIterator(sources...), rs.seq, clone0(start), clone0(end), onClose)
	it.SeekToFirst()
	return it, nil
}

// overlapsRange reports whether f may hold keys in [start, end).
func overlapsRange(f *manifest.FileMeta, start, end []byte) bool {
	if start != nil && bytes.Compare(f.Largest, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(f.Smallest, end) >= 0 {
		return false
	}
	return true
}

// clone0 copies b, keeping nil as nil.
func clone0(b []byte) []byte {
	if b == nil {
		return nil
	}
	return clone(b)
}
