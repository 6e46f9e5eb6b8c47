package iterator

import (
	"bytes"

	"github.com/vladgaus/lsmkv/pkg/types"
)

// UserIterator turns an internal-order stream into the user view: for each
// key in [start, end) it yields the newest version with seq <= snapshot,
// and skips the key entirely if that version is a tombstone.
//
// A nil start or end leaves that side unbounded. Key and Value return
// copies owned by the caller; the entries underneath live in memtables and
// cached blocks shared with every other reader.
type UserIterator struct {
	inner    types.InternalIterator
	snapshot uint64
	start    []byte // inclusive
	end      []byte // exclusive

	cur     *types.Entry
	key     []byte
	value   []byte
	prevKey []byte // last key whose visible version was decided
	err     error
	onClose func() error
	closed  bool
}

// NewUserIterator wraps inner. The iterator is unpositioned until
// SeekToFirst. onClose, if set, runs once on Close after inner is closed.
func NewUserIterator(inner types.InternalIterator, snapshot uint64, start, end []byte, onClose func() error) *UserIterator {
	return &UserIterator{
		inner:    inner,
		snapshot: snapshot,
		start:    start,
		end:      end,
		onClose:  onClose,
	}
}

// SeekToFirst positions at the first visible key >= start.
func (u *UserIterator) SeekToFirst() {
	u.prevKey = nil
	if u.start != nil {
		u.inner.Seek(u.start)
	} else {
		u.inner.SeekToFirst()
	}
	u.findNext()
}

func (u *UserIterator) Valid() bool {
	return u.cur != nil && u.err == nil
}

func (u *UserIterator) Key() []byte {
	if !u.Valid() {
		return nil
	}
	return u.key
}

func (u *UserIterator) Value() []byte {
	if !u.Valid() {
		return nil
	}
	return u.value
}

func (u *UserIterator) Next() {
	if !u.Valid() {
		return
	}
	u.inner.Next()
	u.findNext()
}

func (u *UserIterator) findNext() {
	u.cur, u.key, u.value = nil, nil, nil
	for ; u.inner.Valid(); u.inner.Next() {
		e := u.inner.Entry()
		if u.end != nil && bytes.Compare(e.Key, u.end) >= 0 {
			return
		}
		if e.SeqNum > u.snapshot {
			continue
		}
		if u.prevKey != nil && bytes.Equal(e.Key, u.prevKey) {
			// Older version of a key already decided.
			continue
		}
		u.prevKey = append(u.prevKey[:0], e.Key...)
		if e.IsDeleted() {
			continue
		}
		u.cur = e
		u.key = append([]byte(nil), e.Key...)
		u.value = append([]byte{}, e.Value...)
		return
	}
	u.err = u.inner.Error()
}

func (u *UserIterator) Error() error {
	return u.err
}

// Close closes the inner iterator and runs the release hook. It is safe to
// call twice.
func (u *UserIterator) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.cur, u.key, u.value = nil, nil, nil
	err := u.inner.Close()
	if u.onClose != nil {
		if cerr := u.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ types.Iterator = (*UserIterator)(nil)
