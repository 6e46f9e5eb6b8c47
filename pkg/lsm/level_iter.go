package lsm

import (
	"bytes"
	"sort"

	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// levelIterator concatenates the disjoint, key-ordered runs of one level
// below L0, opening each run only when the iteration reaches it.
type levelIterator struct {
	tables *sstable.Cache
	files  []*manifest.FileMeta

	idx int
	cur *sstable.Iterator
	err error
}

func newLevelIterator(tables *sstable.Cache, files []*manifest.FileMeta) *levelIterator {
	return &levelIterator{tables: tables, files: files, idx: len(files)}
}

func (l *levelIterator) Valid() bool {
	return l.err == nil && l.cur != nil && l.cur.Valid()
}

func (l *levelIterator) Entry() *types.Entry {
	if !l.Valid() {
		return nil
	}
	return l.cur.Entry()
}

func (l *levelIterator) SeekToFirst() {
	l.err = nil
	if l.open(0) {
		l.cur.SeekToFirst()
		l.skipExhausted()
	}
}

func (l *levelIterator) Seek(key []byte) {
	l.err = nil
	i := sort.Search(len(l.files), func(i int) bool {
		return bytes.Compare(l.files[i].Largest, key) >= 0
	})
	if l.open(i) {
		l.cur.Seek(key)
		l.skipExhausted()
	}
}

func (l *levelIterator) Next() {
	if !l.Valid() {
		return
	}
	l.cur.Next()
	l.skipExhausted()
}

// skipExhausted advances to the next run while the current one is done.
func (l *levelIterator) skipExhausted() {
	for l.cur != nil && !l.cur.Valid() {
		if err := l.cur.Error(); err != nil {
			l.err = err
			return
		}
		if !l.open(l.idx + 1) {
			return
		}
		l.cur.SeekToFirst()
	}
}

func (l *levelIterator) open(i int) bool {
	if l.cur != nil {
		_ = l.cur.Close()
		l.cur = nil
	}
	l.idx = i
	if i >= len(l.files) {
		return false
	}
	r, err := l.tables.Get(l.files[i].FileNum)
	if err != nil {
		l.err = err
		return false
	}
	l.cur = r.NewIterator()
	return true
}

func (l *levelIterator) Error() error {
	return l.err
}

func (l *levelIterator) Close() error {
	if l.cur != nil {
		err := l.cur.Close()
		l.cur = nil
		return err
	}
	return nil
}

var _ types.InternalIterator = (*levelIterator)(nil)
