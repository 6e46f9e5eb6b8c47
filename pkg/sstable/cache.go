package sstable

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
)

// Cache keeps one open Reader per live table, keyed by file number.
// Readers are opened on first use and closed by Evict once the table is
// obsolete, so a Reader handed out by Get stays open for as long as some
// Version still references its table.
//
// Tables are opened without holding mu; concurrent first uses of one
// table share a single open.
type Cache struct {
	mu      sync.Mutex
	dir     string
	readers map[uint64]*Reader
	opening singleflight.Group
}

// NewCache returns a cache for the tables under dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, readers: make(map[uint64]*Reader)}
}

// Get returns the reader for fileNum, opening it if needed.
func (c *Cache) Get(fileNum uint64) (*Reader, error) {
	if r, ok, err := c.lookup(fileNum); ok || err != nil {
		return r, err
	}
	v, err, _ := c.opening.Do(strconv.FormatUint(fileNum, 10), func() (any, error) {
		// Another caller may have finished opening it since lookup.
		if r, ok, err := c.lookup(fileNum); ok || err != nil {
			return r, err
		}
		r, err := Open(utils.SSTablePath(c.dir, fileNum), fileNum)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readers == nil {
			_ = r.Close()
			return nil, ErrClosed
		}
		c.readers[fileNum] = r
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Reader), nil
}

func (c *Cache) lookup(fileNum uint64) (*Reader, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readers == nil {
		return nil, false, ErrClosed
	}
	r, ok := c.readers[fileNum]
	return r, ok, nil
}

// Evict closes and forgets the reader for fileNum.
func (c *Cache) Evict(fileNum uint64) {
	c.mu.Lock()
	r, ok := c.readers[fileNum]
	delete(c.readers, fileNum)
	c.mu.Unlock()
	if ok {
		_ = r.Close()
	}
}

// Len returns the number of open readers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}

// Close closes every reader.
func (c *Cache) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var err error
	for _, r := range readers {
		err = errors.CombineErrors(err, r.Close())
	}
	return err
}
