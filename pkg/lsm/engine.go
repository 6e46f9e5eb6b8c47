// Package lsm is an embeddable LSM-tree key-value engine.
//
// Writes go to a write-ahead log and an in-memory memtable. Full memtables
// are frozen and flushed to immutable sorted runs in level 0, and leveled
// compaction merges runs down the tree in the background. Reads consult
// memory first, then the runs from newest to oldest.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────┐
//	│                       Engine                        │
//	├─────────────────────────────────────────────────────┤
//	│  ┌─────────────┐  ┌─────────────┐                   │
//	│  │  MemTable   │  │    WAL      │  (durability)     │
//	│  │  (active)   │  │  segments   │                   │
//	│  └─────────────┘  └─────────────┘                   │
//	│         │                                           │
//	│         ▼                                           │
//	│  ┌─────────────┐                                    │
//	│  │ Immutable   │  (waiting for flush)               │
//	│  │ MemTables   │                                    │
//	│  └─────────────┘                                    │
//	│         │                                           │
//	│         ▼                                           │
//	│  ┌─────────────────────────────────────────────┐    │
//	│  │      L0 runs (overlapping, by recency)      │    │
//	│  ├─────────────────────────────────────────────┤    │
//	│  │      L1 runs (disjoint, by key)             │    │
//	│  ├─────────────────────────────────────────────┤    │
//	│  │      L2+ runs                               │    │
//	│  └─────────────────────────────────────────────┘    │
//	│                                                     │
//	│  MANIFEST: the durable record of which runs exist   │
//	└─────────────────────────────────────────────────────┘
//
// Write Path:
//  1. Assign the next sequence number
//  2. Append to the WAL
//  3. Insert into the active MemTable and publish the sequence number
//  4. When the MemTable is full, freeze it and start a new WAL segment
//  5. The flush goroutine writes frozen MemTables to L0, oldest first
//  6. The scheduler compacts levels that are over budget
//
// Read Path:
//  1. Check active MemTable
//  2. Check immutable MemTables (newest first)
//  3. Check L0 runs (newest first)
//  4. Check L1+ (one candidate run per level, by binary search)
package lsm

import (
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/compaction"
	"github.com/vladgaus/lsmkv/pkg/compaction/leveled"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/memtable"
	"github.com/vladgaus/lsmkv/pkg/metrics"
	"github.com/vladgaus/lsmkv/pkg/mvcc"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// Engine is the LSM-tree storage engine. All methods are safe for
// concurrent use.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	id      uuid.UUID
	lock    *flock.Flock
	metrics *metrics.Metrics

	// writeMu serializes sequence assignment, WAL appends, memtable
	// inserts and memtable rotation.
	writeMu sync.Mutex
	seqNum  uint64 // last assigned; guarded by writeMu

	// visibleSeq is the highest sequence number whose write is fully
	// applied. Reads snapshot at it.
	visibleSeq atomic.Uint64

	// mu guards the memtable set and the fatal error. It is never held
	// across I/O. stallCond waits on it.
	mu        sync.Mutex
	stallCond *sync.Cond
	mem       *memtable.MemTable
	imm       []*memtable.MemTable // oldest first
	nextMemID uint64
	fatalErr  error

	wal       *wal.Manager
	versions  *manifest.VersionSet
	tables    *sstable.Cache
	strategy  *leveled.Strategy
	compactor *compaction.Compactor
	scheduler *compaction.Scheduler
	scans     *mvcc.Registry

	flushCh chan struct{}
	quit    chan struct{}
	bg      sync.WaitGroup

	flushes      atomic.Int64
	flushedBytes atomic.Int64
	stalls       atomic.Int64

	closed atomic.Bool
}

// ID returns the identity of the data directory, stable across opens.
func (e *Engine) ID() string {
	return e.id.String()
}

// Dir returns the data directory.
func (e *Engine) Dir() string {
	return e.opts.Dir
}

// setFatal stops mutations. The first error wins.
func (e *Engine) setFatal(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatalErr != nil {
		return
	}
	e.fatalErr = errors.Fatal(err)
	e.logger.Error("engine entered fatal state, mutations are rejected", zap.Error(err))
	e.stallCond.Broadcast()
}

// checkWritable returns the error a mutation must fail with, if any.
func (e *Engine) checkWritable() error {
	if e.closed.Load() {
		return errors.ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// release unpins v and deletes whatever runs that made obsolete.
func (e *Engine) release(v *manifest.Version) {
	v.Unref()
	e.deleteObsolete()
}

// deleteObsolete removes the files of runs that no Version references.
func (e *Engine) deleteObsolete() {
	for _, f := range e.versions.TakeObsolete() {
		e.tables.Evict(f.FileNum)
		path := utils.SSTablePath(e.opts.Dir, f.FileNum)
		if err := utils.RemoveFile(path); err != nil {
			e.logger.Warn("remove obsolete run", zap.Uint64("file", f.FileNum), zap.Error(err))
			continue
		}
		e.logger.Debug("removed obsolete run", zap.Uint64("file", f.FileNum))
	}
}

// updateLevelMetrics refreshes the per-level gauges.
func (e *Engine) updateLevelMetrics() {
	if e.metrics == nil {
		return
	}
	v := e.versions.Current()
	defer e.release(v)
	for level := 0; level < e.opts.NumLevels; level++ {
		e.metrics.SetLevel(level, v.NumFiles(level), v.LevelSize(level))
	}
}
