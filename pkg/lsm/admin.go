package lsm

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/compaction"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/manifest"
)

// Compact flushes the memtables and then compacts every level into the
// next, down to the deepest populated level. It returns once the tree is
// settled or a level could not be compacted.
func (e *Engine) Compact() error {
	return e.CompactContext(context.Background())
}

// CompactContext is Compact with a context bounding the wait.
func (e *Engine) CompactContext(ctx context.Context) error {
	if err := e.Flush(); err != nil {
		return err
	}
	if err := e.scheduler.CompactAll(ctx); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.deleteObsolete()
	return nil
}

// Close stops background work, flushes the memtables and releases the
// directory. Later calls return ErrClosed, as do operations on the
// engine. Open scans must be closed first; their files are released when
// they are.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errors.ErrClosed
	}
	start := time.Now()

	// Wake stalled writers and Flush waiters.
	e.mu.Lock()
	e.stallCond.Broadcast()
	e.mu.Unlock()

	e.scheduler.Stop()

	// In-flight writes finish before the final flush.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	close(e.quit)
	e.bg.Wait()

	e.mu.Lock()
	fatal := e.fatalErr
	e.mu.Unlock()

	var err error
	if fatal == nil {
		err = e.flushForClose()
	}
	clean := fatal == nil && err == nil

	err = errors.CombineErrors(err, e.wal.Close())
	e.deleteObsolete()
	if clean {
		path := filepath.Join(e.opts.Dir, utils.CleanShutdownFileName)
		if werr := utils.AtomicWrite(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); werr != nil {
			err = errors.CombineErrors(err, werr)
		}
	}
	err = errors.CombineErrors(err, e.versions.Close())
	err = errors.CombineErrors(err, e.tables.Close())
	e.metrics.Unregister(e.opts.Registerer)
	if uerr := e.lock.Unlock(); uerr != nil {
		err = errors.CombineErrors(err, errors.NewIOError("unlock", e.lock.Path(), uerr))
	}

	if clean {
		e.logger.Info("engine closed", zap.Duration("took", time.Since(start)))
	} else {
		e.logger.Warn("engine closed without a final flush", zap.NamedError("fatal", fatal), zap.Error(err))
	}
	return err
}

// flushForClose writes every remaining memtable to L0 from the calling
// goroutine, retrying each a few times. The background loop has exited.
func (e *Engine) flushForClose() error {
	if !e.mem.IsEmpty() {
		if err := e.freeze(); err != nil {
			return err
		}
	}
	for {
		mem := e.oldestImmutable()
		if mem == nil {
			return nil
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.opts.CompactionRetryInitial
		b.MaxInterval = e.opts.CompactionRetryMax
		err := backoff.Retry(func() error {
			err := e.flushMemTable(mem)
			if errors.Is(err, manifest.ErrWrite) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithMaxRetries(b, 3))
		if err != nil {
			return err
		}
	}
}

// LevelStats describes one level of the tree.
type LevelStats struct {
	Level int
	Runs  int
	Bytes uint64
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	ID             string
	LastSequence   uint64
	ManifestNumber uint64
	LogNumber      uint64

	MemtableSize       int64
	MemtableEntries    int64
	ImmutableMemtables int

	Levels []LevelStats

	Flushes      int64
	FlushedBytes int64
	WriteStalls  int64
	Compaction   compaction.StatsSnapshot

	OpenScans     int
	OldestScanSeq uint64 // zero when no scan is open
	OldestScanAge time.Duration

	Fatal error
}

// Stats returns a summary of the engine's state.
func (e *Engine) Stats() Stats {
	rs := e.acquire()
	defer e.release(rs.version)

	s := Stats{
		ID:                 e.ID(),
		LastSequence:       rs.seq,
		ManifestNumber:     e.versions.ManifestNumber(),
		LogNumber:          e.versions.LogNumber(),
		MemtableSize:       rs.mem.Size(),
		MemtableEntries:    rs.mem.EntryCount(),
		ImmutableMemtables: len(rs.imm),
		Flushes:            e.flushes.Load(),
		FlushedBytes:       e.flushedBytes.Load(),
		WriteStalls:        e.stalls.Load(),
		Compaction:         e.compactor.Stats(),
		OpenScans:          e.scans.Len(),
	}
	for level := 0; level < e.opts.NumLevels; level++ {
		s.Levels = append(s.Levels, LevelStats{
			Level: level,
			Runs:  rs.version.NumFiles(level),
			Bytes: rs.version.LevelSize(level),
		})
	}
	if seq, opened, ok := e.scans.Oldest(); ok {
		s.OldestScanSeq = seq
		s.OldestScanAge = time.Since(opened)
	}
	e.mu.Lock()
	s.Fatal = e.fatalErr
	e.mu.Unlock()
	return s
}
