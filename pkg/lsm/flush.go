package lsm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/compaction"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/memtable"
	"github.com/vladgaus/lsmkv/pkg/sstable"
)

// Flush freezes the active memtable and waits until every memtable frozen
// so far has been written to L0.
func (e *Engine) Flush() error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.writeMu.Lock()
	var err error
	if !e.mem.IsEmpty() {
		err = e.freeze()
	}
	e.mu.Lock()
	var target uint64
	if n := len(e.imm); n > 0 {
		target = e.imm[n-1].ID()
	}
	e.mu.Unlock()
	e.writeMu.Unlock()
	if err != nil {
		e.setFatal(err)
		return err
	}
	if target == 0 {
		return nil
	}

	e.signalFlush()
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.imm) > 0 && e.imm[0].ID() <= target {
		if e.fatalErr != nil {
			return e.fatalErr
		}
		if e.closed.Load() {
			return errors.ErrClosed
		}
		e.stallCond.Wait()
	}
	return nil
}

// flushLoop writes frozen memtables to L0 in the order they were frozen.
// A failed flush is retried with backoff; a failed manifest write is
// fatal.
func (e *Engine) flushLoop() {
	defer e.bg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.CompactionRetryInitial
	b.MaxInterval = e.opts.CompactionRetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		select {
		case <-e.quit:
			return
		case <-e.flushCh:
		}

		for {
			mem := e.oldestImmutable()
			if mem == nil {
				break
			}
			err := e.flushMemTable(mem)
			if err == nil {
				b.Reset()
				continue
			}
			if errors.Is(err, manifest.ErrWrite) {
				e.setFatal(err)
				break
			}
			wait := b.NextBackOff()
			e.logger.Warn("flush failed, will retry",
				zap.Uint64("memtable", mem.ID()), zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-e.quit:
				return
			case <-time.After(wait):
			}
		}
	}
}

func (e *Engine) oldestImmutable() *memtable.MemTable {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.imm) == 0 || e.fatalErr != nil {
		return nil
	}
	return e.imm[0]
}

// flushMemTable writes the oldest frozen memtable to L0 and drops it.
func (e *Engine) flushMemTable(mem *memtable.MemTable) error {
	// The next memtable's segment is the oldest one still needed.
	e.mu.Lock()
	logNumber := e.mem.WALNum()
	if len(e.imm) > 1 {
		logNumber = e.imm[1].WALNum()
	}
	e.mu.Unlock()

	if _, err := e.writeLevel0(mem, logNumber); err != nil {
		return err
	}

	e.mu.Lock()
	e.imm = e.imm[1:]
	depth := len(e.imm)
	e.stallCond.Broadcast()
	e.mu.Unlock()
	e.metrics.SetImmutableDepth(depth)

	if err := e.wal.RemoveBelow(logNumber); err != nil {
		e.logger.Warn("remove flushed segments", zap.Error(err))
	}
	e.deleteObsolete()
	e.updateLevelMetrics()
	if e.scheduler != nil {
		e.scheduler.Trigger()
	}
	return nil
}

// writeLevel0 writes mem as one L0 run and publishes it together with the
// new log number. An empty memtable only advances the log number. On
// failure the partial run is removed and the manifest is unchanged.
func (e *Engine) writeLevel0(mem *memtable.MemTable, logNumber uint64) (*manifest.FileMeta, error) {
	start := time.Now()
	edit := &manifest.VersionEdit{}
	edit.SetLogNumber(logNumber)
	edit.SetLastSequence(max(e.versions.LastSequence(), mem.MaxSeqNum()))

	var meta *manifest.FileMeta
	if !mem.IsEmpty() {
		num := e.versions.NewFileNumber()
		path := utils.SSTablePath(e.opts.Dir, num)
		w, err := sstable.Create(path, e.opts.writerOptions())
		if err != nil {
			return nil, err
		}
		// Memtables keep every version; a run keeps only the newest.
		it := compaction.NewCompactionIterator(mem.NewIterator(), false)
		for it.First(); it.Valid(); it.Next() {
			if err = w.Add(it.Entry()); err != nil {
				break
			}
		}
		if err == nil {
			err = it.Error()
		}
		_ = it.Close()
		if err != nil {
			w.Abort()
			return nil, err
		}
		props, err := w.Finish()
		if err != nil {
			return nil, err
		}
		meta = compaction.MetaFromProperties(num, props)
		edit.AddFile(0, meta)
	}

	if err := e.versions.LogAndApply(edit); err != nil {
		if meta != nil {
			_ = utils.RemoveFile(utils.SSTablePath(e.opts.Dir, meta.FileNum))
		}
		return nil, err
	}

	if meta != nil {
		e.flushes.Add(1)
		e.flushedBytes.Add(int64(meta.Size))
		e.metrics.ObserveFlush(meta.Size)
		e.logger.Info("flushed memtable",
			zap.Uint64("memtable", mem.ID()),
			zap.Uint64("file", meta.FileNum),
			zap.Uint64("entries", meta.NumEntries),
			logging.Bytes("size", int64(meta.Size)),
			zap.Duration("took", time.Since(start)))
	}
	return meta, nil
}
