package lsm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/compaction"
	"github.com/vladgaus/lsmkv/pkg/compaction/leveled"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/memtable"
	"github.com/vladgaus/lsmkv/pkg/metrics"
	"github.com/vladgaus/lsmkv/pkg/mvcc"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/types"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// Open opens or creates an engine in opts.Dir.
//
// Recovery order:
//  1. Take the directory lock (fails fast if held)
//  2. Replay the manifest into the current Version and checkpoint it
//  3. Check that every referenced run exists and matches its metadata
//  4. Replay WAL segments from the manifest's log number into a memtable
//     and flush it to L0
//  5. Remove files the manifest does not reference
//  6. Start the flush goroutine and the compaction scheduler
func Open(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, utils.SSTableDir), 0o755); err != nil {
		return nil, errors.NewIOError("mkdir", opts.Dir, err)
	}

	lockPath := filepath.Join(opts.Dir, utils.LockFileName)
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.NewRecoveryError("lock", errors.NewIOError("lock", lockPath, err))
	}
	if !locked {
		return nil, &errors.LockConflictError{Path: lockPath}
	}

	e := &Engine{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(zap.String("dir", opts.Dir)),
		lock:    lock,
		scans:   mvcc.NewRegistry(),
		tables:  sstable.NewCache(opts.Dir),
		flushCh: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	e.stallCond = sync.NewCond(&e.mu)

	if e.metrics, err = metrics.New(opts.Registerer); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := e.recover(); err != nil {
		e.abortOpen()
		return nil, err
	}
	e.startBackground()

	e.logger.Info("engine opened",
		zap.String("id", e.ID()),
		zap.Uint64("last_seq", e.visibleSeq.Load()),
		zap.Uint64("wal_segment", e.mem.WALNum()))
	return e, nil
}

// abortOpen releases what a failed Open acquired.
func (e *Engine) abortOpen() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	if e.versions != nil {
		_ = e.versions.Close()
	}
	_ = e.tables.Close()
	e.metrics.Unregister(e.opts.Registerer)
	_ = e.lock.Unlock()
}

func (e *Engine) recover() error {
	if err := e.loadIdentity(); err != nil {
		return errors.NewRecoveryError("identity", err)
	}

	cleanPath := filepath.Join(e.opts.Dir, utils.CleanShutdownFileName)
	clean := utils.FileExists(cleanPath)
	if clean {
		if err := utils.RemoveFile(cleanPath); err != nil {
			return errors.NewRecoveryError("manifest", err)
		}
	}

	e.versions = manifest.New(manifest.Options{
		Dir:             e.opts.Dir,
		MaxManifestSize: e.opts.ManifestMaxSize,
		Logger:          e.opts.Logger,
	})
	if _, err := e.versions.Recover(); err != nil {
		if !errors.Is(err, manifest.ErrNoCurrent) {
			return errors.NewRecoveryError("manifest", err)
		}
		if err := e.versions.Create(); err != nil {
			return errors.NewRecoveryError("manifest", err)
		}
		e.logger.Info("created new data directory")
	} else if err := e.versions.Checkpoint(); err != nil {
		return errors.NewRecoveryError("manifest", err)
	}

	if err := e.versions.ValidateFiles(context.Background(), runtime.GOMAXPROCS(0), e.checkRun); err != nil {
		return errors.NewRecoveryError("sstable", err)
	}

	var err error
	e.wal, err = wal.Open(wal.Options{
		Dir:          filepath.Join(e.opts.Dir, utils.WALDir),
		SyncPolicy:   e.opts.SyncPolicy,
		SyncInterval: e.opts.WALSyncInterval,
		Logger:       e.opts.Logger,
	})
	if err != nil {
		return errors.NewRecoveryError("wal", err)
	}
	if err := e.replayWAL(clean); err != nil {
		return err
	}

	e.strategy = leveled.New(leveled.Config{
		NumLevels:     e.opts.NumLevels,
		L0RunLimit:    e.opts.L0RunLimit,
		LevelBaseSize: e.opts.LevelBaseSize,
		LevelFanout:   e.opts.LevelFanout,
	})
	e.compactor = compaction.NewCompactor(compaction.Options{
		Dir:            e.opts.Dir,
		Versions:       e.versions,
		Tables:         e.tables,
		Writer:         e.opts.writerOptions(),
		TargetFileSize: e.opts.TargetFileSize,
		RateLimit:      e.opts.CompactionRateLimit,
		Logger:         e.opts.Logger,
		Metrics:        e.metrics,
	})

	e.removeOrphans()
	e.updateLevelMetrics()
	return nil
}

// loadIdentity reads the directory's IDENTITY file, creating it on first
// open.
func (e *Engine) loadIdentity() error {
	path := filepath.Join(e.opts.Dir, utils.IdentityFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.Parse(strings.TrimSpace(string(data)))
		if perr != nil {
			return errors.NewCorruptionErrorf(path, -1, "bad identity: %v", perr)
		}
		e.id = id
		return nil
	case !os.IsNotExist(err):
		return errors.NewIOError("read", path, err)
	}
	e.id = uuid.New()
	return utils.AtomicWrite(path, []byte(e.id.String()+"\n"), 0o644)
}

// checkRun verifies that a run's file opens and agrees with its metadata.
func (e *Engine) checkRun(level int, f *manifest.FileMeta) error {
	r, err := e.tables.Get(f.FileNum)
	if err != nil {
		return errors.Wrapf(err, "L%d run %06d", level, f.FileNum)
	}
	p := r.Properties()
	path := r.Path()
	switch {
	case uint64(r.Size()) != f.Size:
		return errors.NewCorruptionErrorf(path, -1, "size %d, manifest says %d", r.Size(), f.Size)
	case p.EntryCount != f.NumEntries:
		return errors.NewCorruptionErrorf(path, -1, "%d entries, manifest says %d", p.EntryCount, f.NumEntries)
	case !bytes.Equal(p.SmallestKey, f.Smallest) || !bytes.Equal(p.LargestKey, f.Largest):
		return errors.NewCorruptionErrorf(path, -1, "key range [%q, %q], manifest says [%q, %q]",
			p.SmallestKey, p.LargestKey, f.Smallest, f.Largest)
	}
	return nil
}

// replayWAL rebuilds the writes that never reached a run, flushes them to
// L0 and starts a fresh segment. Records at or below the manifest's last
// sequence are already in runs and are skipped.
func (e *Engine) replayWAL(clean bool) error {
	start := time.Now()
	flushed := e.versions.LastSequence()
	mem := memtable.New(e.nextMemTableID(), e.versions.LogNumber())
	skipped := 0
	stats, err := e.wal.Replay(e.versions.LogNumber(), func(ent *types.Entry) error {
		if ent.SeqNum <= flushed {
			skipped++
			return nil
		}
		mem.Add(ent)
		return nil
	})
	if err != nil {
		return errors.NewRecoveryError("wal", err)
	}
	e.seqNum = max(flushed, stats.LastSeqNum)
	e.visibleSeq.Store(e.seqNum)

	if !clean && stats.Segments > 0 {
		e.logger.Warn("recovering after unclean shutdown",
			zap.Int("segments", stats.Segments),
			zap.Int("records", stats.Records),
			zap.Int64("truncated_bytes", stats.TruncatedBytes))
	}

	// Segments started after the last manifest edit carry numbers the
	// manifest never recorded. Reusing one would truncate it.
	existing, err := e.wal.Segments()
	if err != nil {
		return errors.NewRecoveryError("wal", err)
	}
	for _, n := range existing {
		e.versions.MarkFileNumberUsed(n)
	}

	segment := e.versions.NewFileNumber()
	if err := e.wal.NewSegment(segment); err != nil {
		return errors.NewRecoveryError("wal", err)
	}
	if mem.IsEmpty() {
		edit := &manifest.VersionEdit{}
		edit.SetLogNumber(segment)
		edit.SetLastSequence(e.seqNum)
		if err := e.versions.LogAndApply(edit); err != nil {
			return errors.NewRecoveryError("manifest", err)
		}
	} else {
		mem.MarkImmutable()
		if _, err := e.writeLevel0(mem, segment); err != nil {
			return errors.NewRecoveryError("wal", err)
		}
	}
	if err := e.wal.RemoveBelow(segment); err != nil {
		e.logger.Warn("remove replayed segments", zap.Error(err))
	}
	e.mem = memtable.New(e.nextMemTableID(), segment)

	if stats.Records > 0 {
		e.logger.Info("replayed write-ahead log",
			zap.Int("records", stats.Records),
			zap.Int("skipped", skipped),
			zap.Int64("entries", mem.EntryCount()),
			zap.Duration("took", time.Since(start)))
	}
	return nil
}

// removeOrphans deletes runs the manifest does not reference, stale
// manifests and leftover temporary files. Nothing else runs yet, so any
// such file was abandoned by an earlier process.
func (e *Engine) removeOrphans() {
	v := e.versions.Current()
	live := make(map[uint64]bool, v.TotalFiles())
	for level := range v.Files {
		for _, f := range v.Files[level] {
			live[f.FileNum] = true
		}
	}
	v.Unref()

	remove := func(path, kind string) {
		if err := utils.RemoveFile(path); err != nil {
			e.logger.Warn("remove orphan", zap.String("path", path), zap.Error(err))
			return
		}
		e.logger.Info("removed orphan file", zap.String("kind", kind), zap.String("path", path))
	}

	sstDir := filepath.Join(e.opts.Dir, utils.SSTableDir)
	if names, err := utils.ListDir(sstDir); err == nil {
		for _, name := range names {
			typ, num, ok := utils.ParseFileName(name)
			switch {
			case ok && typ == utils.FileTypeSSTable && !live[num]:
				remove(filepath.Join(sstDir, name), "run")
			case ok && typ == utils.FileTypeTemp:
				remove(filepath.Join(sstDir, name), "temp")
			}
		}
	}
	if names, err := utils.ListDir(e.opts.Dir); err == nil {
		current := e.versions.ManifestNumber()
		for _, name := range names {
			typ, num, ok := utils.ParseFileName(name)
			switch {
			case ok && typ == utils.FileTypeManifest && num != current:
				remove(filepath.Join(e.opts.Dir, name), "manifest")
			case ok && typ == utils.FileTypeTemp:
				remove(filepath.Join(e.opts.Dir, name), "temp")
			}
		}
	}
}

func (e *Engine) nextMemTableID() uint64 {
	e.nextMemID++
	return e.nextMemID
}

func (e *Engine) startBackground() {
	e.scheduler = compaction.NewScheduler(compaction.SchedulerOptions{
		Strategy:     e.strategy,
		Compactor:    e.compactor,
		Versions:     e.versions,
		Workers:      e.opts.CompactionWorkers,
		RetryInitial: e.opts.CompactionRetryInitial,
		RetryMax:     e.opts.CompactionRetryMax,
		Logger:       e.opts.Logger,
		OnDone: func(*compaction.Result, error) {
			e.deleteObsolete()
			e.updateLevelMetrics()
		},
		OnFatal: e.setFatal,
	})
	e.bg.Add(1)
	go e.flushLoop()
	e.scheduler.Start()
}
