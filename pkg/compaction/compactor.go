package compaction

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/iterator"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/metrics"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// Options configures a Compactor.
type Options struct {
	// Dir is the data directory; runs live under Dir/sst.
	Dir string

	Versions *manifest.VersionSet
	Tables   *sstable.Cache

	// Writer configures output tables. Throttle is set by the Compactor.
	Writer sstable.WriterOptions

	// TargetFileSize splits outputs once a table reaches it (default: 2MB)
	TargetFileSize uint64

	// RateLimit bounds output bytes per second. Zero is unlimited.
	RateLimit int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Compactor executes compaction tasks.
type Compactor struct {
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter
	burst   int
	stats   Stats
}

// NewCompactor creates a Compactor.
func NewCompactor(opts Options) *Compactor {
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = 2 << 20
	}
	c := &Compactor{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("compaction"),
	}
	if opts.RateLimit > 0 {
		c.burst = int(max(opts.RateLimit, 256<<10))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), c.burst)
	}
	return c
}

// Stats returns cumulative counters.
func (c *Compactor) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// throttle waits until n more bytes may be written. Blocks larger than the
// burst are paid for in burst-sized chunks.
func (c *Compactor) throttle(ctx context.Context) func(n int) error {
	if c.limiter == nil {
		return nil
	}
	return func(n int) error {
		for n > 0 {
			k := min(n, c.burst)
			if err := c.limiter.WaitN(ctx, k); err != nil {
				return err
			}
			n -= k
		}
		return nil
	}
}

// Run executes task and publishes its outputs with one VersionEdit. The
// task's inputs must stay referenced by a pinned Version until Run returns.
// On failure every output written so far is removed and the current
// Version is unchanged.
func (c *Compactor) Run(ctx context.Context, task *Task) (*Result, error) {
	start := time.Now()
	result := &Result{Task: task, BytesRead: task.InputBytes()}

	// Sources in recency order: the merge prefers lower indexes on ties,
	// and newer L0 runs sit at the end of the level.
	sources := make([]*manifest.FileMeta, 0, len(task.Inputs)+len(task.Overlapping))
	if task.Level == 0 {
		for i := len(task.Inputs) - 1; i >= 0; i-- {
			sources = append(sources, task.Inputs[i])
		}
	} else {
		sources = append(sources, task.Inputs...)
	}
	sources = append(sources, task.Overlapping...)

	iters := make([]types.InternalIterator, 0, len(sources))
	for _, f := range sources {
		r, err := c.opts.Tables.Get(f.FileNum)
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			return nil, c.fail(task, errors.Wrapf(err, "open input %06d", f.FileNum))
		}
		iters = append(iters, r.NewIterator())
	}
	it := NewCompactionIterator(iterator.NewMergingIterator(iters...), task.DropTombstones)
	defer it.Close()

	wopts := c.opts.Writer
	wopts.Throttle = c.throttle(ctx)

	var (
		w       *sstable.Writer
		wNum    uint64
		outputs []*manifest.FileMeta
	)
	cleanup := func() {
		if w != nil {
			w.Abort()
		}
		for _, o := range outputs {
			_ = utils.RemoveFile(utils.SSTablePath(c.opts.Dir, o.FileNum))
		}
	}
	finish := func() error {
		props, err := w.Finish()
		w = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, MetaFromProperties(wNum, props))
		result.BytesWritten += props.FileSize
		result.EntriesWritten += props.EntryCount
		return nil
	}

	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, c.fail(task, err)
		}
		if w == nil {
			wNum = c.opts.Versions.NewFileNumber()
			var err error
			w, err = sstable.Create(utils.SSTablePath(c.opts.Dir, wNum), wopts)
			if err != nil {
				cleanup()
				return nil, c.fail(task, err)
			}
		}
		if err := w.Add(it.Entry()); err != nil {
			cleanup()
			return nil, c.fail(task, err)
		}
		if w.EstimatedSize() >= c.opts.TargetFileSize {
			if err := finish(); err != nil {
				cleanup()
				return nil, c.fail(task, err)
			}
		}
	}
	if err := it.Error(); err != nil {
		cleanup()
		return nil, c.fail(task, err)
	}
	if w != nil {
		if err := finish(); err != nil {
			cleanup()
			return nil, c.fail(task, err)
		}
	}
	result.Outputs = outputs
	result.TombstonesDropped = it.tombstones
	result.ShadowedDropped = it.shadowed

	edit := &manifest.VersionEdit{}
	for _, f := range task.Inputs {
		edit.DeleteFile(task.Level, f.FileNum)
	}
	for _, f := range task.Overlapping {
		edit.DeleteFile(task.TargetLevel, f.FileNum)
	}
	for _, o := range outputs {
		edit.AddFile(task.TargetLevel, o)
	}
	if task.Level > 0 {
		var largest []byte
		for _, f := range task.Inputs {
			if largest == nil || bytes.Compare(f.Largest, largest) > 0 {
				largest = f.Largest
			}
		}
		edit.SetCompactPointer(task.Level, largest)
	}
	if err := c.opts.Versions.LogAndApply(edit); err != nil {
		cleanup()
		return nil, c.fail(task, err)
	}

	c.stats.record(result)
	c.opts.Metrics.ObserveCompaction(result.BytesRead, result.BytesWritten)
	c.logger.Info("compaction finished",
		zap.Stringer("task", task),
		zap.Int("outputs", len(outputs)),
		logging.Bytes("read", int64(result.BytesRead)),
		logging.Bytes("written", int64(result.BytesWritten)),
		zap.Uint64("tombstones_dropped", result.TombstonesDropped),
		zap.Uint64("shadowed_dropped", result.ShadowedDropped),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

func (c *Compactor) fail(task *Task, err error) error {
	c.stats.Failures.Add(1)
	c.opts.Metrics.ObserveCompactionFailure()
	return errors.NewCompactionError(task.Level, err)
}

// MetaFromProperties describes a finished table for a VersionEdit.
func MetaFromProperties(fileNum uint64, p *sstable.Properties) *manifest.FileMeta {
	return &manifest.FileMeta{
		FileNum:    fileNum,
		Size:       p.FileSize,
		Smallest:   p.SmallestKey,
		Largest:    p.LargestKey,
		MinSeq:     p.MinSeqNum,
		MaxSeq:     p.MaxSeqNum,
		NumEntries: p.EntryCount,
	}
}
