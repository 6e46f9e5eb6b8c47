package wal

import (
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// SyncPolicy decides when appended records are fsynced.
type SyncPolicy int

const (
	// SyncPerWrite fsyncs every append before it returns.
	SyncPerWrite SyncPolicy = iota

	// SyncPeriodic fsyncs from a background ticker, on rotation and on
	// close. A machine crash may lose the last interval of appends.
	SyncPeriodic
)

// String returns the configuration name of the policy.
func (p SyncPolicy) String() string {
	if p == SyncPeriodic {
		return "periodic"
	}
	return "per-write"
}

// ParseSyncPolicy parses "per-write" or "periodic".
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch strings.ToLower(s) {
	case "per-write", "":
		return SyncPerWrite, nil
	case "periodic":
		return SyncPeriodic, nil
	}
	return SyncPerWrite, errors.Wrapf(errors.ErrInvalidArgument, "unknown sync policy %q", s)
}

// Options configures the Manager.
type Options struct {
	// Dir holds the segment files.
	Dir string

	SyncPolicy SyncPolicy

	// SyncInterval is the ticker period for SyncPeriodic.
	// Default: 100ms
	SyncInterval time.Duration

	Logger *zap.Logger
}

// ReplayStats summarizes a Replay.
type ReplayStats struct {
	Segments       int
	Records        int
	LastSeqNum     uint64
	TruncatedBytes int64 // bytes dropped from the tail of the newest segment
}

// Manager owns the WAL segments of one engine.
//
// One segment is current and receives appends. The engine rotates to a
// new segment whenever it freezes a memtable, so every memtable maps to
// exactly one segment and a segment can be removed once its memtable is
// flushed.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	opts   Options
	logger *zap.Logger

	writer  *Writer
	current uint64
	dirty   bool
	syncErr error // sticky background sync failure

	stopSync chan struct{}
	syncDone chan struct{}
}

// Open prepares dir for segments. No segment is current until NewSegment.
func Open(opts Options) (*Manager, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.NewIOError("mkdir", opts.Dir, err)
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 100 * time.Millisecond
	}
	m := &Manager{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("wal"),
	}
	if opts.SyncPolicy == SyncPeriodic {
		m.stopSync = make(chan struct{})
		m.syncDone = make(chan struct{})
		go m.syncLoop()
	}
	return m, nil
}

// Segments returns the numbers of the segment files on disk, ascending.
func (m *Manager) Segments() ([]uint64, error) {
	names, err := utils.ListDir(m.opts.Dir)
	if err != nil {
		return nil, err
	}
	var nums []uint64
	for _, name := range names {
		if typ, num, ok := utils.ParseFileName(name); ok && typ == utils.FileTypeWAL {
			nums = append(nums, num)
		}
	}
	slices.Sort(nums)
	return nums, nil
}

// NewSegment syncs and closes the current segment and starts segment num.
func (m *Manager) NewSegment(num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			return err
		}
		m.writer = nil
	}
	w, err := Create(utils.WALPath(m.opts.Dir, num))
	if err != nil {
		return err
	}
	if err := utils.SyncDir(m.opts.Dir); err != nil {
		_ = w.Close()
		return err
	}
	m.writer = w
	m.current = num
	m.dirty = false
	m.logger.Debug("started segment", zap.Uint64("segment", num))
	return nil
}

// Current returns the number of the segment receiving appends.
func (m *Manager) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Append writes e to the current segment and makes it durable according to
// the sync policy. Under SyncPeriodic the record still reaches the OS
// before Append returns, so a process crash does not lose it.
func (m *Manager) Append(e *types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		return errors.AssertionFailedf("wal: append with no current segment")
	}
	if m.syncErr != nil {
		return m.syncErr
	}
	if err := m.writer.WriteRecord(encoding.EncodeEntry(e)); err != nil {
		return err
	}
	if m.opts.SyncPolicy == SyncPerWrite {
		return m.writer.Sync()
	}
	m.dirty = true
	return m.writer.Flush()
}

// Sync fsyncs the current segment.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked()
}

func (m *Manager) syncLocked() error {
	if m.writer == nil {
		return nil
	}
	if err := m.writer.Sync(); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Manager) syncLoop() {
	defer close(m.syncDone)
	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSync:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.dirty && m.syncErr == nil {
				if err := m.syncLocked(); err != nil {
					m.syncErr = err
					m.logger.Error("periodic sync failed", zap.Error(err))
				}
			}
			m.mu.Unlock()
		}
	}
}

// RemoveBelow deletes every segment numbered below num except the current.
func (m *Manager) RemoveBelow(num uint64) error {
	nums, err := m.Segments()
	if err != nil {
		return err
	}
	current := m.Current()
	removed := 0
	for _, n := range nums {
		if n >= num || n == current {
			continue
		}
		if err := utils.RemoveFile(utils.WALPath(m.opts.Dir, n)); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Debug("removed obsolete segments", zap.Int("count", removed), zap.Uint64("below", num))
	}
	return nil
}

// Replay feeds fn every record of the segments numbered >= minNum, oldest
// segment first. A torn tail of the newest non-empty segment is truncated
// on disk and reported in the stats; any other damage is a
// CorruptionError.
func (m *Manager) Replay(minNum uint64, fn func(*types.Entry) error) (ReplayStats, error) {
	var stats ReplayStats

	nums, err := m.Segments()
	if err != nil {
		return stats, err
	}
	nums = slices.DeleteFunc(nums, func(n uint64) bool { return n < minNum })

	// The tail rule applies to the last segment holding any bytes. Empty
	// segments after it are rotations that never received a write.
	last := len(nums) - 1
	for last > 0 {
		path := utils.WALPath(m.opts.Dir, nums[last])
		info, err := os.Stat(path)
		if err != nil {
			return stats, errors.NewIOError("stat", path, err)
		}
		if info.Size() > 0 {
			break
		}
		last--
	}

	for i, n := range nums {
		path := utils.WALPath(m.opts.Dir, n)
		records, truncated, err := replayFile(path, i >= last, &stats.LastSeqNum, fn)
		if err != nil {
			return stats, err
		}
		stats.Segments++
		stats.Records += records
		if truncated > 0 {
			// Cut the tail on disk too. Once a newer segment exists this
			// one is no longer the newest, and the same damage would be
			// reported as corruption.
			if err := truncateFile(path, truncated); err != nil {
				return stats, err
			}
			stats.TruncatedBytes += truncated
			m.logger.Warn("truncated torn tail", zap.Uint64("segment", n),
				logging.Bytes("dropped", truncated), zap.Int("records", records))
		}
	}
	return stats, nil
}

// truncateFile drops the last n bytes of path and fsyncs it.
func truncateFile(path string, n int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.NewIOError("open", path, err)
	}
	info, err := f.Stat()
	if err == nil {
		err = f.Truncate(info.Size() - n)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.NewIOError("truncate", path, err)
}

// ReadFile feeds fn every record of one segment file. Damage is reported as
// an error even at the tail; the inspection tool uses it.
func ReadFile(path string, fn func(*types.Entry) error) error {
	var last uint64
	_, _, err := replayFile(path, false, &last, fn)
	return err
}

// replayFile reads one segment. With tail set, damage that no later valid
// fragment follows is dropped instead of reported.
func replayFile(path string, tail bool, lastSeq *uint64, fn func(*types.Entry) error) (int, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, errors.NewIOError("read", path, err)
	}

	r := NewReader(data, path)
	records := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, 0, nil
		}
		if err != nil {
			end := r.LastRecordEnd()
			damage := int(end)
			var ce *errors.CorruptionError
			if errors.As(err, &ce) {
				damage = int(ce.Offset)
			}
			if tail && !validRecordAfter(data, damage) {
				return records, int64(len(data)) - end, nil
			}
			if errors.Is(err, ErrTruncated) {
				return records, 0, errors.NewCorruptionErrorf(path, end, "truncated record before valid data: %v", err)
			}
			return records, 0, err
		}

		e, err := encoding.DecodeEntry(rec)
		if err != nil {
			return records, 0, errors.NewCorruptionErrorf(path, r.LastRecordEnd(), "undecodable entry: %v", err)
		}
		if e.SeqNum <= *lastSeq {
			return records, 0, errors.NewCorruptionErrorf(path, r.LastRecordEnd(),
				"sequence %d does not follow %d", e.SeqNum, *lastSeq)
		}
		*lastSeq = e.SeqNum
		records++
		if err := fn(e); err != nil {
			return records, 0, err
		}
	}
}

// Close stops the background syncer and syncs and closes the current
// segment.
func (m *Manager) Close() error {
	if m.stopSync != nil {
		close(m.stopSync)
		<-m.syncDone
		m.stopSync = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer == nil {
		return nil
	}
	err := m.writer.Close()
	m.writer = nil
	return err
}
