package manifest

import (
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// ErrWrite marks LogAndApply failures that happened while appending to the
// manifest. After one, the manifest may end in a partial record and no
// further edits can be trusted to it.
var ErrWrite = errors.New("manifest: write failed")

// Options configures a VersionSet.
type Options struct {
	// Dir is the data directory holding CURRENT and the manifests.
	Dir string

	// MaxManifestSize triggers a checkpoint once the manifest grows past it.
	// Default: 4MB
	MaxManifestSize uint64

	Logger *zap.Logger
}

// VersionSet owns the current Version and the manifest log.
//
// LogAndApply calls are serialized; each one durably appends its edit
// before the new Version becomes current. Current may be called
// concurrently with LogAndApply.
type VersionSet struct {
	opts   Options
	logger *zap.Logger

	// logMu serializes manifest writes and version installation.
	logMu    sync.Mutex
	manifest *wal.Writer

	mu              sync.Mutex
	current         *Version
	manifestNum     uint64
	nextFileNumber  uint64
	lastSequence    uint64
	logNumber       uint64
	compactPointers [MaxLevels][]byte
	obsolete        []*FileMeta
}

// New returns an empty VersionSet. Call Create for a new directory or
// Recover for an existing one.
func New(opts Options) *VersionSet {
	if opts.MaxManifestSize == 0 {
		opts.MaxManifestSize = 4 << 20
	}
	vs := &VersionSet{
		opts:           opts,
		logger:         logging.OrNop(opts.Logger).Named("manifest"),
		nextFileNumber: 1,
	}
	vs.current = newVersion(vs)
	vs.current.Ref()
	return vs
}

// Create writes the first manifest of a new directory.
func (vs *VersionSet) Create() error {
	vs.logMu.Lock()
	defer vs.logMu.Unlock()
	return vs.checkpointLocked()
}

// RecoverStats describes a Recover.
type RecoverStats struct {
	ManifestNum uint64
	Edits       int
	Files       int
}

// Recover folds the manifest named by CURRENT into the current Version.
// It returns ErrNoCurrent if the directory has none.
func (vs *VersionSet) Recover() (RecoverStats, error) {
	var stats RecoverStats
	num, err := ReadCurrent(vs.opts.Dir)
	if err != nil {
		return stats, err
	}
	stats.ManifestNum = num

	b := newVersionBuilder(nil)
	var (
		comparator  string
		logNumber   uint64
		nextFile    uint64
		lastSeq     uint64
		pointers    [MaxLevels][]byte
		hasNextFile bool
	)
	path := filepath.Join(vs.opts.Dir, utils.ManifestName(num))
	err = ReadManifest(path, func(edit *VersionEdit) error {
		stats.Edits++
		if edit.HasComparator {
			comparator = edit.Comparator
		}
		if err := b.apply(edit); err != nil {
			return errors.NewCorruptionErrorf(path, -1, "edit %d: %v", stats.Edits, err)
		}
		if edit.HasLogNumber {
			logNumber = max(logNumber, edit.LogNumber)
		}
		if edit.HasNextFileNumber {
			nextFile = max(nextFile, edit.NextFileNumber)
			hasNextFile = true
		}
		if edit.HasLastSequence {
			lastSeq = max(lastSeq, edit.LastSequence)
		}
		for _, cp := range edit.CompactPointers {
			if cp.Level >= 0 && cp.Level < MaxLevels {
				pointers[cp.Level] = cp.Key
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if comparator != ComparatorName {
		return stats, errors.NewCorruptionErrorf(path, -1, "comparator %q, want %q", comparator, ComparatorName)
	}
	if !hasNextFile {
		return stats, errors.NewCorruptionError(path, -1, "no next-file-number")
	}

	v, err := b.build(vs)
	if err != nil {
		return stats, errors.NewCorruptionErrorf(path, -1, "%v", err)
	}
	for level := range v.Files {
		for _, f := range v.Files[level] {
			if f.FileNum >= nextFile {
				nextFile = f.FileNum + 1
			}
			lastSeq = max(lastSeq, f.MaxSeq)
		}
	}
	stats.Files = v.TotalFiles()

	vs.mu.Lock()
	old := vs.current
	v.Ref()
	vs.current = v
	vs.manifestNum = num
	vs.nextFileNumber = max(nextFile, num+1)
	vs.lastSequence = lastSeq
	vs.logNumber = logNumber
	vs.compactPointers = pointers
	vs.mu.Unlock()
	old.Unref()

	vs.logger.Info("recovered manifest",
		zap.Uint64("manifest", num), zap.Int("edits", stats.Edits), zap.Int("files", stats.Files),
		zap.Uint64("last_seq", lastSeq), zap.Uint64("log_number", logNumber))
	return stats, nil
}

// ValidateFiles calls check for every run of the current Version, at most
// parallelism at a time, and returns the first failure.
func (vs *VersionSet) ValidateFiles(ctx context.Context, parallelism int, check func(level int, f *FileMeta) error) error {
	v := vs.Current()
	defer v.Unref()

	g, _ := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for level := range v.Files {
		for _, f := range v.Files[level] {
			g.Go(func() error { return check(level, f) })
		}
	}
	return g.Wait()
}

// Current returns the current Version, pinned. The caller must Unref it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// MarkFileNumberUsed makes sure num is never allocated.
func (vs *VersionSet) MarkFileNumberUsed(num uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if num >= vs.nextFileNumber {
		vs.nextFileNumber = num + 1
	}
}

// LastSequence returns the highest sequence number covered by the runs.
func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

// LogNumber returns the oldest WAL segment not yet flushed.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// ManifestNumber returns the number of the active manifest.
func (vs *VersionSet) ManifestNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestNum
}

// CompactPointer returns where the next compaction of level starts.
func (vs *VersionSet) CompactPointer(level int) []byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= MaxLevels {
		return nil
	}
	return vs.compactPointers[level]
}

// LogAndApply durably appends edit to the manifest and installs the
// resulting Version. On failure the current Version is unchanged; the
// caller must treat a write failure as fatal since the manifest may now
// end in a partial record.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.logMu.Lock()
	defer vs.logMu.Unlock()

	vs.mu.Lock()
	base := vs.current
	if !edit.HasNextFileNumber {
		edit.SetNextFileNumber(vs.nextFileNumber)
	}
	vs.mu.Unlock()

	b := newVersionBuilder(base)
	if err := b.apply(edit); err != nil {
		return errors.Wrap(err, "manifest: apply edit")
	}
	v, err := b.build(vs)
	if err != nil {
		return errors.Wrap(err, "manifest: build version")
	}

	if vs.manifest == nil {
		v.Ref()
		v.Unref()
		return errors.AssertionFailedf("manifest: not open")
	}
	if err := vs.manifest.WriteRecord(edit.Encode()); err != nil {
		v.Ref()
		v.Unref()
		return errors.Mark(err, ErrWrite)
	}
	if err := vs.manifest.Sync(); err != nil {
		v.Ref()
		v.Unref()
		return errors.Mark(err, ErrWrite)
	}

	vs.mu.Lock()
	old := vs.current
	v.Ref()
	vs.current = v
	if edit.HasLogNumber && edit.LogNumber > vs.logNumber {
		vs.logNumber = edit.LogNumber
	}
	if edit.HasLastSequence && edit.LastSequence > vs.lastSequence {
		vs.lastSequence = edit.LastSequence
	}
	if edit.NextFileNumber > vs.nextFileNumber {
		vs.nextFileNumber = edit.NextFileNumber
	}
	for _, cp := range edit.CompactPointers {
		vs.compactPointers[cp.Level] = cp.Key
	}
	vs.mu.Unlock()
	old.Unref()

	if uint64(vs.manifest.Size()) > vs.opts.MaxManifestSize {
		if err := vs.checkpointLocked(); err != nil {
			// The edit is durable in the old manifest, which CURRENT still
			// names; the next append goes there too.
			vs.logger.Warn("manifest checkpoint failed", zap.Error(err))
		}
	}
	return nil
}

// Checkpoint writes a fresh manifest holding a single snapshot edit,
// points CURRENT at it and removes the old manifest.
func (vs *VersionSet) Checkpoint() error {
	vs.logMu.Lock()
	defer vs.logMu.Unlock()
	return vs.checkpointLocked()
}

func (vs *VersionSet) checkpointLocked() error {
	num := vs.NewFileNumber()

	vs.mu.Lock()
	snap := &VersionEdit{}
	snap.SetComparator(ComparatorName)
	snap.SetLogNumber(vs.logNumber)
	snap.SetNextFileNumber(vs.nextFileNumber)
	snap.SetLastSequence(vs.lastSequence)
	for level, key := range vs.compactPointers {
		if key != nil {
			snap.SetCompactPointer(level, key)
		}
	}
	for level := range vs.current.Files {
		for _, f := range vs.current.Files[level] {
			snap.AddFile(level, f)
		}
	}
	oldNum := vs.manifestNum
	vs.mu.Unlock()

	path := filepath.Join(vs.opts.Dir, utils.ManifestName(num))
	w, err := wal.Create(path)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = w.Close()
		_ = utils.RemoveFile(path)
		return err
	}
	if err := w.WriteRecord(snap.Encode()); err != nil {
		return fail(err)
	}
	if err := w.Sync(); err != nil {
		return fail(err)
	}
	if err := SetCurrent(vs.opts.Dir, num); err != nil {
		return fail(err)
	}

	if vs.manifest != nil {
		_ = vs.manifest.Close()
	}
	vs.manifest = w
	vs.mu.Lock()
	vs.manifestNum = num
	vs.mu.Unlock()

	if oldNum != 0 && oldNum != num {
		if err := utils.RemoveFile(filepath.Join(vs.opts.Dir, utils.ManifestName(oldNum))); err != nil {
			vs.logger.Warn("remove old manifest", zap.Uint64("manifest", oldNum), zap.Error(err))
		}
	}
	vs.logger.Debug("wrote manifest checkpoint", zap.Uint64("manifest", num), zap.Int("files", len(snap.NewFiles)))
	return nil
}

// ManifestSize returns the size of the active manifest.
func (vs *VersionSet) ManifestSize() int64 {
	vs.logMu.Lock()
	defer vs.logMu.Unlock()
	if vs.manifest == nil {
		return 0
	}
	return vs.manifest.Size()
}

func (vs *VersionSet) addObsolete(files []*FileMeta) {
	vs.mu.Lock()
	vs.obsolete = append(vs.obsolete, files...)
	vs.mu.Unlock()
}

// TakeObsolete returns and forgets the runs no Version references any
// more. Their files may be deleted.
func (vs *VersionSet) TakeObsolete() []*FileMeta {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	files := vs.obsolete
	vs.obsolete = nil
	return files
}

// Close closes the manifest.
func (vs *VersionSet) Close() error {
	vs.logMu.Lock()
	defer vs.logMu.Unlock()
	if vs.manifest == nil {
		return nil
	}
	err := vs.manifest.Close()
	vs.manifest = nil
	return err
}
