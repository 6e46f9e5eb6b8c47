package lsm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/pkg/config"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// Options configures the engine.
type Options struct {
	// Dir is the data directory for all files
	Dir string

	// MemtableSizeThreshold freezes the active memtable once its
	// approximate size reaches it.
	// Default: 4MB
	MemtableSizeThreshold int64

	// MaxImmutableMemtables stalls writes while this many frozen memtables
	// wait for flush.
	// Default: 4
	MaxImmutableMemtables int

	// WAL options
	SyncPolicy      wal.SyncPolicy
	WALSyncInterval time.Duration // ticker for SyncPeriodic (default: 100ms)

	// SSTable options
	BlockSize       int // Data block size (default: 4KB)
	Compression     sstable.Compression
	BloomBitsPerKey int // Bloom filter bits per key (default: 10, negative disables)
	TargetFileSize  uint64

	// Leveled compaction
	NumLevels     int    // Number of levels (default: 7)
	L0RunLimit    int    // L0 runs that trigger compaction (default: 4)
	LevelBaseSize uint64 // Size budget of L1 is LevelBaseSize*LevelFanout (default: 10MB)
	LevelFanout   int    // Size ratio between levels (default: 10)

	// Background work
	CompactionWorkers      int   // Concurrent compactions (default: 2)
	CompactionRateLimit    int64 // Output bytes per second, zero is unlimited
	CompactionRetryInitial time.Duration
	CompactionRetryMax     time.Duration

	// ManifestMaxSize triggers a manifest checkpoint (default: 4MB)
	ManifestMaxSize uint64

	// Logger receives structured logs. Nil discards them.
	Logger *zap.Logger

	// Registerer, if set, receives the engine's Prometheus collectors.
	// They are unregistered on Close.
	Registerer prometheus.Registerer
}

// DefaultOptions returns sensible default options.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                    dir,
		MemtableSizeThreshold:  4 << 20,
		MaxImmutableMemtables:  4,
		SyncPolicy:             wal.SyncPerWrite,
		WALSyncInterval:        100 * time.Millisecond,
		BlockSize:              4 << 10,
		Compression:            sstable.NoCompression,
		BloomBitsPerKey:        10,
		TargetFileSize:         2 << 20,
		NumLevels:              7,
		L0RunLimit:             4,
		LevelBaseSize:          10 << 20,
		LevelFanout:            10,
		CompactionWorkers:      2,
		CompactionRetryInitial: 100 * time.Millisecond,
		CompactionRetryMax:     10 * time.Second,
		ManifestMaxSize:        4 << 20,
	}
}

// OptionsFromConfig converts a validated file configuration. Logger and
// Registerer are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	policy, err := wal.ParseSyncPolicy(cfg.SyncPolicy)
	if err != nil {
		return Options{}, err
	}
	compression, err := sstable.ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	bloomBits := cfg.BloomBitsPerKey
	if bloomBits == 0 {
		bloomBits = -1
	}
	return Options{
		Dir:                    cfg.DataDir,
		MemtableSizeThreshold:  int64(cfg.MemtableSizeThreshold),
		MaxImmutableMemtables:  cfg.MaxImmutableMemtables,
		SyncPolicy:             policy,
		WALSyncInterval:        cfg.WALSyncInterval,
		BlockSize:              int(cfg.BlockSize),
		Compression:            compression,
		BloomBitsPerKey:        bloomBits,
		TargetFileSize:         uint64(cfg.TargetFileSize),
		NumLevels:              cfg.NumLevels,
		L0RunLimit:             cfg.L0RunLimit,
		LevelBaseSize:          uint64(cfg.LevelBaseSize),
		LevelFanout:            cfg.LevelFanout,
		CompactionWorkers:      cfg.CompactionWorkerCount,
		CompactionRateLimit:    int64(cfg.CompactionRateLimit),
		CompactionRetryInitial: cfg.CompactionRetryInitial,
		CompactionRetryMax:     cfg.CompactionRetryMax,
		ManifestMaxSize:        uint64(cfg.ManifestMaxSize),
	}, nil
}

// validate checks opts and fills in defaults.
func (opts *Options) validate() error {
	if opts.Dir == "" {
		return errors.Wrap(errors.ErrInvalidArgument, "lsm: Dir is required")
	}
	def := DefaultOptions(opts.Dir)
	if opts.MemtableSizeThreshold <= 0 {
		opts.MemtableSizeThreshold = def.MemtableSizeThreshold
	}
	if opts.MaxImmutableMemtables <= 0 {
		opts.MaxImmutableMemtables = def.MaxImmutableMemtables
	}
	if opts.WALSyncInterval <= 0 {
		opts.WALSyncInterval = def.WALSyncInterval
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.BloomBitsPerKey == 0 {
		opts.BloomBitsPerKey = def.BloomBitsPerKey
	}
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = def.TargetFileSize
	}
	if opts.NumLevels <= 0 {
		opts.NumLevels = def.NumLevels
	}
	if opts.NumLevels < 2 || opts.NumLevels > 7 {
		return errors.Wrapf(errors.ErrInvalidArgument, "lsm: NumLevels %d out of range [2, 7]", opts.NumLevels)
	}
	if opts.L0RunLimit <= 0 {
		opts.L0RunLimit = def.L0RunLimit
	}
	if opts.LevelBaseSize == 0 {
		opts.LevelBaseSize = def.LevelBaseSize
	}
	if opts.LevelFanout <= 0 {
		opts.LevelFanout = def.LevelFanout
	}
	if opts.LevelFanout < 2 {
		return errors.Wrapf(errors.ErrInvalidArgument, "lsm: LevelFanout %d must be at least 2", opts.LevelFanout)
	}
	if opts.CompactionWorkers <= 0 {
		opts.CompactionWorkers = def.CompactionWorkers
	}
	if opts.CompactionRetryInitial <= 0 {
		opts.CompactionRetryInitial = def.CompactionRetryInitial
	}
	if opts.CompactionRetryMax < opts.CompactionRetryInitial {
		opts.CompactionRetryMax = max(def.CompactionRetryMax, opts.CompactionRetryInitial)
	}
	if opts.ManifestMaxSize == 0 {
		opts.ManifestMaxSize = def.ManifestMaxSize
	}
	return nil
}

func (opts *Options) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:       opts.BlockSize,
		Compression:     opts.Compression,
		BloomBitsPerKey: max(opts.BloomBitsPerKey, 0),
	}
}
