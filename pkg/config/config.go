// Package config provides configuration management for lsmkv.
// Configuration files are YAML; JSON documents are accepted too since
// they are valid YAML. Missing fields keep their defaults.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/manifest"
	"github.com/vladgaus/lsmkv/pkg/sstable"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// Config holds all configuration for an engine.
type Config struct {
	// DataDir is the directory where all data files are stored.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// MemtableSizeThreshold freezes the active memtable once it grows
	// past this size.
	// Default: 4MiB
	MemtableSizeThreshold ByteSize `yaml:"memtable_size_threshold" json:"memtable_size_threshold"`

	// MaxImmutableMemtables is the immutable queue depth at which writers
	// stall until a flush completes.
	// Default: 4
	MaxImmutableMemtables int `yaml:"max_immutable_memtables" json:"max_immutable_memtables"`

	// SyncPolicy is "per-write" or "periodic".
	// Default: per-write
	SyncPolicy string `yaml:"sync_policy" json:"sync_policy"`

	// WALSyncInterval is the fsync period of the periodic policy.
	// Default: 100ms
	WALSyncInterval time.Duration `yaml:"wal_sync_interval" json:"wal_sync_interval"`

	// BlockSize is the target size of sstable data blocks.
	// Default: 4KiB
	BlockSize ByteSize `yaml:"block_size" json:"block_size"`

	// Compression is "none", "enabled" (snappy), "snappy" or "zstd".
	// Default: none
	Compression string `yaml:"compression" json:"compression"`

	// BloomBitsPerKey sizes the per-run filters. 0 disables them.
	// Default: 10
	BloomBitsPerKey int `yaml:"bloom_bits_per_key" json:"bloom_bits_per_key"`

	// TargetFileSize splits compaction output.
	// Default: 2MiB
	TargetFileSize ByteSize `yaml:"target_file_size" json:"target_file_size"`

	// NumLevels is the number of levels including L0.
	// Default: 7
	NumLevels int `yaml:"num_levels" json:"num_levels"`

	// L0RunLimit triggers an L0 compaction when exceeded.
	// Default: 4
	L0RunLimit int `yaml:"l0_run_limit" json:"l0_run_limit"`

	// LevelBaseSize and LevelFanout give the trigger of level L >= 1 as
	// level_base_size * level_fanout^L.
	// Defaults: 10MiB, 10
	LevelBaseSize ByteSize `yaml:"level_base_size" json:"level_base_size"`
	LevelFanout   int      `yaml:"level_fanout" json:"level_fanout"`

	// CompactionWorkerCount bounds concurrent compactions.
	// Default: 2
	CompactionWorkerCount int `yaml:"compaction_worker_count" json:"compaction_worker_count"`

	// CompactionRateLimit bounds compaction writes per second. 0 = unlimited.
	CompactionRateLimit ByteSize `yaml:"compaction_rate_limit" json:"compaction_rate_limit"`

	// Failed background work is retried with exponential backoff.
	// Defaults: 100ms, 10s
	CompactionRetryInitial time.Duration `yaml:"compaction_retry_initial" json:"compaction_retry_initial"`
	CompactionRetryMax     time.Duration `yaml:"compaction_retry_max" json:"compaction_retry_max"`

	// ManifestMaxSize starts a new manifest once exceeded.
	// Default: 4MiB
	ManifestMaxSize ByteSize `yaml:"manifest_max_size" json:"manifest_max_size"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig configures the engine logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "console".
	// Default: console
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                "./lsmkv_data",
		MemtableSizeThreshold:  4 * MiB,
		MaxImmutableMemtables:  4,
		SyncPolicy:             wal.SyncPerWrite.String(),
		WALSyncInterval:        100 * time.Millisecond,
		BlockSize:              4 * KiB,
		Compression:            sstable.NoCompression.String(),
		BloomBitsPerKey:        10,
		TargetFileSize:         2 * MiB,
		NumLevels:              manifest.MaxLevels,
		L0RunLimit:             4,
		LevelBaseSize:          10 * MiB,
		LevelFanout:            10,
		CompactionWorkerCount:  2,
		CompactionRetryInitial: 100 * time.Millisecond,
		CompactionRetryMax:     10 * time.Second,
		ManifestMaxSize:        4 * MiB,
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// Missing fields are filled with defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("read", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// SaveToFile saves the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewIOError("write", path, err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir cannot be empty")
	}
	if c.MemtableSizeThreshold == 0 {
		return invalid("memtable_size_threshold must be positive")
	}
	if c.MaxImmutableMemtables <= 0 {
		return invalid("max_immutable_memtables must be positive")
	}
	if _, err := wal.ParseSyncPolicy(c.SyncPolicy); err != nil {
		return invalid("sync_policy: %v", err)
	}
	if c.SyncPolicy == wal.SyncPeriodic.String() && c.WALSyncInterval <= 0 {
		return invalid("wal_sync_interval must be positive for the periodic policy")
	}
	if c.BlockSize == 0 {
		return invalid("block_size must be positive")
	}
	if _, err := sstable.ParseCompression(c.Compression); err != nil {
		return invalid("compression: %v", err)
	}
	if c.BloomBitsPerKey < 0 {
		return invalid("bloom_bits_per_key cannot be negative")
	}
	if c.TargetFileSize == 0 {
		return invalid("target_file_size must be positive")
	}
	if c.NumLevels < 2 || c.NumLevels > manifest.MaxLevels {
		return invalid("num_levels must be between 2 and %d", manifest.MaxLevels)
	}
	if c.L0RunLimit <= 0 {
		return invalid("l0_run_limit must be positive")
	}
	if c.LevelBaseSize == 0 {
		return invalid("level_base_size must be positive")
	}
	if c.LevelFanout < 2 {
		return invalid("level_fanout must be at least 2")
	}
	if c.CompactionWorkerCount <= 0 {
		return invalid("compaction_worker_count must be positive")
	}
	if c.CompactionRetryInitial <= 0 || c.CompactionRetryMax < c.CompactionRetryInitial {
		return invalid("compaction_retry_initial must be positive and not above compaction_retry_max")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}
	switch logging.Format(c.Logging.Format) {
	case logging.FormatJSON, logging.FormatConsole, "":
	default:
		return invalid("logging.format must be json or console")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(errors.ErrInvalidArgument, "config: "+format, args...)
}
