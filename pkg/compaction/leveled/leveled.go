// Package leveled implements level-based compaction.
//
// Level 0 holds flushed runs that may overlap and is compacted by run
// count. Each level L >= 1 holds disjoint runs and is compacted when its
// size exceeds LevelBaseSize * LevelFanout^L.
//
// Characteristics:
//   - At most one run per level >= 1 is consulted by a point lookup
//   - Runs may be rewritten once per level on their way down
//   - Shadowed versions are reclaimed as soon as they meet in a merge
//
// Level targets (10MiB base, fanout 10):
//
//	L0: by run count (l0_run_limit)
//	L1: 100MiB
//	L2: 1GiB
//	L3: 10GiB
package leveled

import (
	"bytes"
	"math"

	"github.com/vladgaus/lsmkv/pkg/compaction"
	"github.com/vladgaus/lsmkv/pkg/manifest"
)

// Config configures leveled compaction.
type Config struct {
	// NumLevels is the number of levels (default: 7)
	NumLevels int

	// L0RunLimit triggers compaction when L0 holds more runs than this.
	L0RunLimit int

	// LevelBaseSize and LevelFanout give the size trigger of level L as
	// LevelBaseSize * LevelFanout^L.
	LevelBaseSize uint64
	LevelFanout   int
}

// DefaultConfig returns default leveled compaction configuration.
func DefaultConfig() Config {
	return Config{
		NumLevels:     manifest.MaxLevels,
		L0RunLimit:    4,
		LevelBaseSize: 10 << 20,
		LevelFanout:   10,
	}
}

// Strategy implements compaction.Strategy.
type Strategy struct {
	config Config
}

// New creates a leveled strategy. Zero fields take their defaults.
func New(config Config) *Strategy {
	def := DefaultConfig()
	if config.NumLevels <= 1 || config.NumLevels > manifest.MaxLevels {
		config.NumLevels = def.NumLevels
	}
	if config.L0RunLimit <= 0 {
		config.L0RunLimit = def.L0RunLimit
	}
	if config.LevelBaseSize == 0 {
		config.LevelBaseSize = def.LevelBaseSize
	}
	if config.LevelFanout <= 1 {
		config.LevelFanout = def.LevelFanout
	}
	return &Strategy{config: config}
}

// Config returns the strategy configuration.
func (s *Strategy) Config() Config {
	return s.config
}

// MaxBytesForLevel returns the size trigger of a level >= 1.
func (s *Strategy) MaxBytesForLevel(level int) uint64 {
	size := float64(s.config.LevelBaseSize) * math.Pow(float64(s.config.LevelFanout), float64(level))
	if size > math.MaxUint64/2 {
		return math.MaxUint64 / 2
	}
	return uint64(size)
}

// Score returns how far a level is over its trigger; above 1 means it
// needs compaction. The last level is never compacted.
func (s *Strategy) Score(v *manifest.Version, level int) float64 {
	if level >= s.config.NumLevels-1 {
		return 0
	}
	if level == 0 {
		return float64(v.NumFiles(0)) / float64(s.config.L0RunLimit)
	}
	return float64(v.LevelSize(level)) / float64(s.MaxBytesForLevel(level))
}

func (s *Strategy) over(v *manifest.Version, level int) bool {
	if level >= s.config.NumLevels-1 {
		return false
	}
	if level == 0 {
		return v.NumFiles(0) > s.config.L0RunLimit
	}
	return v.LevelSize(level) > s.MaxBytesForLevel(level)
}

// NeedsCompaction reports whether any level is over its trigger.
func (s *Strategy) NeedsCompaction(v *manifest.Version) bool {
	for level := 0; level < s.config.NumLevels-1; level++ {
		if s.over(v, level) {
			return true
		}
	}
	return false
}

// PickCompaction picks the level with the highest score above its trigger
// whose level pair is free.
func (s *Strategy) PickCompaction(v *manifest.Version, cursor func(level int) []byte, busy func(level int) bool) *compaction.Task {
	best := -1
	var bestScore float64
	for level := 0; level < s.config.NumLevels-1; level++ {
		if !s.over(v, level) || busy(level) || busy(level+1) {
			continue
		}
		if score := s.Score(v, level); score > bestScore {
			best, bestScore = level, score
		}
	}
	if best < 0 {
		return nil
	}

	var task *compaction.Task
	if best == 0 {
		task = s.pickL0(v)
	} else {
		task = s.pickRotating(v, best, cursor(best))
	}
	if task != nil {
		task.Score = bestScore
	}
	return task
}

// pickL0 takes every L0 run; they may all overlap one another.
func (s *Strategy) pickL0(v *manifest.Version) *compaction.Task {
	inputs := append([]*manifest.FileMeta(nil), v.Files[0]...)
	if len(inputs) == 0 {
		return nil
	}
	return s.newTask(v, 0, inputs)
}

// pickRotating takes the first run after the level's compaction pointer,
// wrapping to the start of the level.
func (s *Strategy) pickRotating(v *manifest.Version, level int, pointer []byte) *compaction.Task {
	files := v.Files[level]
	if len(files) == 0 {
		return nil
	}
	input := files[0]
	if pointer != nil {
		for _, f := range files {
			if bytes.Compare(f.Largest, pointer) > 0 {
				input = f
				break
			}
		}
	}
	return s.newTask(v, level, []*manifest.FileMeta{input})
}

// PickLevel selects all of level for a manual compaction.
func (s *Strategy) PickLevel(v *manifest.Version, level int) *compaction.Task {
	if level < 0 || level >= s.config.NumLevels-1 || v.NumFiles(level) == 0 {
		return nil
	}
	task := s.newTask(v, level, append([]*manifest.FileMeta(nil), v.Files[level]...))
	task.Manual = true
	return task
}

func (s *Strategy) newTask(v *manifest.Version, level int, inputs []*manifest.FileMeta) *compaction.Task {
	var smallest, largest []byte
	for _, f := range inputs {
		if smallest == nil || bytes.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || bytes.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	target := level + 1
	task := &compaction.Task{
		Level:          level,
		TargetLevel:    target,
		Inputs:         inputs,
		Overlapping:    v.Overlapping(target, smallest, largest),
		DropTombstones: true,
	}
	for deeper := target + 1; deeper < manifest.MaxLevels; deeper++ {
		if v.NumFiles(deeper) > 0 {
			task.DropTombstones = false
			break
		}
	}
	return task
}

var _ compaction.Strategy = (*Strategy)(nil)
