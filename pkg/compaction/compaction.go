// Package compaction merges sorted runs down the levels of the tree.
//
// Compaction keeps reads cheap by bounding the number of runs a lookup has
// to visit, and reclaims space held by shadowed versions and tombstones.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────┐
//	│                   Compaction System                      │
//	├─────────────────────────────────────────────────────────┤
//	│  ┌─────────────┐                                        │
//	│  │   Leveled   │  picks inputs from a pinned Version     │
//	│  │  Strategy   │                                        │
//	│  └──────┬──────┘                                        │
//	│         │ Task                                          │
//	│  ┌──────▼──────┐                                        │
//	│  │  Scheduler  │  triggers, manual requests, busy levels │
//	│  └──────┬──────┘  retry with backoff                    │
//	│         │ bounded by a weighted semaphore               │
//	│  ┌──────▼──────┐                                        │
//	│  │  Compactor  │  k-way merge, split outputs, publish    │
//	│  └─────────────┘  one VersionEdit                       │
//	└─────────────────────────────────────────────────────────┘
package compaction

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vladgaus/lsmkv/pkg/manifest"
)

// Strategy decides what to compact.
type Strategy interface {
	// PickCompaction selects the most urgent compaction whose levels are
	// not busy. It returns nil when nothing needs compacting.
	PickCompaction(v *manifest.Version, cursor func(level int) []byte, busy func(level int) bool) *Task

	// PickLevel selects every run of level and the overlapping runs of the
	// next level, regardless of score. It returns nil for an empty level.
	PickLevel(v *manifest.Version, level int) *Task

	// NeedsCompaction reports whether any level is over its trigger.
	NeedsCompaction(v *manifest.Version) bool
}

// Task is one compaction: Inputs from Level merged with the Overlapping
// runs of TargetLevel into new runs at TargetLevel.
type Task struct {
	Level       int
	TargetLevel int
	Inputs      []*manifest.FileMeta
	Overlapping []*manifest.FileMeta

	// Score is the urgency of Level when the task was picked.
	Score float64

	// DropTombstones is set when no level below TargetLevel holds a run,
	// so no older version can be resurrected by dropping a tombstone.
	DropTombstones bool

	Manual bool
}

// AllInputs returns the runs consumed by the task.
func (t *Task) AllInputs() []*manifest.FileMeta {
	all := make([]*manifest.FileMeta, 0, len(t.Inputs)+len(t.Overlapping))
	all = append(all, t.Inputs...)
	return append(all, t.Overlapping...)
}

// InputBytes returns the total size of the inputs.
func (t *Task) InputBytes() uint64 {
	var n uint64
	for _, f := range t.AllInputs() {
		n += f.Size
	}
	return n
}

func (t *Task) String() string {
	nums := func(files []*manifest.FileMeta) string {
		s := make([]string, len(files))
		for i, f := range files {
			s[i] = fmt.Sprintf("%06d", f.FileNum)
		}
		return strings.Join(s, ",")
	}
	return fmt.Sprintf("L%d[%s] + L%d[%s] score=%.2f", t.Level, nums(t.Inputs), t.TargetLevel, nums(t.Overlapping), t.Score)
}

// Result describes a finished compaction.
type Result struct {
	Task              *Task
	Outputs           []*manifest.FileMeta
	BytesRead         uint64
	BytesWritten      uint64
	EntriesWritten    uint64
	TombstonesDropped uint64
	ShadowedDropped   uint64
}

// Stats are cumulative compaction counters.
type Stats struct {
	Compactions       atomic.Int64
	Failures          atomic.Int64
	BytesRead         atomic.Int64
	BytesWritten      atomic.Int64
	FilesRead         atomic.Int64
	FilesWritten      atomic.Int64
	TombstonesDropped atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Compactions       int64
	Failures          int64
	BytesRead         int64
	BytesWritten      int64
	FilesRead         int64
	FilesWritten      int64
	TombstonesDropped int64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Compactions:       s.Compactions.Load(),
		Failures:          s.Failures.Load(),
		BytesRead:         s.BytesRead.Load(),
		BytesWritten:      s.BytesWritten.Load(),
		FilesRead:         s.FilesRead.Load(),
		FilesWritten:      s.FilesWritten.Load(),
		TombstonesDropped: s.TombstonesDropped.Load(),
	}
}

func (s *Stats) record(r *Result) {
	s.Compactions.Add(1)
	s.BytesRead.Add(int64(r.BytesRead))
	s.BytesWritten.Add(int64(r.BytesWritten))
	s.FilesRead.Add(int64(len(r.Task.Inputs) + len(r.Task.Overlapping)))
	s.FilesWritten.Add(int64(len(r.Outputs)))
	s.TombstonesDropped.Add(int64(r.TombstonesDropped))
}
