package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// MaxLevels is the maximum number of levels in the tree.
const MaxLevels = 7

// Version is an immutable view of the runs at every level. Readers pin a
// Version with Ref and release it with Unref; a run is deleted only after
// every Version containing it is released.
//
// Level 0 runs may overlap and are ordered oldest first. Runs at level 1
// and deeper are sorted by Smallest and never overlap.
type Version struct {
	Files [MaxLevels][]*FileMeta

	refs atomic.Int32
	vs   *VersionSet
}

func newVersion(vs *VersionSet) *Version {
	return &Version{vs: vs}
}

// Ref pins the Version.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases a pin. When the last pin goes, every run whose last
// containing Version this was becomes obsolete.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(errors.AssertionFailedf("manifest: version unreffed below zero"))
	}
	var obsolete []*FileMeta
	for level := range v.Files {
		for _, f := range v.Files[level] {
			if f.refs.Add(-1) == 0 {
				obsolete = append(obsolete, f)
			}
		}
	}
	if len(obsolete) > 0 && v.vs != nil {
		v.vs.addObsolete(obsolete)
	}
}

// Refs returns the current pin count.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// NumFiles returns the number of runs at a level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= MaxLevels {
		return 0
	}
	return len(v.Files[level])
}

// TotalFiles returns the number of runs at all levels.
func (v *Version) TotalFiles() int {
	n := 0
	for level := range v.Files {
		n += len(v.Files[level])
	}
	return n
}

// LevelSize returns the total bytes at a level.
func (v *Version) LevelSize(level int) uint64 {
	if level < 0 || level >= MaxLevels {
		return 0
	}
	var n uint64
	for _, f := range v.Files[level] {
		n += f.Size
	}
	return n
}

// Overlapping returns the runs at level whose range intersects the
// inclusive [smallest, largest]. A nil bound is open.
func (v *Version) Overlapping(level int, smallest, largest []byte) []*FileMeta {
	if level < 0 || level >= MaxLevels {
		return nil
	}
	var out []*FileMeta
	for _, f := range v.Files[level] {
		if largest != nil && bytes.Compare(f.Smallest, largest) > 0 {
			if level > 0 {
				break
			}
			continue
		}
		if smallest != nil && bytes.Compare(f.Largest, smallest) < 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FileForKey returns the run at level >= 1 whose range contains key.
func (v *Version) FileForKey(level int, key []byte) *FileMeta {
	if level < 1 || level >= MaxLevels {
		return nil
	}
	files := v.Files[level]
	i := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].Largest, key) >= 0
	})
	if i < len(files) && bytes.Compare(files[i].Smallest, key) <= 0 {
		return files[i]
	}
	return nil
}

// DeepestNonEmpty returns the deepest level holding a run, or -1.
func (v *Version) DeepestNonEmpty() int {
	for level := MaxLevels - 1; level >= 0; level-- {
		if len(v.Files[level]) > 0 {
			return level
		}
	}
	return -1
}

// CheckOrdering verifies that runs at level 1 and deeper are sorted and
// disjoint.
func (v *Version) CheckOrdering() error {
	for level := 1; level < MaxLevels; level++ {
		files := v.Files[level]
		for i, f := range files {
			if bytes.Compare(f.Smallest, f.Largest) > 0 {
				return errors.AssertionFailedf("L%d run %06d has inverted range", level, f.FileNum)
			}
			if i > 0 && bytes.Compare(files[i-1].Largest, f.Smallest) >= 0 {
				return errors.AssertionFailedf("L%d runs %06d and %06d overlap", level, files[i-1].FileNum, f.FileNum)
			}
		}
	}
	return nil
}

// String formats the level layout.
func (v *Version) String() string {
	var b strings.Builder
	for level := range v.Files {
		if len(v.Files[level]) == 0 {
			continue
		}
		fmt.Fprintf(&b, "L%d:\n", level)
		for _, f := range v.Files[level] {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	return b.String()
}

// versionBuilder folds edits into a new Version.
type versionBuilder struct {
	levels [MaxLevels]map[uint64]*FileMeta
}

func newVersionBuilder(base *Version) *versionBuilder {
	b := &versionBuilder{}
	for level := range b.levels {
		b.levels[level] = make(map[uint64]*FileMeta)
		if base != nil {
			for _, f := range base.Files[level] {
				b.levels[level][f.FileNum] = f
			}
		}
	}
	return b
}

func (b *versionBuilder) apply(edit *VersionEdit) error {
	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= MaxLevels {
			return errors.Newf("invalid level %d for deleted file %06d", df.Level, df.FileNum)
		}
		if _, ok := b.levels[df.Level][df.FileNum]; !ok {
			return errors.Newf("deleted file %06d is not at L%d", df.FileNum, df.Level)
		}
		delete(b.levels[df.Level], df.FileNum)
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= MaxLevels {
			return errors.Newf("invalid level %d for new file %06d", nf.Level, nf.Meta.FileNum)
		}
		b.levels[nf.Level][nf.Meta.FileNum] = nf.Meta
	}
	return nil
}

// build returns the Version with a ref on each of its runs. The Version
// itself starts unpinned.
func (b *versionBuilder) build(vs *VersionSet) (*Version, error) {
	v := newVersion(vs)
	for level := range b.levels {
		files := make([]*FileMeta, 0, len(b.levels[level]))
		for _, f := range b.levels[level] {
			files = append(files, f)
		}
		if level == 0 {
			slices.SortFunc(files, func(a, b *FileMeta) int {
				if a.MaxSeq != b.MaxSeq {
					return cmpUint64(a.MaxSeq, b.MaxSeq)
				}
				return cmpUint64(a.FileNum, b.FileNum)
			})
		} else {
			slices.SortFunc(files, func(a, b *FileMeta) int {
				return bytes.Compare(a.Smallest, b.Smallest)
			})
		}
		v.Files[level] = files
	}
	if err := v.CheckOrdering(); err != nil {
		return nil, err
	}
	for level := range v.Files {
		for _, f := range v.Files[level] {
			f.refs.Add(1)
		}
	}
	return v, nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
