// Package manifest tracks which sorted runs exist at which level and
// persists every change so the tree can be rebuilt after a crash.
//
// Architecture:
//
//	CURRENT ──────► MANIFEST-000012
//	                ┌──────────────────────────────────────────────┐
//	                │ edit: snapshot (comparator, counters, files) │
//	                │ edit: AddFile(L0, 15), LogNumber=14          │
//	                │ edit: DeleteFile(L0, 15), AddFile(L1, 17..)  │
//	                │ ...                                          │
//	                └──────────────────────────────────────────────┘
//
// The manifest reuses the WAL record framing. Each record is one encoded
// VersionEdit. On open the edits are folded into the final Version, the
// live files of that Version are verified, and a fresh manifest holding a
// single snapshot edit replaces the old one.
//
// VersionEdit Format:
//
//	┌──────────┬──────────────────────┐
//	│ Tag (1B) │ Fields (varint/bytes)│  repeated
//	└──────────┴──────────────────────┘
//
// Tags:
//   - TagComparator (1): comparator name
//   - TagLogNumber (2): WAL segments below this number are flushed
//   - TagNextFileNumber (3): next file number to allocate
//   - TagLastSequence (4): last sequence number covered by the files
//   - TagCompactPointer (5): level + key where the next compaction starts
//   - TagDeletedFile (6): level + file number
//   - TagNewFile (7): level + file metadata
package manifest

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// Record tags for VersionEdit fields
const (
	TagComparator     byte = 1
	TagLogNumber      byte = 2
	TagNextFileNumber byte = 3
	TagLastSequence   byte = 4
	TagCompactPointer byte = 5
	TagDeletedFile    byte = 6
	TagNewFile        byte = 7
)

// ComparatorName is the only ordering the engine supports.
const ComparatorName = "lsmkv.bytewise"

// FileMeta describes one sorted run. A FileMeta is shared by every Version
// that contains it; refs counts those Versions.
type FileMeta struct {
	FileNum    uint64
	Size       uint64
	Smallest   []byte
	Largest    []byte
	MinSeq     uint64
	MaxSeq     uint64
	NumEntries uint64

	refs atomic.Int32
}

// Range returns the inclusive key range of the run.
func (f *FileMeta) Range() types.KeyRange {
	return types.KeyRange{Smallest: f.Smallest, Largest: f.Largest}
}

// Refs returns the number of Versions holding the run.
func (f *FileMeta) Refs() int32 {
	return f.refs.Load()
}

func (f *FileMeta) String() string {
	return fmt.Sprintf("%06d[%q..%q] seq=%d..%d size=%d", f.FileNum, f.Smallest, f.Largest, f.MinSeq, f.MaxSeq, f.Size)
}

// NewFile is a run added at a level.
type NewFile struct {
	Level int
	Meta  *FileMeta
}

// DeletedFile is a run removed from a level.
type DeletedFile struct {
	Level   int
	FileNum uint64
}

// CompactPointer records where the next compaction of a level starts.
type CompactPointer struct {
	Level int
	Key   []byte
}

// VersionEdit is a delta between two Versions. Each edit is written to the
// manifest as one record.
type VersionEdit struct {
	Comparator    string
	HasComparator bool

	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    uint64
	HasLastSequence bool

	CompactPointers []CompactPointer
	NewFiles        []NewFile
	DeletedFiles    []DeletedFile
}

// SetComparator sets the comparator name.
func (ve *VersionEdit) SetComparator(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

// SetLogNumber sets the oldest WAL segment still needed.
func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.LogNumber = num
	ve.HasLogNumber = true
}

// SetNextFileNumber sets the next file number.
func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber = num
	ve.HasNextFileNumber = true
}

// SetLastSequence sets the last sequence number.
func (ve *VersionEdit) SetLastSequence(seq uint64) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// SetCompactPointer records the compaction cursor of a level.
func (ve *VersionEdit) SetCompactPointer(level int, key []byte) {
	ve.CompactPointers = append(ve.CompactPointers, CompactPointer{Level: level, Key: append([]byte(nil), key...)})
}

// AddFile adds a run to a level.
func (ve *VersionEdit) AddFile(level int, meta *FileMeta) {
	ve.NewFiles = append(ve.NewFiles, NewFile{Level: level, Meta: meta})
}

// DeleteFile removes a run from a level.
func (ve *VersionEdit) DeleteFile(level int, fileNum uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFile{Level: level, FileNum: fileNum})
}

// Encode serializes the edit.
func (ve *VersionEdit) Encode() []byte {
	var buf []byte
	if ve.HasComparator {
		buf = append(buf, TagComparator)
		buf = encoding.AppendBytes(buf, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		buf = append(buf, TagLogNumber)
		buf = encoding.AppendUvarint(buf, ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		buf = append(buf, TagNextFileNumber)
		buf = encoding.AppendUvarint(buf, ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		buf = append(buf, TagLastSequence)
		buf = encoding.AppendUvarint(buf, ve.LastSequence)
	}
	for _, cp := range ve.CompactPointers {
		buf = append(buf, TagCompactPointer)
		buf = encoding.AppendUvarint(buf, uint64(cp.Level))
		buf = encoding.AppendBytes(buf, cp.Key)
	}
	for _, df := range ve.DeletedFiles {
		buf = append(buf, TagDeletedFile)
		buf = encoding.AppendUvarint(buf, uint64(df.Level))
		buf = encoding.AppendUvarint(buf, df.FileNum)
	}
	for _, nf := range ve.NewFiles {
		m := nf.Meta
		buf = append(buf, TagNewFile)
		buf = encoding.AppendUvarint(buf, uint64(nf.Level))
		buf = encoding.AppendUvarint(buf, m.FileNum)
		buf = encoding.AppendUvarint(buf, m.Size)
		buf = encoding.AppendBytes(buf, m.Smallest)
		buf = encoding.AppendBytes(buf, m.Largest)
		buf = encoding.AppendUvarint(buf, m.MinSeq)
		buf = encoding.AppendUvarint(buf, m.MaxSeq)
		buf = encoding.AppendUvarint(buf, m.NumEntries)
	}
	return buf
}

// DecodeVersionEdit parses an encoded edit.
func DecodeVersionEdit(data []byte) (*VersionEdit, error) {
	ve := &VersionEdit{}
	d := encoding.NewDecoder(data)
	for d.Len() > 0 && d.Err() == nil {
		tag := d.Byte()
		switch tag {
		case TagComparator:
			ve.SetComparator(string(d.Bytes()))
		case TagLogNumber:
			ve.SetLogNumber(d.Uvarint())
		case TagNextFileNumber:
			ve.SetNextFileNumber(d.Uvarint())
		case TagLastSequence:
			ve.SetLastSequence(d.Uvarint())
		case TagCompactPointer:
			level := int(d.Uvarint())
			ve.SetCompactPointer(level, d.Bytes())
		case TagDeletedFile:
			level := int(d.Uvarint())
			ve.DeleteFile(level, d.Uvarint())
		case TagNewFile:
			level := int(d.Uvarint())
			m := &FileMeta{FileNum: d.Uvarint(), Size: d.Uvarint()}
			m.Smallest = append([]byte(nil), d.Bytes()...)
			m.Largest = append([]byte(nil), d.Bytes()...)
			m.MinSeq = d.Uvarint()
			m.MaxSeq = d.Uvarint()
			m.NumEntries = d.Uvarint()
			ve.AddFile(level, m)
		default:
			return nil, errors.Newf("unknown version edit tag %d", tag)
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.Wrap(err, "malformed version edit")
	}
	return ve, nil
}

// String formats the edit for the inspection tool.
func (ve *VersionEdit) String() string {
	var b strings.Builder
	if ve.HasComparator {
		fmt.Fprintf(&b, "  comparator: %s\n", ve.Comparator)
	}
	if ve.HasLogNumber {
		fmt.Fprintf(&b, "  log-number: %d\n", ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		fmt.Fprintf(&b, "  next-file-number: %d\n", ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		fmt.Fprintf(&b, "  last-sequence: %d\n", ve.LastSequence)
	}
	for _, cp := range ve.CompactPointers {
		fmt.Fprintf(&b, "  compact-pointer: L%d %q\n", cp.Level, cp.Key)
	}
	for _, df := range ve.DeletedFiles {
		fmt.Fprintf(&b, "  deleted-file: L%d %06d\n", df.Level, df.FileNum)
	}
	for _, nf := range ve.NewFiles {
		fmt.Fprintf(&b, "  new-file: L%d %s\n", nf.Level, nf.Meta)
	}
	return b.String()
}
