// Package sstable implements the immutable sorted-run file format.
//
// An sstable is written once, by a flush or a compaction, and never
// modified. Every block carries its own checksum and is verified on every
// read; the footer is checksummed as well and located by its fixed size.
//
// # File Format
//
//	+------------------+
//	| Data Block 0     |
//	+------------------+
//	| ...              |
//	+------------------+
//	| Data Block N     |
//	+------------------+
//	| Filter Block     |  (bloom filter over user keys)
//	+------------------+
//	| Index Block      |  (first key of each data block -> handle)
//	+------------------+
//	| Properties Block |
//	+------------------+
//	| Footer (64 bytes)|
//	+------------------+
//
// # Block Trailer
//
// Every block is followed by a 5-byte trailer:
//
//	+------------------+
//	| Compression (1B) |
//	+------------------+
//	| CRC32C (4B)      |  over the stored payload and the compression byte
//	+------------------+
//
// A block handle's size covers the stored payload only.
//
// # Data Block Format
//
//	+------------------+
//	| Entry 0          |  (full key at every restart point)
//	+------------------+
//	| ...              |
//	+------------------+
//	| Entry N          |
//	+------------------+
//	| Restarts Array   |  (4 bytes each)
//	+------------------+
//	| Num Restarts (4B)|
//	+------------------+
//
// # Footer Format
//
//	+----------------------+
//	| Filter Handle (16B)  |
//	+----------------------+
//	| Index Handle (16B)   |
//	+----------------------+
//	| Props Handle (16B)   |
//	+----------------------+
//	| Format Version (4B)  |
//	+----------------------+
//	| Footer CRC32C (4B)   |  over the preceding 52 bytes
//	+----------------------+
//	| Magic Number (8B)    |
//	+----------------------+
package sstable

import (
	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/pkg/errors"
)

// File format constants
const (
	// MagicNumber identifies sstable files ("lsmkvSST").
	MagicNumber uint64 = 0x6C736D6B76535354

	// FormatVersion is the current format version.
	FormatVersion uint32 = 1

	// FooterSize is the fixed size of the footer.
	FooterSize = 64

	// BlockTrailerSize is the compression byte plus the CRC.
	BlockTrailerSize = 5

	// BlockHandleSize is the encoded size of a handle in the footer.
	BlockHandleSize = 16

	// DefaultBlockSize is the target size for data blocks (4KB)
	DefaultBlockSize = 4 * 1024

	// DefaultRestartInterval is entries between restart points.
	DefaultRestartInterval = 16
)

var (
	// ErrClosed is returned when using a finished writer or a closed reader.
	ErrClosed = errors.New("sstable: closed")

	// ErrOutOfOrder is returned when keys are not added in strictly
	// ascending order.
	ErrOutOfOrder = errors.New("sstable: keys added out of order")
)

// BlockHandle locates a block within the file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// encodeFixed appends the 16-byte footer form.
func (h BlockHandle) encodeFixed(dst []byte) []byte {
	dst = encoding.AppendUint64(dst, h.Offset)
	return encoding.AppendUint64(dst, h.Size)
}

// Footer is the fixed-size tail of an sstable.
type Footer struct {
	FilterHandle BlockHandle
	IndexHandle  BlockHandle
	PropsHandle  BlockHandle
	Version      uint32
}

// Encode returns the FooterSize-byte encoding.
func (f *Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.FilterHandle.encodeFixed(buf)
	buf = f.IndexHandle.encodeFixed(buf)
	buf = f.PropsHandle.encodeFixed(buf)
	buf = encoding.AppendUint32(buf, f.Version)
	buf = encoding.AppendUint32(buf, encoding.Checksum(buf))
	return encoding.AppendUint64(buf, MagicNumber)
}

// decodeFooter parses and verifies a footer read from the end of file.
func decodeFooter(data []byte, file string, offset int64) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, errors.NewCorruptionErrorf(file, offset, "footer is %d bytes, want %d", len(data), FooterSize)
	}
	if magic := encoding.ByteOrder.Uint64(data[56:]); magic != MagicNumber {
		return nil, errors.NewCorruptionErrorf(file, offset, "bad magic number %#x", magic)
	}
	if want, got := encoding.ByteOrder.Uint32(data[52:56]), encoding.Checksum(data[:52]); want != got {
		return nil, errors.NewCorruptionErrorf(file, offset, "footer checksum mismatch: stored %#x, computed %#x", want, got)
	}

	d := encoding.NewDecoder(data[:52])
	f := &Footer{
		FilterHandle: BlockHandle{Offset: d.Uint64(), Size: d.Uint64()},
		IndexHandle:  BlockHandle{Offset: d.Uint64(), Size: d.Uint64()},
		PropsHandle:  BlockHandle{Offset: d.Uint64(), Size: d.Uint64()},
		Version:      d.Uint32(),
	}
	if f.Version != FormatVersion {
		return nil, errors.NewCorruptionErrorf(file, offset, "unsupported format version %d", f.Version)
	}
	return f, nil
}

// indexEntry maps the first key of a data block to its handle.
type indexEntry struct {
	firstKey []byte
	handle   BlockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	buf := encoding.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = encoding.AppendBytes(buf, e.firstKey)
		buf = encoding.AppendUvarint(buf, e.handle.Offset)
		buf = encoding.AppendUvarint(buf, e.handle.Size)
	}
	return buf
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	d := encoding.NewDecoder(data)
	n := d.Uvarint()
	if d.Err() != nil || n > uint64(len(data)) {
		return nil, errors.New("malformed index block")
	}
	entries := make([]indexEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		key := d.Bytes()
		h := BlockHandle{Offset: d.Uvarint(), Size: d.Uvarint()}
		if d.Err() != nil {
			return nil, errors.Wrapf(d.Err(), "index entry %d", i)
		}
		entries = append(entries, indexEntry{firstKey: append([]byte(nil), key...), handle: h})
	}
	if d.Len() != 0 {
		return nil, errors.Newf("%d trailing bytes in index block", d.Len())
	}
	return entries, nil
}

// Properties describes the contents of one sstable.
type Properties struct {
	EntryCount     uint64
	TombstoneCount uint64
	DataBlocks     uint64
	RawKeySize     uint64
	RawValueSize   uint64
	MinSeqNum      uint64
	MaxSeqNum      uint64
	SmallestKey    []byte
	LargestKey     []byte
	Compression    Compression

	// FileSize is filled in by the writer and reader, not stored.
	FileSize uint64
}

func (p *Properties) encode() []byte {
	var buf []byte
	buf = encoding.AppendUvarint(buf, p.EntryCount)
	buf = encoding.AppendUvarint(buf, p.TombstoneCount)
	buf = encoding.AppendUvarint(buf, p.DataBlocks)
	buf = encoding.AppendUvarint(buf, p.RawKeySize)
	buf = encoding.AppendUvarint(buf, p.RawValueSize)
	buf = encoding.AppendUvarint(buf, p.MinSeqNum)
	buf = encoding.AppendUvarint(buf, p.MaxSeqNum)
	buf = encoding.AppendBytes(buf, p.SmallestKey)
	buf = encoding.AppendBytes(buf, p.LargestKey)
	return append(buf, byte(p.Compression))
}

func decodeProperties(data []byte) (*Properties, error) {
	d := encoding.NewDecoder(data)
	p := &Properties{
		EntryCount:     d.Uvarint(),
		TombstoneCount: d.Uvarint(),
		DataBlocks:     d.Uvarint(),
		RawKeySize:     d.Uvarint(),
		RawValueSize:   d.Uvarint(),
		MinSeqNum:      d.Uvarint(),
		MaxSeqNum:      d.Uvarint(),
	}
	p.SmallestKey = append([]byte(nil), d.Bytes()...)
	p.LargestKey = append([]byte(nil), d.Bytes()...)
	p.Compression = Compression(d.Byte())
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "malformed properties block")
	}
	return p, nil
}
