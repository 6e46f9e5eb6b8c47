package sstable

import (
	"bufio"
	"bytes"
	"os"

	"github.com/vladgaus/lsmkv/internal/encoding"
	"github.com/vladgaus/lsmkv/pkg/bloom"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	BlockSize       int // Target data block size (default: 4KB)
	RestartInterval int // Entries between restart points (default: 16)
	Compression     Compression

	// BloomBitsPerKey sizes the filter. Zero disables it.
	BloomBitsPerKey int

	// Throttle, when set, is called with the size of each block before it
	// is written. Compaction uses it for rate limiting.
	Throttle func(n int) error
}

// Writer builds an sstable from entries added in strictly ascending key
// order. Each user key may appear once.
//
// Usage:
//
//	w, err := sstable.Create(path, opts)
//	for _, e := range entries {
//	    w.Add(e)
//	}
//	props, err := w.Finish()
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	opts   WriterOptions

	dataBlock    *blockBuilder
	firstKey     []byte // first key of the pending data block
	indexEntries []indexEntry
	offset       uint64
	filter       *bloom.Builder

	props Properties

	finished bool
	err      error
}

// Create creates the file at path and returns a Writer for it.
func Create(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.NewIOError("create", path, err)
	}
	w := &Writer{
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		path:      path,
		opts:      opts,
		dataBlock: newBlockBuilder(opts.RestartInterval),
	}
	w.props.Compression = opts.Compression
	if opts.BloomBitsPerKey > 0 {
		w.filter = bloom.NewBuilder(opts.BloomBitsPerKey)
	}
	return w, nil
}

// Add appends an entry. Keys must be strictly ascending.
func (w *Writer) Add(e *types.Entry) error {
	if w.finished {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.props.EntryCount > 0 && bytes.Compare(e.Key, w.props.LargestKey) <= 0 {
		w.err = errors.Wrapf(ErrOutOfOrder, "%q after %q", e.Key, w.props.LargestKey)
		return w.err
	}

	if w.dataBlock.empty() {
		w.firstKey = append(w.firstKey[:0], e.Key...)
	}
	w.dataBlock.add(e)
	if w.filter != nil {
		w.filter.Add(e.Key)
	}

	p := &w.props
	if p.EntryCount == 0 {
		p.SmallestKey = append([]byte(nil), e.Key...)
		p.MinSeqNum, p.MaxSeqNum = e.SeqNum, e.SeqNum
	}
	p.LargestKey = append(p.LargestKey[:0], e.Key...)
	p.MinSeqNum = min(p.MinSeqNum, e.SeqNum)
	p.MaxSeqNum = max(p.MaxSeqNum, e.SeqNum)
	p.EntryCount++
	if e.IsDeleted() {
		p.TombstoneCount++
	}
	p.RawKeySize += uint64(len(e.Key))
	p.RawValueSize += uint64(len(e.Value))

	if w.dataBlock.estimatedSize() >= w.opts.BlockSize {
		if err := w.flushDataBlock(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() uint64 {
	return w.props.EntryCount
}

// EstimatedSize returns the bytes written plus the pending block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.estimatedSize())
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) flushDataBlock() error {
	if w.dataBlock.empty() {
		return nil
	}
	handle, err := w.writeBlock(w.dataBlock.finish(), w.opts.Compression)
	if err != nil {
		return err
	}
	w.indexEntries = append(w.indexEntries, indexEntry{
		firstKey: append([]byte(nil), w.firstKey...),
		handle:   handle,
	})
	w.props.DataBlocks++
	w.dataBlock.reset()
	return nil
}

// writeBlock writes one block with its trailer.
func (w *Writer) writeBlock(raw []byte, c Compression) (BlockHandle, error) {
	stored, used, err := compressBlock(c, raw)
	if err != nil {
		return BlockHandle{}, err
	}
	if w.opts.Throttle != nil {
		if err := w.opts.Throttle(len(stored) + BlockTrailerSize); err != nil {
			return BlockHandle{}, err
		}
	}

	trailer := []byte{byte(used)}
	crc := encoding.ExtendChecksum(encoding.Checksum(stored), trailer)
	trailer = encoding.AppendUint32(trailer, crc)

	handle := BlockHandle{Offset: w.offset, Size: uint64(len(stored))}
	if _, err := w.writer.Write(stored); err != nil {
		return handle, errors.NewIOError("write", w.path, err)
	}
	if _, err := w.writer.Write(trailer); err != nil {
		return handle, errors.NewIOError("write", w.path, err)
	}
	w.offset += uint64(len(stored) + len(trailer))
	return handle, nil
}

// Finish writes the remaining blocks and the footer, syncs and closes the
// file. The writer cannot be used afterwards.
func (w *Writer) Finish() (*Properties, error) {
	if w.finished {
		return nil, ErrClosed
	}
	w.finished = true

	if w.err != nil {
		w.abort()
		return nil, w.err
	}
	if err := w.finish(); err != nil {
		w.abort()
		return nil, err
	}
	props := w.props
	return &props, nil
}

func (w *Writer) finish() error {
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	var footer Footer
	var err error
	if w.filter != nil {
		if footer.FilterHandle, err = w.writeBlock(w.filter.Build().Encode(), NoCompression); err != nil {
			return err
		}
	}
	if footer.IndexHandle, err = w.writeBlock(encodeIndex(w.indexEntries), NoCompression); err != nil {
		return err
	}
	if footer.PropsHandle, err = w.writeBlock(w.props.encode(), NoCompression); err != nil {
		return err
	}
	footer.Version = FormatVersion
	if _, err := w.writer.Write(footer.Encode()); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	w.offset += FooterSize
	w.props.FileSize = w.offset

	if err := w.writer.Flush(); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return errors.NewIOError("sync", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return errors.NewIOError("close", w.path, err)
	}
	w.file = nil
	return nil
}

// Abort closes and removes a partially written table.
func (w *Writer) Abort() {
	if w.finished && w.file == nil {
		return
	}
	w.finished = true
	w.abort()
}

func (w *Writer) abort() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	_ = os.Remove(w.path)
}
