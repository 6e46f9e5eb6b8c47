package wal

import (
	"bufio"
	"os"
	"sync"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// Writer appends framed records to a file.
//
// Records are buffered; Flush hands them to the OS and Sync makes them
// durable. Writer is safe for concurrent use so that a background syncer
// can call Sync while appends continue.
type Writer struct {
	mu sync.Mutex

	file *os.File
	path string
	bw   *bufio.Writer

	blockOffset int
	size        int64
	hdr         [HeaderSize]byte
	zeros       [HeaderSize]byte
}

// Create creates (or truncates) path and returns a Writer at offset 0.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.NewIOError("create", path, err)
	}
	return &Writer{file: f, path: path, bw: bufio.NewWriterSize(f, BlockSize)}, nil
}

// WriteRecord appends one record, fragmenting it across blocks as needed.
// The record is buffered until Flush or Sync.
func (w *Writer) WriteRecord(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	first := true
	for {
		avail := BlockSize - w.blockOffset
		if avail < HeaderSize {
			if avail > 0 {
				if _, err := w.bw.Write(w.zeros[:avail]); err != nil {
					return errors.NewIOError("write", w.path, err)
				}
				w.size += int64(avail)
			}
			w.blockOffset = 0
			avail = BlockSize
		}

		n := avail - HeaderSize
		last := n >= len(data)
		if last {
			n = len(data)
		}

		var t RecordType
		switch {
		case first && last:
			t = RecordTypeFull
		case first:
			t = RecordTypeFirst
		case last:
			t = RecordTypeLast
		default:
			t = RecordTypeMiddle
		}

		if err := w.writeFragment(t, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		first = false
		if last {
			return nil
		}
	}
}

func (w *Writer) writeFragment(t RecordType, payload []byte) error {
	encodeHeader(w.hdr[:], fragmentCRC(t, payload), uint32(len(payload)), t)
	if _, err := w.bw.Write(w.hdr[:]); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	w.blockOffset += HeaderSize + len(payload)
	w.size += int64(HeaderSize + len(payload))
	return nil
}

// Flush writes buffered records to the file without syncing.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	return nil
}

// Sync flushes and fsyncs.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return errors.NewIOError("write", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return errors.NewIOError("sync", w.path, err)
	}
	return nil
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return errors.NewIOError("close", w.path, err)
	}
	return nil
}

// Size returns the number of bytes written, buffered bytes included.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}
