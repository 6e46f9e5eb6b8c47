package wal

import (
	"io"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// ErrTruncated is returned by Reader.Next when the data ends inside a
// record or the remaining space holds no further fragments.
var ErrTruncated = errors.New("wal: truncated record")

// Reader reassembles records from an in-memory copy of a framed file.
// Segments and manifests are bounded in size, so they are read whole.
//
// Reader is NOT safe for concurrent use.
type Reader struct {
	data []byte
	name string

	off     int // next unread byte
	lastEnd int // end offset of the last complete record
	buf     []byte
}

// NewReader returns a Reader over data. name is used in errors.
func NewReader(data []byte, name string) *Reader {
	return &Reader{data: data, name: name}
}

// Next returns the next record. It returns io.EOF at a clean end of data,
// ErrTruncated (wrapped with the offset) when the data stops mid-record,
// and a CorruptionError when a fragment fails validation. The returned
// slice is valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	inRecord := false

	for {
		if rem := BlockSize - r.off%BlockSize; rem < HeaderSize {
			r.off += rem
		}
		if r.off >= len(r.data) {
			r.off = len(r.data)
			if inRecord {
				return nil, errors.Wrapf(ErrTruncated, "%s: eof at offset %d inside record", r.name, r.off)
			}
			return nil, io.EOF
		}
		if len(r.data)-r.off < HeaderSize {
			return nil, errors.Wrapf(ErrTruncated, "%s: partial header at offset %d", r.name, r.off)
		}

		start := r.off
		crc, length, t := decodeHeader(r.data[start:])
		if t == RecordTypeZero && length == 0 && crc == 0 {
			return nil, errors.Wrapf(ErrTruncated, "%s: zeroed space at offset %d", r.name, start)
		}
		end := start + HeaderSize + int(length)
		if start%BlockSize+HeaderSize+int(length) > BlockSize {
			return nil, errors.NewCorruptionErrorf(r.name, int64(start), "fragment length %d crosses block boundary", length)
		}
		if end > len(r.data) {
			return nil, errors.Wrapf(ErrTruncated, "%s: partial fragment at offset %d", r.name, start)
		}
		payload := r.data[start+HeaderSize : end]
		if fragmentCRC(t, payload) != crc {
			return nil, errors.NewCorruptionError(r.name, int64(start), "fragment checksum mismatch")
		}
		r.off = end

		switch t {
		case RecordTypeFull:
			if inRecord {
				return nil, errors.NewCorruptionError(r.name, int64(start), "FULL fragment inside record")
			}
			r.lastEnd = r.off
			return payload, nil
		case RecordTypeFirst:
			if inRecord {
				return nil, errors.NewCorruptionError(r.name, int64(start), "FIRST fragment inside record")
			}
			r.buf = append(r.buf, payload...)
			inRecord = true
		case RecordTypeMiddle, RecordTypeLast:
			if !inRecord {
				return nil, errors.NewCorruptionErrorf(r.name, int64(start), "%s fragment without FIRST", t)
			}
			r.buf = append(r.buf, payload...)
			if t == RecordTypeLast {
				r.lastEnd = r.off
				return r.buf, nil
			}
		default:
			return nil, errors.NewCorruptionErrorf(r.name, int64(start), "unknown fragment type %d", t)
		}
	}
}

// LastRecordEnd returns the offset just past the last complete record.
func (r *Reader) LastRecordEnd() int64 {
	return int64(r.lastEnd)
}

// validRecordAfter reports whether a record start (a FULL or FIRST fragment
// with a valid checksum) follows the damaged fragment at off, either right
// behind it when its length field is plausible or at any later block
// boundary. It separates a torn tail from damage followed by acknowledged
// records.
func validRecordAfter(data []byte, off int) bool {
	if off+HeaderSize <= len(data) {
		_, length, _ := decodeHeader(data[off:])
		if off%BlockSize+HeaderSize+int(length) <= BlockSize {
			next := off + HeaderSize + int(length)
			if rem := BlockSize - next%BlockSize; rem < HeaderSize {
				next += rem
			}
			if validFragmentAt(data, next) {
				return true
			}
		}
	}
	for b := (off/BlockSize + 1) * BlockSize; b+HeaderSize <= len(data); b += BlockSize {
		if validFragmentAt(data, b) {
			return true
		}
	}
	return false
}

func validFragmentAt(data []byte, off int) bool {
	if off+HeaderSize > len(data) {
		return false
	}
	crc, length, t := decodeHeader(data[off:])
	if (t != RecordTypeFull && t != RecordTypeFirst) || length == 0 {
		return false
	}
	end := off + HeaderSize + int(length)
	if end > len(data) || off%BlockSize+HeaderSize+int(length) > BlockSize {
		return false
	}
	return fragmentCRC(t, data[off+HeaderSize:end]) == crc
}
