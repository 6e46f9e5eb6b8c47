// Package encoding holds the binary helpers shared by the on-disk formats.
// Fixed-width integers are big-endian; lengths are uvarints.
package encoding

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// ByteOrder is used for every fixed-width integer written to disk.
var ByteOrder = binary.BigEndian

// ErrInsufficientData is returned when a buffer ends before a value does.
var ErrInsufficientData = errors.New("encoding: insufficient data")

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes a CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ExtendChecksum continues a CRC32C over more data.
func ExtendChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32Table, data)
}

// AppendUint32 appends v as 4 big-endian bytes.
func AppendUint32(dst []byte, v uint32) []byte {
	return ByteOrder.AppendUint32(dst, v)
}

// AppendUint64 appends v as 8 big-endian bytes.
func AppendUint64(dst []byte, v uint64) []byte {
	return ByteOrder.AppendUint64(dst, v)
}

// AppendUvarint appends v as a uvarint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendBytes appends b prefixed with its uvarint length.
func AppendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// Decoder reads values from a byte slice. The first failure sticks and
// every later read returns a zero value.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a Decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Len returns the number of unread bytes.
func (d *Decoder) Len() int { return len(d.buf) }

// Byte reads one byte.
func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = ErrInsufficientData
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

// Uint32 reads a fixed-width uint32.
func (d *Decoder) Uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = ErrInsufficientData
		return 0
	}
	v := ByteOrder.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

// Uint64 reads a fixed-width uint64.
func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.err = ErrInsufficientData
		return 0
	}
	v := ByteOrder.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

// Uvarint reads a uvarint.
func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrInsufficientData
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Bytes reads a length-prefixed byte string. The result aliases the
// decoder's buffer.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrInsufficientData
		return nil
	}
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

// EntryHeaderSize is Type(1) + SeqNum(8) + KeyLen(4) + ValLen(4).
const EntryHeaderSize = 17

// EncodeEntry encodes an entry for a WAL record.
//
//	+--------+---------+---------+---------+-----+-------+
//	| Type   | SeqNum  | KeyLen  | ValLen  | Key | Value |
//	| 1 byte | 8 bytes | 4 bytes | 4 bytes | ... | ...   |
//	+--------+---------+---------+---------+-----+-------+
func EncodeEntry(e *types.Entry) []byte {
	buf := make([]byte, 0, EntryHeaderSize+len(e.Key)+len(e.Value))
	buf = append(buf, byte(e.Type))
	buf = AppendUint64(buf, e.SeqNum)
	buf = AppendUint32(buf, uint32(len(e.Key)))
	buf = AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Key...)
	return append(buf, e.Value...)
}

// DecodeEntry decodes a WAL record payload. Key and value are copied.
func DecodeEntry(data []byte) (*types.Entry, error) {
	if len(data) < EntryHeaderSize {
		return nil, ErrInsufficientData
	}
	typ := types.EntryType(data[0])
	if typ != types.EntryTypePut && typ != types.EntryTypeDelete {
		return nil, errors.Newf("encoding: unknown entry type %d", typ)
	}
	seq := ByteOrder.Uint64(data[1:9])
	keyLen := int(ByteOrder.Uint32(data[9:13]))
	valLen := int(ByteOrder.Uint32(data[13:17]))
	if len(data) != EntryHeaderSize+keyLen+valLen {
		return nil, ErrInsufficientData
	}
	body := data[EntryHeaderSize:]
	e := &types.Entry{
		Type:   typ,
		SeqNum: seq,
		Key:    append([]byte(nil), body[:keyLen]...),
		Value:  append([]byte{}, body[keyLen:]...),
	}
	if typ == types.EntryTypeDelete {
		e.Value = nil
	}
	return e, nil
}
