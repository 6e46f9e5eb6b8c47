// Package wal implements the write-ahead log and the record framing shared
// with the manifest.
//
// # Record Format
//
// A file is a sequence of 32KB blocks. Every fragment starts with a header:
//
//	+------------+-------------+------------+--- ... ---+
//	| CRC (4B)   | Length (4B) | Type (1B)  | Payload   |
//	+------------+-------------+------------+--- ... ---+
//
// The CRC is a CRC32C of the type byte and the payload. A record larger
// than the space left in a block is split into First, Middle and Last
// fragments. When fewer than HeaderSize bytes remain in a block they are
// zero-filled and the next fragment starts at the following block.
package wal

import (
	"encoding/binary"

	"github.com/vladgaus/lsmkv/internal/encoding"
)

// BlockSize is the framing unit.
const BlockSize = 32 * 1024

// HeaderSize is CRC(4) + Length(4) + Type(1).
const HeaderSize = 9

// RecordType says which part of a record a fragment carries.
type RecordType byte

const (
	// RecordTypeZero only appears in zero-filled or preallocated space.
	RecordTypeZero   RecordType = 0
	RecordTypeFull   RecordType = 1
	RecordTypeFirst  RecordType = 2
	RecordTypeMiddle RecordType = 3
	RecordTypeLast   RecordType = 4
)

// String returns a human-readable record type name.
func (t RecordType) String() string {
	switch t {
	case RecordTypeFull:
		return "FULL"
	case RecordTypeFirst:
		return "FIRST"
	case RecordTypeMiddle:
		return "MIDDLE"
	case RecordTypeLast:
		return "LAST"
	case RecordTypeZero:
		return "ZERO"
	default:
		return "UNKNOWN"
	}
}

func fragmentCRC(t RecordType, payload []byte) uint32 {
	return encoding.ExtendChecksum(encoding.Checksum([]byte{byte(t)}), payload)
}

func encodeHeader(buf []byte, crc uint32, length uint32, t RecordType) {
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	buf[8] = byte(t)
}

func decodeHeader(buf []byte) (crc uint32, length uint32, t RecordType) {
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), RecordType(buf[8])
}
