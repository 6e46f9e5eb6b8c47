package sstable

import (
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// Compression selects the block codec.
type Compression byte

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

// String returns the configuration name of the codec.
func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	}
	return "unknown"
}

// ParseCompression parses "none", "snappy", "zstd" or "enabled", which
// selects snappy.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "disabled", "":
		return NoCompression, nil
	case "snappy", "enabled":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, errors.Wrapf(errors.ErrInvalidArgument, "unknown compression %q", s)
}

// The zstd codecs are stateless for EncodeAll and DecodeAll and safe for
// concurrent use, so one pair serves every table.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressBlock returns the stored form of raw and the codec used. The
// block is stored raw when the codec does not make it smaller.
func compressBlock(c Compression, raw []byte) ([]byte, Compression, error) {
	var out []byte
	switch c {
	case NoCompression:
		return raw, NoCompression, nil
	case SnappyCompression:
		out = snappy.Encode(nil, raw)
	case ZstdCompression:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, NoCompression, err
		}
		out = enc.EncodeAll(raw, nil)
	default:
		return nil, NoCompression, errors.Newf("sstable: unknown compression %d", c)
	}
	if len(out) >= len(raw) {
		return raw, NoCompression, nil
	}
	return out, c, nil
}

func decompressBlock(c Compression, stored []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return stored, nil
	case SnappyCompression:
		return snappy.Decode(nil, stored)
	case ZstdCompression:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(stored, nil)
	}
	return nil, errors.Newf("unknown block compression %d", c)
}
