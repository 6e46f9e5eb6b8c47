// Package bloom implements the per-run bloom filter that lets point reads
// skip sorted runs that cannot hold a key.
//
// Keys are hashed once with 128-bit murmur3; the k probe positions are
// derived by double hashing (h1 + i*h2), so adding and probing cost one
// hash per key regardless of k.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// ErrInvalidFilter is returned when decoding malformed filter data.
var ErrInvalidFilter = errors.New("bloom: invalid filter data")

// Filter is an immutable bloom filter.
type Filter struct {
	bits []byte
	k    uint8
}

// Builder collects key hashes until the final key count is known.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder returns a Builder sizing the filter at bitsPerKey bits per
// key. Ten bits per key gives roughly a 1% false positive rate.
func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 10
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// Add records key.
func (b *Builder) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	b.hashes = append(b.hashes, h1^(h2<<1))
	b.hashes = append(b.hashes, h2)
}

// Len returns the number of keys added.
func (b *Builder) Len() int {
	return len(b.hashes) / 2
}

// Build returns the filter and resets the builder.
func (b *Builder) Build() *Filter {
	n := b.Len()
	if n < 1 {
		n = 1
	}
	numBits := n * b.bitsPerKey
	if numBits < 64 {
		numBits = 64
	}
	numBytes := (numBits + 7) / 8
	numBits = numBytes * 8

	// k = ln2 * m/n is optimal.
	k := int(math.Round(float64(b.bitsPerKey) * math.Ln2))
	k = max(1, min(k, 30))

	f := &Filter{bits: make([]byte, numBytes), k: uint8(k)}
	for i := 0; i+1 < len(b.hashes); i += 2 {
		f.set(b.hashes[i], b.hashes[i+1])
	}
	b.hashes = b.hashes[:0]
	return f
}

func (f *Filter) set(h1, h2 uint64) {
	m := uint64(len(f.bits) * 8)
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % m
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain returns false only if key was definitely not added.
func (f *Filter) MayContain(key []byte) bool {
	if len(f.bits) == 0 {
		return true
	}
	a, b := murmur3.Sum128(key)
	h1, h2 := a^(b<<1), b
	m := uint64(len(f.bits) * 8)
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % m
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as the bit array followed by k.
func (f *Filter) Encode() []byte {
	out := make([]byte, len(f.bits)+1)
	copy(out, f.bits)
	out[len(f.bits)] = f.k
	return out
}

// Decode parses data produced by Encode. The filter aliases data.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 2 {
		return nil, ErrInvalidFilter
	}
	k := data[len(data)-1]
	if k == 0 || k > 30 {
		return nil, errors.Wrapf(ErrInvalidFilter, "k=%d", k)
	}
	return &Filter{bits: data[:len(data)-1], k: k}, nil
}

// Size returns the size of the bit array in bytes.
func (f *Filter) Size() int { return len(f.bits) }

// NumHashes returns k.
func (f *Filter) NumHashes() int { return int(f.k) }
