package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/pkg/types"
)

func TestDecoderSequence(t *testing.T) {
	var buf []byte
	buf = append(buf, 7)
	buf = AppendUint32(buf, 0xdeadbeef)
	buf = AppendUint64(buf, 1<<40)
	buf = AppendUvarint(buf, 300)
	buf = AppendBytes(buf, []byte("hello"))
	buf = AppendBytes(buf, nil)

	d := NewDecoder(buf)
	assert.Equal(t, byte(7), d.Byte())
	assert.Equal(t, uint32(0xdeadbeef), d.Uint32())
	assert.Equal(t, uint64(1<<40), d.Uint64())
	assert.Equal(t, uint64(300), d.Uvarint())
	assert.Equal(t, []byte("hello"), d.Bytes())
	assert.Empty(t, d.Bytes())
	require.NoError(t, d.Err())
	assert.Zero(t, d.Len())
}

func TestDecoderStickyError(t *testing.T) {
	d := NewDecoder(AppendUvarint(nil, 10)) // length without payload
	assert.Nil(t, d.Bytes())
	assert.ErrorIs(t, d.Err(), ErrInsufficientData)
	assert.Zero(t, d.Uint64())
	assert.ErrorIs(t, d.Err(), ErrInsufficientData)
}

func TestEncodeDecodeEntry(t *testing.T) {
	entries := []*types.Entry{
		types.NewEntry([]byte("key1"), []byte("value1"), 1),
		types.NewEntry([]byte("k"), []byte{}, 1<<50),
		types.NewTombstone([]byte("gone"), 42),
	}
	for _, e := range entries {
		got, err := DecodeEntry(EncodeEntry(e))
		require.NoError(t, err)
		assert.Equal(t, e.Key, got.Key)
		assert.Equal(t, e.SeqNum, got.SeqNum)
		assert.Equal(t, e.Type, got.Type)
		if e.IsDeleted() {
			assert.Nil(t, got.Value)
		} else {
			assert.Equal(t, e.Value, got.Value)
			assert.NotNil(t, got.Value)
		}
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	_, err := DecodeEntry([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrInsufficientData)

	buf := EncodeEntry(types.NewEntry([]byte("a"), []byte("b"), 1))
	_, err = DecodeEntry(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrInsufficientData)

	buf[0] = 9
	_, err = DecodeEntry(buf)
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	data := []byte("the quick brown fox")
	full := Checksum(data)
	assert.Equal(t, full, ExtendChecksum(Checksum(data[:5]), data[5:]))
	assert.NotEqual(t, full, Checksum(data[1:]))
}
