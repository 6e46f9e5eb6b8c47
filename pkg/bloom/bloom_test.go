package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	b := NewBuilder(10)
	for i := 0; i < 5000; i++ {
		b.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	assert.Equal(t, 5000, b.Len())
	f := b.Build()
	assert.Zero(t, b.Len(), "Build resets the builder")
	assert.Equal(t, 7, f.NumHashes())

	for i := 0; i < 5000; i++ {
		require.True(t, f.MayContain([]byte(fmt.Sprintf("key-%d", i))), "key-%d", i)
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	b := NewBuilder(10)
	for i := 0; i < 10000; i++ {
		b.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	f := b.Build()

	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	assert.Less(t, float64(fp)/probes, 0.03)
}

func TestEncodeDecode(t *testing.T) {
	b := NewBuilder(8)
	b.Add([]byte("a"))
	b.Add([]byte("b"))
	f := b.Build()

	g, err := Decode(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f.Size(), g.Size())
	assert.Equal(t, f.NumHashes(), g.NumHashes())
	assert.True(t, g.MayContain([]byte("a")))
	assert.True(t, g.MayContain([]byte("b")))

	_, err = Decode([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = Decode([]byte{0xff, 0})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestEmptyFilter(t *testing.T) {
	f := NewBuilder(10).Build()
	assert.False(t, f.MayContain([]byte("anything")))
}
