package mvcc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one second per reading.
func fakeClock() func() time.Time {
	t := time.Unix(1000, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestRegistryOldest(t *testing.T) {
	r := NewRegistry()
	r.now = fakeClock()
	_, _, ok := r.Oldest()
	assert.False(t, ok)

	p10 := r.Pin(10)
	p5 := r.Pin(5)
	p20 := r.Pin(20)
	assert.Equal(t, 3, r.Len())

	seq, opened, ok := r.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, time.Unix(1002, 0), opened)

	p5.Unpin()
	seq, _, _ = r.Oldest()
	assert.Equal(t, uint64(10), seq)

	p20.Unpin()
	assert.Equal(t, 1, r.Len())
	p10.Unpin()
	assert.Zero(t, r.Len())
}

func TestRegistrySameSequence(t *testing.T) {
	r := NewRegistry()
	r.now = fakeClock()
	first := r.Pin(7)
	second := r.Pin(7)

	_, opened, _ := r.Oldest()
	assert.Equal(t, time.Unix(1001, 0), opened, "ties go to the earliest pin")

	first.Unpin()
	first.Unpin()
	var none *Pin
	none.Unpin()

	_, opened, ok := r.Oldest()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1002, 0), opened)
	assert.Equal(t, uint64(7), second.Seq())
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for j := uint64(0); j < 200; j++ {
				r.Pin(base + j).Unpin()
			}
		}(uint64(i) * 1000)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
