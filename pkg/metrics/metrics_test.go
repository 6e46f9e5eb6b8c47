package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObservePut()
	m.ObservePut()
	m.ObserveDelete()
	m.ObserveGet(true)
	m.ObserveGet(false)
	m.ObserveFlush(4096)
	m.ObserveCompaction(100, 60)
	m.ObserveCompactionFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Puts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deletes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Gets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GetHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.FlushedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compactions))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.CompactionRead))
	assert.Equal(t, 60.0, testutil.ToFloat64(m.CompactionWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompactionFailures))
}

func TestGauges(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ScanOpened()
	m.ScanOpened()
	m.ScanClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenScans))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Scans))

	m.SetLevel(1, 3, 1<<20)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LevelRuns.WithLabelValues("1")))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.LevelBytes.WithLabelValues("1")))

	m.SetImmutableDepth(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImmutableDepth))

	m.ObserveStall(5 * time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteStalls))
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObservePut()

	expected := `
# HELP lsmkv_puts_total Total number of put operations
# TYPE lsmkv_puts_total counter
lsmkv_puts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lsmkv_puts_total"))

	// A second engine on the same registry collides.
	_, err = New(reg)
	assert.Error(t, err)

	m.Unregister(reg)
	_, err = New(reg)
	assert.NoError(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePut()
		m.ObserveDelete()
		m.ObserveGet(true)
		m.ScanOpened()
		m.ScanClosed()
		m.ObserveFlush(1)
		m.ObserveCompaction(1, 1)
		m.ObserveCompactionFailure()
		m.ObserveStall(time.Second)
		m.SetLevel(0, 1, 1)
		m.SetImmutableDepth(1)
		m.Unregister(prometheus.NewRegistry())
	})
}
