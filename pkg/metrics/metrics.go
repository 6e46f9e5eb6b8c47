// Package metrics exposes engine metrics as Prometheus collectors.
//
// Metrics are registered on a caller supplied prometheus.Registerer so many
// engines can live in one process. A nil Registerer leaves the collectors
// unregistered; they still count. All methods are safe on a nil *Metrics.
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	db, err := lsm.Open(lsm.Options{Dir: dir, Registerer: reg})
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "lsmkv"

// Metrics holds the engine collectors.
type Metrics struct {
	// Operation counters
	Puts    prometheus.Counter
	Deletes prometheus.Counter
	Gets    prometheus.Counter
	GetHits prometheus.Counter
	Scans   prometheus.Counter

	// Flush
	Flushes      prometheus.Counter
	FlushedBytes prometheus.Counter

	// Compaction
	Compactions        prometheus.Counter
	CompactionRead     prometheus.Counter
	CompactionWritten  prometheus.Counter
	CompactionFailures prometheus.Counter

	// Back-pressure
	WriteStalls   prometheus.Counter
	StallDuration prometheus.Histogram

	// State
	LevelRuns      *prometheus.GaugeVec
	LevelBytes     *prometheus.GaugeVec
	ImmutableDepth prometheus.Gauge
	OpenScans      prometheus.Gauge
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help})
	}

	m := &Metrics{
		Puts:    counter("puts_total", "Total number of put operations"),
		Deletes: counter("deletes_total", "Total number of delete operations"),
		Gets:    counter("gets_total", "Total number of get operations"),
		GetHits: counter("get_hits_total", "Total number of gets that found a live value"),
		Scans:   counter("scans_total", "Total number of scans opened"),

		Flushes:      counter("flushes_total", "Total number of memtable flushes"),
		FlushedBytes: counter("flushed_bytes_total", "Bytes written by memtable flushes"),

		Compactions:        counter("compactions_total", "Total number of finished compactions"),
		CompactionRead:     counter("compaction_read_bytes_total", "Bytes read by compactions"),
		CompactionWritten:  counter("compaction_written_bytes_total", "Bytes written by compactions"),
		CompactionFailures: counter("compaction_failures_total", "Total number of failed compaction attempts"),

		WriteStalls: counter("write_stalls_total", "Total number of writes that waited for a flush"),
		StallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "write_stall_seconds",
			Help:      "Time writers spent waiting for the immutable queue to drain",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		LevelRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "level_runs",
			Help:      "Number of sorted runs per level",
		}, []string{"level"}),
		LevelBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "level_bytes",
			Help:      "Total size of the runs per level",
		}, []string{"level"}),
		ImmutableDepth: gauge("immutable_memtables", "Number of frozen memtables waiting for flush"),
		OpenScans:      gauge("open_scans", "Number of scans not yet closed"),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Puts, m.Deletes, m.Gets, m.GetHits, m.Scans,
		m.Flushes, m.FlushedBytes,
		m.Compactions, m.CompactionRead, m.CompactionWritten, m.CompactionFailures,
		m.WriteStalls, m.StallDuration,
		m.LevelRuns, m.LevelBytes, m.ImmutableDepth, m.OpenScans,
	}
}

// Unregister removes the collectors from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

// ObservePut counts a put.
func (m *Metrics) ObservePut() {
	if m != nil {
		m.Puts.Inc()
	}
}

// ObserveDelete counts a delete.
func (m *Metrics) ObserveDelete() {
	if m != nil {
		m.Deletes.Inc()
	}
}

// ObserveGet counts a get and whether it found a value.
func (m *Metrics) ObserveGet(hit bool) {
	if m == nil {
		return
	}
	m.Gets.Inc()
	if hit {
		m.GetHits.Inc()
	}
}

// ScanOpened counts a new scan.
func (m *Metrics) ScanOpened() {
	if m == nil {
		return
	}
	m.Scans.Inc()
	m.OpenScans.Inc()
}

// ScanClosed records a closed scan.
func (m *Metrics) ScanClosed() {
	if m != nil {
		m.OpenScans.Dec()
	}
}

// ObserveFlush records a flush that wrote n bytes.
func (m *Metrics) ObserveFlush(n uint64) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushedBytes.Add(float64(n))
}

// ObserveCompaction records a finished compaction.
func (m *Metrics) ObserveCompaction(read, written uint64) {
	if m == nil {
		return
	}
	m.Compactions.Inc()
	m.CompactionRead.Add(float64(read))
	m.CompactionWritten.Add(float64(written))
}

// ObserveCompactionFailure counts a failed compaction attempt.
func (m *Metrics) ObserveCompactionFailure() {
	if m != nil {
		m.CompactionFailures.Inc()
	}
}

// ObserveStall records a writer that waited d for back-pressure.
func (m *Metrics) ObserveStall(d time.Duration) {
	if m == nil {
		return
	}
	m.WriteStalls.Inc()
	m.StallDuration.Observe(d.Seconds())
}

// SetLevel publishes the shape of a level.
func (m *Metrics) SetLevel(level, runs int, bytes uint64) {
	if m == nil {
		return
	}
	l := strconv.Itoa(level)
	m.LevelRuns.WithLabelValues(l).Set(float64(runs))
	m.LevelBytes.WithLabelValues(l).Set(float64(bytes))
}

// SetImmutableDepth publishes the immutable queue length.
func (m *Metrics) SetImmutableDepth(n int) {
	if m != nil {
		m.ImmutableDepth.Set(float64(n))
	}
}
