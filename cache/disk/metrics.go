package disk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of one disk cache.
// A nil *Metrics records nothing.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Corrupt       prometheus.Counter
	BytesWritten  prometheus.Counter
	WriteErrors   prometheus.Counter
	Dropped       prometheus.Counter
	Evictions     prometheus.Counter
	Evicted       prometheus.Counter
	ResidentBytes prometheus.Gauge
	QueueDepth    prometheus.Gauge
}

// NewMetrics creates the metrics for the cache rooted at dir and registers
// them with reg. The directory is attached as a constant label so several
// caches can share a registry.
func NewMetrics(reg prometheus.Registerer, dir string) *Metrics {
	labels := prometheus.Labels{"dir": dir}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockcache",
			Subsystem:   "disk",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blockcache",
			Subsystem:   "disk",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		Hits:          counter("hits_total", "Blocks served from the cache"),
		Misses:        counter("misses_total", "Lookups for blocks that were not cached"),
		Corrupt:       counter("corrupt_total", "Cached blocks removed because they did not match their key"),
		BytesWritten:  counter("written_bytes_total", "Bytes written to the cache directory"),
		WriteErrors:   counter("write_errors_total", "Writes that failed and were discarded"),
		Dropped:       counter("dropped_total", "Queued writes discarded because the queue was full"),
		Evictions:     counter("evictions_total", "Eviction passes run"),
		Evicted:       counter("evicted_total", "Entries removed by eviction"),
		ResidentBytes: gauge("resident_bytes", "Bytes currently held in the cache directory"),
		QueueDepth:    gauge("queue_depth", "Tasks waiting for the cache worker"),
	}
	reg.MustRegister(
		m.Hits, m.Misses, m.Corrupt, m.BytesWritten, m.WriteErrors,
		m.Dropped, m.Evictions, m.Evicted, m.ResidentBytes, m.QueueDepth,
	)
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) corrupt() {
	if m != nil {
		m.Corrupt.Inc()
	}
}

func (m *Metrics) written(n int) {
	if m != nil {
		m.BytesWritten.Add(float64(n))
	}
}

func (m *Metrics) writeError() {
	if m != nil {
		m.WriteErrors.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil {
		m.Evictions.Inc()
		m.Evicted.Add(float64(n))
	}
}

func (m *Metrics) resident(n int64) {
	if m != nil {
		m.ResidentBytes.Set(float64(n))
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
