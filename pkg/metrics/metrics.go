// Package metrics wires Prometheus instrumentation for the LSM/IRS engine,
// following the same promauto.With(registry) registration pattern the
// teacher's pkg/metrics/init_cluster.go and init_http.go use: one
// init*Metrics method per concern area against a private registry, rather
// than registering against prometheus's global DefaultRegisterer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dd0wney/irsdb/pkg/lsm"
)

// Metrics holds every Prometheus collector the engine reports. It
// implements lsm.MetricsRecorder so an *LSMTree can be constructed with a
// *Metrics directly.
type Metrics struct {
	registry *prometheus.Registry

	inserts        prometheus.Counter
	deletes        prometheus.Counter
	getHits        prometheus.Counter
	getMisses      prometheus.Counter
	overloads      prometheus.Counter
	sampleRequests prometheus.Counter
	sampleEmpty    prometheus.Counter
	sampleDuration prometheus.Histogram
	sampleAttempts prometheus.Histogram
	sampleRejects  prometheus.Histogram
	mergeDuration  prometheus.Histogram
}

// New constructs a Metrics instance registered against its own private
// registry (never the global DefaultRegisterer), matching the teacher's
// NewMetrics(registry) convention.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{registry: registry}
	m.initStorageMetrics()
	m.initSampleMetrics()
	m.initCompactionMetrics()
	return m
}

func (m *Metrics) initStorageMetrics() {
	m.inserts = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_inserts_total",
		Help: "Total number of accepted Insert calls.",
	})
	m.deletes = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_deletes_total",
		Help: "Total number of accepted Delete calls.",
	})
	m.getHits = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_get_hits_total",
		Help: "Total number of Get calls that found a live record.",
	})
	m.getMisses = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_get_misses_total",
		Help: "Total number of Get calls that found nothing live.",
	})
	m.overloads = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_overloaded_total",
		Help: "Total number of Insert calls that returned Overloaded.",
	})
}

func (m *Metrics) initSampleMetrics() {
	m.sampleRequests = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_range_sample_requests_total",
		Help: "Total number of RangeSample calls.",
	})
	m.sampleEmpty = promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Name: "irsdb_range_sample_empty_total",
		Help: "Total number of RangeSample calls that accepted no records.",
	})
	m.sampleDuration = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "irsdb_range_sample_duration_seconds",
		Help:    "Wall-clock duration of RangeSample calls.",
		Buckets: prometheus.DefBuckets,
	})
	m.sampleAttempts = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "irsdb_range_sample_attempts",
		Help:    "Number of draw attempts (including rejections) per RangeSample call.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
	m.sampleRejects = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "irsdb_range_sample_rejections",
		Help:    "Number of rejected draws per RangeSample call.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
}

func (m *Metrics) initCompactionMetrics() {
	m.mergeDuration = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "irsdb_merge_duration_seconds",
		Help:    "Duration of background memtable-drain/cascade merges.",
		Buckets: prometheus.DefBuckets,
	})
}

// ObserveInsert records one accepted Insert.
func (m *Metrics) ObserveInsert() { m.inserts.Inc() }

// ObserveDelete records one accepted Delete.
func (m *Metrics) ObserveDelete() { m.deletes.Inc() }

// ObserveGet records one Get call's hit/miss outcome.
func (m *Metrics) ObserveGet(hit bool) {
	if hit {
		m.getHits.Inc()
		return
	}
	m.getMisses.Inc()
}

// ObserveOverload records one Overloaded Insert rejection.
func (m *Metrics) ObserveOverload() { m.overloads.Inc() }

// ObserveSample records one RangeSample call's outcome.
func (m *Metrics) ObserveSample(stats lsm.SampleStats) {
	m.sampleRequests.Inc()
	if stats.Accepted == 0 {
		m.sampleEmpty.Inc()
	}
	m.sampleDuration.Observe(stats.Total.Seconds())
	m.sampleAttempts.Observe(float64(stats.Attempts))
	m.sampleRejects.Observe(float64(stats.Rejected))
}

// ObserveMerge records one background merge's duration.
func (m *Metrics) ObserveMerge(d time.Duration) { m.mergeDuration.Observe(d.Seconds()) }

// Registry exposes the private registry for an HTTP /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
