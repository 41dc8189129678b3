package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics provides observability for the address history module.
type Metrics struct {
	SegmentsAppended prometheus.Counter
	SegmentsClosed   prometheus.Counter
	OrderingRejected prometheus.Counter
	AppendDuration   prometheus.Histogram
	ResolveDuration  prometheus.Histogram
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// New registers the address metrics with reg. A nil reg builds unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "addrhist_segments_appended_total",
			Help: "Total number of address segments appended",
		}),
		SegmentsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "addrhist_segments_closed_total",
			Help: "Total number of open segments closed by a newer segment",
		}),
		OrderingRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "addrhist_ordering_rejected_total",
			Help: "Appends rejected because start_date was not after the baseline",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "addrhist_append_duration_seconds",
			Help:    "Duration of Append operations including the store transaction",
			Buckets: durationBuckets,
		}),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "addrhist_resolve_duration_seconds",
			Help:    "Duration of Resolve operations",
			Buckets: durationBuckets,
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "addrhist_history_cache_hits_total",
			Help: "History lookups served from the cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "addrhist_history_cache_misses_total",
			Help: "History lookups that fell through to the store",
		}),
	}
}

// ObserveAppend records the duration of an Append call started at start.
func (m *Metrics) ObserveAppend(start time.Time) {
	m.AppendDuration.Observe(time.Since(start).Seconds())
}

// ObserveResolve records the duration of a Resolve call started at start.
func (m *Metrics) ObserveResolve(start time.Time) {
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}
