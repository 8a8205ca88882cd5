package versioned

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
)

// Metrics counts store operations. A nil *Metrics records nothing.
type Metrics struct {
	Fetches   *prometheus.CounterVec
	Cycles    *prometheus.CounterVec
	Attempts  prometheus.Histogram
	Durations *prometheus.HistogramVec
}

// NewMetrics registers the store metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rcaform_store_fetches_total",
			Help: "Collection fetches by backend and result",
		}, []string{"backend", "result"}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rcaform_store_writes_total",
			Help: "Read-modify-write cycles by backend and result",
		}, []string{"backend", "result"}),
		Attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rcaform_store_write_attempts",
			Help:    "Attempts used per read-modify-write cycle",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		Durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcaform_store_write_duration_seconds",
			Help:    "Latency of read-modify-write cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

func (m *Metrics) fetch(name string, err error) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(name, result(err)).Inc()
}

func (m *Metrics) cycle(name string, attempts int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(name, result(err)).Inc()
	m.Attempts.Observe(float64(attempts))
	m.Durations.WithLabelValues(name).Observe(d.Seconds())
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPersistConflict):
		return "conflict"
	case errors.Is(err, backend.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, backend.ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
