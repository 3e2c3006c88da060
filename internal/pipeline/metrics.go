package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	jobs          *prometheus.CounterVec
	extraction    *prometheus.HistogramVec
	reroutes      prometheus.Counter
	deadLetters   prometheus.Counter
	chunksEmitted prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_jobs_total",
			Help: "Jobs handled, by final outcome.",
		}, []string{"status"}),
		extraction: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_extraction_seconds",
			Help:    "Time spent inside an extraction strategy.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		}, []string{"kind"}),
		reroutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_reroutes_total",
			Help: "Jobs forwarded to the high-memory tier.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_dead_letters_total",
			Help: "Dead-letter messages published.",
		}),
		chunksEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_chunks_published_total",
			Help: "Chunks handed to the embedding queue.",
		}),
	}
	reg.MustRegister(m.jobs, m.extraction, m.reroutes, m.deadLetters, m.chunksEmitted)
	return m
}

func (m *Metrics) jobDone(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) observeExtraction(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.extraction.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) rerouted() {
	if m == nil {
		return
	}
	m.reroutes.Inc()
}

func (m *Metrics) deadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) chunksPublished(n int) {
	if m == nil {
		return
	}
	m.chunksEmitted.Add(float64(n))
}
