package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core platform metrics every RefStream process exposes.
type Metrics struct {
	// ReferenceEvents counts diffing outcomes by event type and source.
	ReferenceEvents *prometheus.CounterVec

	// Harvestings counts harvesting runs reaching a terminal state,
	// by source and state (completed or failed).
	Harvestings *prometheus.CounterVec

	// HarvestDuration observes wall time of one harvesting run per source.
	HarvestDuration *prometheus.HistogramVec

	// RecordsFetched counts raw records yielded by source adapters.
	RecordsFetched *prometheus.CounterVec
}

// NewMetrics creates the core metric set. Call register to attach it to a
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ReferenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refstream",
			Subsystem: "harvest",
			Name:      "reference_events_total",
			Help:      "Reference events produced by the diffing engine",
		}, []string{"source", "type"}),
		Harvestings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refstream",
			Subsystem: "harvest",
			Name:      "harvestings_total",
			Help:      "Harvesting runs reaching a terminal state",
		}, []string{"source", "state"}),
		HarvestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "refstream",
			Subsystem: "harvest",
			Name:      "duration_seconds",
			Help:      "Wall time of one harvesting run",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refstream",
			Subsystem: "harvest",
			Name:      "records_fetched_total",
			Help:      "Raw records yielded by source adapters",
		}, []string{"source"}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ReferenceEvents,
		m.Harvestings,
		m.HarvestDuration,
		m.RecordsFetched,
	)
}
