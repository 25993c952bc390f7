package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pipeline activity to Prometheus
type Metrics struct {
	transitions *prometheus.CounterVec
	inFlight    prometheus.Gauge
	attempts    *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_transitions_total",
			Help: "OCR image state transitions by target status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_in_flight",
			Help: "Images currently processing or waiting to retry.",
		}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_attempt_duration_seconds",
			Help:    "Duration of single OCR calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.transitions, m.inFlight, m.attempts)
	return m
}

// Hooks returns pipeline hooks feeding these metrics
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTransition: func(id string, from, to Status) {
			m.transitions.WithLabelValues(string(to)).Inc()
			switch {
			case !from.Active() && to.Active():
				m.inFlight.Inc()
			case from.Active() && !to.Active():
				m.inFlight.Dec()
			}
		},
		OnAttempt: func(id string, d time.Duration, err error) {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			m.attempts.WithLabelValues(outcome).Observe(d.Seconds())
		},
	}
}
