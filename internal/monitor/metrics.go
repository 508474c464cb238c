package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the risk pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	MessagesTotal    *prometheus.CounterVec
	ScoreDuration    prometheus.Histogram
	AlertsTotal      *prometheus.CounterVec
	ResolvesTotal    *prometheus.CounterVec
	IngestTotal      *prometheus.CounterVec
	ContactRiskOnHit prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_sweeps_total",
			Help: "Total sweeps by sweep kind and result.",
		}, []string{"sweep", "result"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_sweep_duration_seconds",
			Help:    "Duration of sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"sweep"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_intake_messages_total",
			Help: "Messages handled by the intake sweep by outcome.",
		}, []string{"outcome"}),
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_score_duration_seconds",
			Help:    "Duration of individual scorer calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_alerts_total",
			Help: "Alert creation attempts by alert type and outcome.",
		}, []string{"type", "outcome"}),
		ResolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_alert_resolves_total",
			Help: "Alert resolve attempts by outcome.",
		}, []string{"outcome"}),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_ingest_messages_total",
			Help: "Ingested messages by result.",
		}, []string{"result"}),
		ContactRiskOnHit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_contact_risk_on_alert",
			Help:    "Aggregated contact risk when a contact alert is considered.",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11), // 0.5 .. 1.0
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepDuration,
		m.MessagesTotal,
		m.ScoreDuration,
		m.AlertsTotal,
		m.ResolvesTotal,
		m.IngestTotal,
		m.ContactRiskOnHit,
	)

	return m
}

func (m *Metrics) observeSweep(sweep string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepsTotal.WithLabelValues(sweep, result).Inc()
	m.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeScore(d time.Duration) {
	if m == nil {
		return
	}
	m.ScoreDuration.Observe(d.Seconds())
}

func (m *Metrics) observeAlert(t AlertType, o Outcome) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(string(t), string(o)).Inc()
}

func (m *Metrics) observeResolve(o Outcome) {
	if m == nil {
		return
	}
	m.ResolvesTotal.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) observeIngest(duplicate bool) {
	if m == nil {
		return
	}
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	m.IngestTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeContactRisk(risk float64) {
	if m == nil {
		return
	}
	m.ContactRiskOnHit.Observe(risk)
}
