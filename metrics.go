package txtracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the tracker's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	replacements    prometheus.Counter
	classifications *prometheus.CounterVec
	guardChecks     *prometheus.CounterVec
	receipts        *prometheus.CounterVec
	completionTime  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txtracker",
			Name:      "lifecycle_transitions_total",
			Help:      "Applied lifecycle transitions by action.",
		}, []string{"action"}),
		replacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txtracker",
			Name:      "replacements_detected_total",
			Help:      "Speed-up or cancel replacements detected on chain.",
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txtracker",
			Name:      "classifications_total",
			Help:      "Gas tier classification outcomes.",
		}, []string{"result"}),
		guardChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txtracker",
			Name:      "gas_guard_checks_total",
			Help:      "Gas sufficiency checks by result.",
		}, []string{"result"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txtracker",
			Name:      "receipts_total",
			Help:      "Receipt monitor outcomes.",
		}, []string{"status"}),
		completionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txtracker",
			Name:      "completion_time_seconds",
			Help:      "Seconds between submission and confirmation.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.replacements, m.classifications, m.guardChecks, m.receipts, m.completionTime)
	}
	return m
}

func (m *Metrics) transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) replacement() {
	if m == nil {
		return
	}
	m.replacements.Inc()
}

func (m *Metrics) classification(result string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(result).Inc()
}

func (m *Metrics) guardCheck(result string) {
	if m == nil {
		return
	}
	m.guardChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) receipt(status ReceiptStatus) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) completed(seconds int64) {
	if m == nil {
		return
	}
	m.completionTime.Observe(float64(seconds))
}
