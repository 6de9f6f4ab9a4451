package tftp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	RequestsTotal  *prometheus.CounterVec
	TransfersTotal *prometheus.CounterVec
	BytesTotal     *prometheus.CounterVec
	Retransmits    prometheus.Counter
}

// NewMetrics registers the server's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tftp",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the registry.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tftp",
			Name:      "requests_total",
			Help:      "Read and write requests received, by outcome.",
		}, []string{"kind", "outcome"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tftp",
			Name:      "transfers_total",
			Help:      "Finished sessions, by outcome.",
		}, []string{"kind", "outcome"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tftp",
			Name:      "bytes_total",
			Help:      "File payload bytes moved, by direction.",
		}, []string{"direction"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tftp",
			Name:      "retransmits_total",
			Help:      "Frames retransmitted after a timeout.",
		}),
	}
	reg.MustRegister(m.ActiveSessions, m.RequestsTotal, m.TransfersTotal, m.BytesTotal, m.Retransmits)
	return m
}

func (m *Metrics) sessionOpened(kind OpCode) {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.RequestsTotal.WithLabelValues(kind.String(), "accepted").Inc()
}

func (m *Metrics) requestRejected(kind OpCode) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind.String(), "rejected").Inc()
}

func (m *Metrics) sessionClosed(kind OpCode, outcome string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.TransfersTotal.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) retransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
}
