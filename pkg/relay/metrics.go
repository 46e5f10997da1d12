package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики ретранслятора. Методы допускают nil-получатель.
type Metrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	auth        *prometheus.CounterVec
}

// NewMetrics регистрирует метрики ретранслятора; nil означает prometheus.DefaultRegisterer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callapi",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of connected signaling clients",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callapi",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relayed frames by outcome",
		}, []string{"result"}),
		auth: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callapi",
			Subsystem: "relay",
			Name:      "auth_total",
			Help:      "Token checks by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) connected(delta float64) {
	if m == nil {
		return
	}
	m.connections.Add(delta)
}

func (m *Metrics) frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) authResult(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.auth.WithLabelValues(result).Inc()
}
