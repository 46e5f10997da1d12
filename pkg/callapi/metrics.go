package callapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig параметры метрик сессии
type MetricsConfig struct {
	Namespace string
	Subsystem string
	// Registerer реестр; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "callapi",
		Subsystem: "session",
	}
}

// Metrics prometheus-метрики сессий звонков.
// Один экземпляр можно разделять между сессиями. Методы допускают nil-получатель.
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	events           *prometheus.CounterVec
	errors           *prometheus.CounterVec
	calls            *prometheus.CounterVec
	costs            *prometheus.HistogramVec
	receipts         *prometheus.CounterVec
	callDuration     prometheus.Histogram
	activeCalls      prometheus.Gauge
}

// NewMetrics регистрирует метрики в реестре
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of call session state transitions",
		}, []string{"from", "to", "reason"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_total",
			Help:      "Number of call events emitted to listeners",
		}, []string{"event"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "errors_total",
			Help:      "Number of call errors by error event",
		}, []string{"event"}),

		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_total",
			Help:      "Number of call attempts by direction and type",
		}, []string{"direction", "type"}),

		costs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "checkpoint_seconds",
			Help:      "Time from call start to a lifecycle checkpoint",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"checkpoint"}),

		receipts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "receipts_total",
			Help:      "Delivery receipt outcomes",
		}, []string{"result"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connected_duration_seconds",
			Help:      "Duration of connected calls",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),

		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connected_calls",
			Help:      "Number of calls currently in the connected state",
		}),
	}
}

func (m *Metrics) transition(from, to State, reason StateReason) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String(), reason.String()).Inc()
	if to == StateConnected && from != StateConnected {
		m.activeCalls.Inc()
	}
	if from == StateConnected && to != StateConnected {
		m.activeCalls.Dec()
	}
}

func (m *Metrics) event(e Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(e.String()).Inc()
}

func (m *Metrics) error(e ErrorEvent) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(e.String()).Inc()
}

func (m *Metrics) call(outgoing bool, t CallType) {
	if m == nil {
		return
	}
	direction := "incoming"
	if outgoing {
		direction = "outgoing"
	}
	m.calls.WithLabelValues(direction, t.String()).Inc()
}

func (m *Metrics) cost(checkpoint string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.costs.WithLabelValues(checkpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) receipt(result string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(result).Inc()
}

func (m *Metrics) connectedDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.Observe(d.Seconds())
}
