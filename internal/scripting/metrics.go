package scripting

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts session lifecycle events. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionFailures *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	Commits         prometheus.Counter
	TimersCleared   prometheus.Counter
	HandlerErrors   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "sessions_started_total",
			Help:      "Script sessions that reached the running state.",
		}),
		SessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "session_failures_total",
			Help:      "Script sessions that failed to start, by error kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "sessions_active",
			Help:      "Sessions that have not been torn down.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "commits_total",
			Help:      "Working state commits published to hosts.",
		}),
		TimersCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "timers_cleared_total",
			Help:      "Outstanding script timers cleared at teardown.",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "handler_errors_total",
			Help:      "Exceptions thrown by event handlers and timer callbacks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.SessionFailures,
			m.ActiveSessions,
			m.Commits,
			m.TimersCleared,
			m.HandlerErrors,
		)
	}
	return m
}

func (m *Metrics) started() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) failed(err error) {
	if m != nil {
		m.SessionFailures.WithLabelValues(errorKind(err)).Inc()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) closed(timers int) {
	if m != nil {
		m.ActiveSessions.Dec()
		m.TimersCleared.Add(float64(timers))
	}
}

func (m *Metrics) committed() {
	if m != nil {
		m.Commits.Inc()
	}
}

func (m *Metrics) handlerError() {
	if m != nil {
		m.HandlerErrors.Inc()
	}
}
