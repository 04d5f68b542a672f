package monitor

import (
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports health-check and state-machine telemetry. Label values are
// normalized to snake_case so dashboards see stable series names no matter
// how callers spell check names.
type Metrics struct {
	checkLatency  *prometheus.HistogramVec
	checkFailures *prometheus.CounterVec
	checkHealthy  *prometheus.GaugeVec
	recoveries    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodeagent",
			Subsystem: "monitor",
			Name:      "check_duration_seconds",
			Help:      "Health check execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check"}),
		checkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Subsystem: "monitor",
			Name:      "check_failures_total",
			Help:      "Health check failures, including timeouts.",
		}, []string{"check"}),
		checkHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodeagent",
			Subsystem: "monitor",
			Name:      "check_healthy",
			Help:      "1 when the check last passed, 0 otherwise.",
		}, []string{"check"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Subsystem: "monitor",
			Name:      "recoveries_total",
			Help:      "Recovery actions triggered by failure thresholds.",
		}, []string{"check"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "state_transitions_total",
			Help:      "Subsystem state machine transitions.",
		}, []string{"machine", "from", "to"}),
	}
	reg.MustRegister(m.checkLatency, m.checkFailures, m.checkHealthy, m.recoveries, m.transitions)
	return m
}

func (m *Metrics) observeCheck(name string, latency time.Duration, failed bool) {
	label := strcase.ToSnake(name)
	m.checkLatency.WithLabelValues(label).Observe(latency.Seconds())
	if failed {
		m.checkFailures.WithLabelValues(label).Inc()
		m.checkHealthy.WithLabelValues(label).Set(0)
	} else {
		m.checkHealthy.WithLabelValues(label).Set(1)
	}
}

func (m *Metrics) observeRecovery(name string) {
	m.recoveries.WithLabelValues(strcase.ToSnake(name)).Inc()
}

// ObserveTransition records a state machine transition. Wired as an fsm
// observer on every manager.
func (m *Metrics) ObserveTransition(machine, from, to string) {
	m.transitions.WithLabelValues(
		strcase.ToSnake(machine),
		strcase.ToSnake(from),
		strcase.ToSnake(to),
	).Inc()
}
