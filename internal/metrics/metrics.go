// Package metrics exposes Prometheus collectors for phase invocations and
// hosted tasks.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the devtrace collectors. A nil *Metrics records nothing.
type Metrics struct {
	PhaseInvocations *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec

	HostedTasks        *prometheus.CounterVec
	HostedStepFailures *prometheus.CounterVec
	HostedInFlight     prometheus.Gauge

	ProcessExitCodes *prometheus.CounterVec
}

// Default returns the collectors registered with the default Prometheus
// registry. Registration happens once per process.
//
// Metrics:
//   - devtrace_phase_invocations_total{phase,status}
//   - devtrace_phase_duration_seconds{phase}
//   - devtrace_hosted_tasks_total{status}
//   - devtrace_hosted_step_failures_total{step}
//   - devtrace_hosted_tasks_in_flight
//   - devtrace_process_exit_codes_total{code}
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PhaseInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devtrace_phase_invocations_total",
				Help: "Total number of phase invocations",
			},
			[]string{"phase", "status"}, // "success" or a fault kind
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devtrace_phase_duration_seconds",
				Help:    "Duration of phase invocations in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		HostedTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devtrace_hosted_tasks_total",
				Help: "Total number of hosted tasks by outcome",
			},
			[]string{"status"},
		),
		HostedStepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devtrace_hosted_step_failures_total",
				Help: "Total number of failed hosted task steps",
			},
			[]string{"step"}, // forward, serve, measure, unserve, unforward
		),
		HostedInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "devtrace_hosted_tasks_in_flight",
				Help: "Hosted tasks currently holding the hosted lock",
			},
		),
		ProcessExitCodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devtrace_process_exit_codes_total",
				Help: "Exit codes of measurement processes",
			},
			[]string{"code"},
		),
	}
}

// ObservePhase records one phase invocation.
func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseInvocations.WithLabelValues(phase, status).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveHostedTask records the outcome of one hosted task.
func (m *Metrics) ObserveHostedTask(status string) {
	if m == nil {
		return
	}
	m.HostedTasks.WithLabelValues(status).Inc()
}

// ObserveStepFailure records a failed hosted task step.
func (m *Metrics) ObserveStepFailure(step string) {
	if m == nil {
		return
	}
	m.HostedStepFailures.WithLabelValues(step).Inc()
}

// TaskStarted and TaskFinished track hosted tasks holding the lock.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.HostedInFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.HostedInFlight.Dec()
}

// ObserveExit records a measurement process exit code.
func (m *Metrics) ObserveExit(_ string, code int) {
	if m == nil {
		return
	}
	m.ProcessExitCodes.WithLabelValues(strconv.Itoa(code)).Inc()
}
