// Package health publishes the launcher's view of the proxy process: whether
// it is running, whether its HTTP port accepts connections, and how it exited.
// The state is served over HTTP for orchestrator probes and as Prometheus
// metrics.
package health

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nbmcp"

// Status is the shared, concurrency-safe proxy state.
type Status struct {
	running  atomic.Bool
	ready    atomic.Bool
	exitCode atomic.Int64

	metrics *metrics
}

type metrics struct {
	running          prometheus.Gauge
	ready            prometheus.Gauge
	exitCode         prometheus.Gauge
	startTime        prometheus.Gauge
	forwardedSignals *prometheus.CounterVec
	preflight        *prometheus.CounterVec
}

// NewStatus creates a Status and registers its metrics with reg.
func NewStatus(reg prometheus.Registerer) *Status {
	m := &metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_running",
			Help:      "Whether the proxy process is running.",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_ready",
			Help:      "Whether the proxy port accepts connections.",
		}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_exit_code",
			Help:      "Exit code of the proxy process, -1 while it has not exited.",
		}),
		startTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_start_time_seconds",
			Help:      "Unix time the proxy process was started.",
		}),
		forwardedSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_signals_total",
			Help:      "Signals forwarded to the proxy process group.",
		}, []string{"signal"}),
		preflight: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_attempts_total",
			Help:      "NetBox preflight attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.running, m.ready, m.exitCode, m.startTime, m.forwardedSignals, m.preflight)

	s := &Status{metrics: m}
	s.exitCode.Store(-1)
	m.exitCode.Set(-1)
	return s
}

// MarkStarted records that the proxy process was started.
func (s *Status) MarkStarted(at time.Time) {
	s.running.Store(true)
	s.metrics.running.Set(1)
	s.metrics.startTime.Set(float64(at.Unix()))
}

// MarkReady records whether the proxy port accepts connections.
func (s *Status) MarkReady(ready bool) {
	s.ready.Store(ready)
	s.metrics.ready.Set(boolToFloat(ready))
}

// MarkExited records the proxy exit code.
func (s *Status) MarkExited(code int) {
	s.running.Store(false)
	s.ready.Store(false)
	s.exitCode.Store(int64(code))
	s.metrics.running.Set(0)
	s.metrics.ready.Set(0)
	s.metrics.exitCode.Set(float64(code))
}

// SignalForwarded counts a signal forwarded to the proxy.
func (s *Status) SignalForwarded(name string) {
	s.metrics.forwardedSignals.WithLabelValues(name).Inc()
}

// PreflightAttempt counts a preflight attempt with the given result label.
func (s *Status) PreflightAttempt(result string) {
	s.metrics.preflight.WithLabelValues(result).Inc()
}

// Running reports whether the proxy process is running.
func (s *Status) Running() bool {
	return s.running.Load()
}

// Ready reports whether the proxy port accepts connections.
func (s *Status) Ready() bool {
	return s.ready.Load()
}

// ExitCode returns the proxy exit code, or -1 if it has not exited.
func (s *Status) ExitCode() int {
	return int(s.exitCode.Load())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
