// Package observability exposes Prometheus metrics for the bridge.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors on a private registry so
// tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	stateChanges    *prometheus.CounterVec
	connectedGauge  prometheus.Gauge

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	healthProbes *prometheus.CounterVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts per server and outcome.",
		}, []string{"server", "outcome"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Name:      "state_changes_total",
			Help:      "Connection state transitions per server.",
		}, []string{"server", "to"}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Name:      "connected_servers",
			Help:      "Number of servers currently connected.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Name:      "tool_calls_total",
			Help:      "Tool invocations per server and outcome.",
		}, []string{"server", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpbridge",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"server"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Name:      "health_probes_total",
			Help:      "Health probes per server and outcome.",
		}, []string{"server", "outcome"}),
	}

	m.registry.MustRegister(
		m.connectAttempts,
		m.stateChanges,
		m.connectedGauge,
		m.toolCalls,
		m.toolDuration,
		m.healthProbes,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// ObserveConnectAttempt counts one connect attempt.
func (m *Metrics) ObserveConnectAttempt(server string, success bool) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(server, outcome(success)).Inc()
}

// ObserveStateChange counts one state transition and keeps the connected
// gauge in sync.
func (m *Metrics) ObserveStateChange(server, to string, connectedDelta int) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(server, to).Inc()
	if connectedDelta != 0 {
		m.connectedGauge.Add(float64(connectedDelta))
	}
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(server string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, outcome(success)).Inc()
	m.toolDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// ObserveHealthProbe records one health probe.
func (m *Metrics) ObserveHealthProbe(server string, success bool) {
	if m == nil {
		return
	}
	m.healthProbes.WithLabelValues(server, outcome(success)).Inc()
}
