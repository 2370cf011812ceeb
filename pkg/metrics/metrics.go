// Package metrics defines the proxy's Prometheus-style counters and
// histograms. this design scopes "Prometheus-style metric exposition" out
// as an external collaborator's concern (the HTTP /metrics surface), but
// the ambient logging/metrics concern is carried regardless per this
// system's rule that Non-goals bind functionality, not ambient stack; see
// the Domain Stack section. Nothing in this package starts an
// HTTP listener, and cmd/mcpproxy only registers the collectors; it
// serves no metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BackendRestartsTotal counts restart policy invocations, labeled by
	// backend name.
	BackendRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_proxy_backend_restarts_total",
		Help: "Total number of backend restart attempts.",
	}, []string{"backend"})

	// BackendFailuresTotal counts every observed backend failure
	// (connection closed, handshake error, health-check fail, child
	// exit), labeled by backend name.
	BackendFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_proxy_backend_failures_total",
		Help: "Total number of observed backend failures.",
	}, []string{"backend"})

	// HealthChecksTotal counts Health Checker pings, labeled by backend
	// name and outcome ("success"/"failure").
	HealthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_proxy_health_checks_total",
		Help: "Total number of health check pings performed.",
	}, []string{"backend", "result"})

	// PluginExecutionsTotal counts Plugin Chain (C8) executions, labeled
	// by plugin name and phase.
	PluginExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_proxy_plugin_executions_total",
		Help: "Total number of plugin executions.",
	}, []string{"plugin", "phase"})

	// PluginTimeoutsTotal counts plugin executions that exceeded their
	// timeout, labeled by plugin name and phase.
	PluginTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_proxy_plugin_timeouts_total",
		Help: "Total number of plugin executions that timed out.",
	}, []string{"plugin", "phase"})

	// RequestDurationSeconds observes end-to-end Request Handler (C7)
	// latency, labeled by method.
	RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_proxy_request_duration_seconds",
		Help:    "Request Handler end-to-end latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Register adds every collector in this package to reg. Called once at
// startup by cmd/mcpproxy; registering the same collectors twice on one
// registry returns an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		BackendRestartsTotal,
		BackendFailuresTotal,
		HealthChecksTotal,
		PluginExecutionsTotal,
		PluginTimeoutsTotal,
		RequestDurationSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
