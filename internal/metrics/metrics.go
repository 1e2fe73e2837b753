// Package metrics exposes the daemon's prometheus instrumentation: console
// request counters, install-transfer timing, and notification-drop
// counters, served on a dedicated HTTP listener alongside /health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts console requests by permission and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npkd_console_requests_total",
			Help: "Total console requests by permission and outcome",
		},
		[]string{"permission", "outcome"},
	)

	// NotificationsDropped counts subscribers disconnected for lagging.
	NotificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npkd_notifications_dropped_total",
			Help: "Total subscribers disconnected for falling behind the notification broadcast",
		},
		[]string{"kind"},
	)

	// InstallBytesTotal counts bytes received by Install streaming.
	InstallBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "npkd_install_bytes_total",
			Help: "Total bytes received across all Install transfers",
		},
	)

	// InstallDuration histograms the wall-clock time of one Install
	// transfer from request to repository.Add completing.
	InstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "npkd_install_duration_seconds",
			Help:    "Duration of package install transfers",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// ContainersByState gauges the current container count per lifecycle
	// state.
	ContainersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "npkd_containers_total",
			Help: "Current number of containers by runtime state",
		},
		[]string{"state"},
	)

	// ConnectionsActive gauges the number of live console connections.
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "npkd_console_connections_active",
			Help: "Current number of open console connections",
		},
	)
)

// Register adds every collector above to reg.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		RequestsTotal,
		NotificationsDropped,
		InstallBytesTotal,
		InstallDuration,
		ContainersByState,
		ConnectionsActive,
	)
}

// Handler builds the /metrics HTTP handler for a registry populated by
// Register.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
