// Package metrics exposes the bridge daemon's Prometheus instrumentation:
// operation throughput, interface/connection gauges, and per-transport
// error counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbridge_operations_total",
			Help: "Total number of Greybus operations dispatched, by driver and result",
		},
		[]string{"driver", "result"},
	)

	operationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gbridge_operation_duration_seconds",
			Help:    "Operation duration: handler time for inbound requests, request send to response receipt for outbound requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"driver"},
	)

	interfacesAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gbridge_interfaces_attached",
			Help: "Number of interfaces currently attached to the fabric",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gbridge_connections_active",
			Help: "Number of routed CPort connections currently open",
		},
	)

	transportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbridge_transport_errors_total",
			Help: "Transport-level read/write errors, by transport and direction",
		},
		[]string{"transport", "direction"},
	)
)

// RecordOperation records one completed operation's driver, result code,
// and duration (handler time for an inbound request, send-to-response
// time for an outbound one).
func RecordOperation(driver, result string, durationSeconds float64) {
	operationsTotal.WithLabelValues(driver, result).Inc()
	operationDurationSeconds.WithLabelValues(driver).Observe(durationSeconds)
}

// SetInterfacesAttached sets the current interface count.
func SetInterfacesAttached(n int) {
	interfacesAttached.Set(float64(n))
}

// SetConnectionsActive sets the current open-connection count.
func SetConnectionsActive(n int) {
	connectionsActive.Set(float64(n))
}

// RecordTransportError records a read or write failure on a named
// transport ("serial", "tcpip", "bluetooth", "simulator", "host").
func RecordTransportError(transport, direction string) {
	transportErrorsTotal.WithLabelValues(transport, direction).Inc()
}
