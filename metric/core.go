package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared by all components
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	// Relay backend metrics
	RelayConnected  prometheus.Gauge
	RelayReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "reef",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reef",
				Subsystem: "component",
				Name:      "errors_total",
				Help:      "Total errors by component and type",
			},
			[]string{"component", "error_type"},
		),

		RelayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reef",
				Subsystem: "relay",
				Name:      "connected",
				Help:      "Relay backend connection status (1=connected)",
			},
		),

		RelayReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "reef",
				Subsystem: "relay",
				Name:      "reconnects_total",
				Help:      "Total relay backend reconnections",
			},
		),
	}
}
