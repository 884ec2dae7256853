package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connectd"

var (
	registerOnce sync.Once

	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_received_total",
			Help:      "Packets received on device links, by packet type.",
		},
		[]string{"type"},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_sent_total",
			Help:      "Packets written to device links, by packet type.",
		},
		[]string{"type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped before reaching a plugin, by reason.",
		},
		[]string{"reason"},
	)
	connectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Devices with a live link.",
		},
	)
	pairingResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "results_total",
			Help:      "Pairing outcomes.",
		},
		[]string{"result"},
	)
	pluginErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "errors_total",
			Help:      "Plugin packet handling failures.",
		},
		[]string{"plugin"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "reconnect_attempts_total",
			Help:      "Outbound reconnect attempts to trusted devices.",
		},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "bytes_total",
			Help:      "Payload bytes moved, by direction.",
		},
		[]string{"direction"},
	)
	payloadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "failures_total",
			Help:      "Failed payload transfers, by direction.",
		},
		[]string{"direction"},
	)
	discoveredDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "reachable_devices",
			Help:      "Devices announced within the liveness window.",
		},
	)
)

// RegisterMetrics registers all collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packetsReceived,
			packetsSent,
			packetsDropped,
			connectedDevices,
			pairingResults,
			pluginErrors,
			reconnectAttempts,
			payloadBytes,
			payloadFailures,
			discoveredDevices,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordPacketReceived(packetType string) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(packetType).Inc()
}

func RecordPacketSent(packetType string) {
	RegisterMetrics()
	packetsSent.WithLabelValues(packetType).Inc()
}

// RecordPacketDropped counts a dropped inbound packet; reason is one of
// "unpaired", "unclaimed" or "malformed".
func RecordPacketDropped(reason string) {
	RegisterMetrics()
	packetsDropped.WithLabelValues(reason).Inc()
}

func SetConnectedDevices(n int) {
	RegisterMetrics()
	connectedDevices.Set(float64(n))
}

func RecordPairingResult(result string) {
	RegisterMetrics()
	pairingResults.WithLabelValues(result).Inc()
}

func RecordPluginError(plugin string) {
	RegisterMetrics()
	pluginErrors.WithLabelValues(plugin).Inc()
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	reconnectAttempts.Inc()
}

func RecordPayload(direction string, bytes int64, failed bool) {
	RegisterMetrics()
	if bytes > 0 {
		payloadBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	if failed {
		payloadFailures.WithLabelValues(direction).Inc()
	}
}

func SetReachableDevices(n int) {
	RegisterMetrics()
	discoveredDevices.Set(float64(n))
}
