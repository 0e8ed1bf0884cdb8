// Package metrics provides Prometheus metrics for Mydia Relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mydia_relay"
)

// Metrics contains all Prometheus metrics for the relay subsystem.
type Metrics struct {
	// Claim metrics
	ClaimsCreated    prometheus.Counter
	ClaimsConsumed   prometheus.Counter
	ClaimsExpired    prometheus.Counter
	ClaimConflicts   *prometheus.CounterVec
	ClaimLookups     *prometheus.CounterVec
	ClaimSweepsTotal prometheus.Counter

	// Handshake metrics
	HandshakesTotal   *prometheus.CounterVec
	HandshakeErrors   *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram
	DevicesRegistered prometheus.Counter

	// Session / tunnel metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	FramesForwarded   *prometheus.CounterVec
	DecryptFailures   prometheus.Counter
	RekeySignals      prometheus.Counter
	BytesRelayed      *prometheus.CounterVec
	LocalAPILatency   prometheus.Histogram
	RelayReconnects   prometheus.Counter
	RelayConnected    prometheus.Gauge
	DirectConnections prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClaimsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_created_total",
			Help:      "Total number of pairing claim codes created",
		}),
		ClaimsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_consumed_total",
			Help:      "Total number of claim codes consumed by successful pairings",
		}),
		ClaimsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_expired_total",
			Help:      "Total number of claim codes removed after expiry",
		}),
		ClaimConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Total claim operation conflicts by reason",
		}, []string{"reason"}),
		ClaimLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_lookups_total",
			Help:      "Total claim lookups by outcome",
		}, []string{"outcome"}),
		ClaimSweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_sweeps_total",
			Help:      "Total claim cleanup sweeps executed",
		}),

		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total completed handshakes by flow (pairing, reconnect)",
		}, []string{"flow"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by flow",
		}, []string{"flow"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Handshake completion latency",
			Buckets:   prometheus.DefBuckets,
		}),
		DevicesRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_registered_total",
			Help:      "Total devices registered through pairing",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active tunnel sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total tunnel sessions established",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total tunnel sessions closed by reason",
		}, []string{"reason"}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total tunnel frames forwarded by direction",
		}, []string{"direction"}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total frames rejected by decryption or replay checks",
		}),
		RekeySignals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekey_signals_total",
			Help:      "Total rekey-needed signals raised by sessions",
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		LocalAPILatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "local_api_duration_seconds",
			Help:      "Latency of forwarded local API requests",
			Buckets:   prometheus.DefBuckets,
		}),
		RelayReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Total reconnections to the cloud relay",
		}),
		RelayConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "Whether the relay connection is currently up (0 or 1)",
		}),
		DirectConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_connections_total",
			Help:      "Total direct QUIC connections accepted",
		}),
	}
}
