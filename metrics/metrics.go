// Package metrics wires the session engine's counters and gauges into
// Prometheus, exposed over the globals.metrics_listen HTTP address.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the session engine touches, one set
// shared across both ports (label "port" distinguishes them).
type Registry struct {
	ConnectAttempts   *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	RingDrops         *prometheus.CounterVec
	IdleTimeouts      *prometheus.CounterVec
	LinkLossEvents    *prometheus.CounterVec
	TCPState          *prometheus.GaugeVec
}

// NewRegistry registers every collector against reg (pass
// prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer in
// production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ser2enet",
			Name:      "connect_attempts_total",
			Help:      "Client-mode connect attempts, per port.",
		}, []string{"port"}),
		ReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ser2enet",
			Name:      "reconnect_attempts_total",
			Help:      "Client-mode reconnect attempts after a failed or dropped connection, per port.",
		}, []string{"port"}),
		RingDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ser2enet",
			Name:      "ring_drops_total",
			Help:      "Bytes dropped by a full ring buffer, per port and ring (rx/tx).",
		}, []string{"port", "ring"}),
		IdleTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ser2enet",
			Name:      "idle_timeouts_total",
			Help:      "Server-mode connections aborted by the inbound idle timeout, per port.",
		}, []string{"port"}),
		LinkLossEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ser2enet",
			Name:      "link_loss_total",
			Help:      "Physical link-down notifications observed, per port.",
		}, []string{"port"}),
		TCPState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ser2enet",
			Name:      "tcp_state",
			Help:      "Current TCP lifecycle state per port (0=Idle,1=Listen,2=Connecting,3=Connected).",
		}, []string{"port"}),
	}
}
