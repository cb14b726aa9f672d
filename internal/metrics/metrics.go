// Package metrics holds the Prometheus collectors shared by the client and the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hooklab"

var (
	// ChannelState is 0 disconnected, 1 connecting, 2 connected.
	ChannelState     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "client", Name: "channel_state", Help: "Control channel state"})
	ConnectAttempts  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "connect_attempts_total", Help: "Broker connection attempts by result"}, []string{"result"})
	HeartbeatMisses  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "heartbeat_misses_total", Help: "Heartbeats left unacknowledged for a full interval"})
	ActiveSessions   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "client", Name: "active_sessions", Help: "Tunnel sessions in the active state"})
	ForwardedConns   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "forwarded_connections_total", Help: "Relayed connections by result"}, []string{"result"})
	ForwardedBytes   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "forwarded_bytes_total", Help: "Relayed bytes by direction"}, []string{"direction"})
	ActiveForwarders = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "client", Name: "active_forwarders", Help: "Relayed connections currently open"})

	BrokerClients       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "broker", Name: "connected_clients", Help: "Authenticated control channels"})
	BrokerTunnels       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "broker", Name: "active_tunnels", Help: "Registered tunnels"})
	BrokerRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "broker", Name: "registrations_total", Help: "Tunnel requests by result code"}, []string{"code"})
	BrokerStreamResets  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "broker", Name: "stream_resets_total", Help: "Relayed connections reset by clients"}, []string{"code"})
	BrokerProxied       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "broker", Name: "proxied_connections_total", Help: "Public connections by ingress protocol"}, []string{"protocol"})
)

// Directions used with ForwardedBytes.
const (
	DirectionInbound  = "inbound"  // broker to local service
	DirectionOutbound = "outbound" // local service to broker
)
