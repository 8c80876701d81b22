// Package metrics defines the Prometheus collectors of the realtime API.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_clients",
		Help: "Number of connected WebSocket clients",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_online_users",
		Help: "Number of distinct users with at least one connection",
	})
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_inbound_events_total",
		Help: "Client events received, by event type",
	}, []string{"event"})
	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_relayed_total",
		Help: "Chat messages persisted and broadcast to a ticket room",
	})
	SignalsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_signals_forwarded_total",
		Help: "Call signaling envelopes delivered, by kind",
	}, []string{"kind"})
	SocketErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Error events sent to clients, by code",
	}, []string{"code"})
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_handshake_failures_total",
		Help: "Rejected socket handshakes, by reason",
	}, []string{"reason"})
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_consumer_evictions_total",
		Help: "Connections dropped because their send queue was full",
	})
	CallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_total",
		Help: "Calls reaching a state, by state",
	}, []string{"state"})
	IngressEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_ingress_events_total",
		Help: "Events received on the Redis events channel",
	})
)

func init() {
	prometheus.MustRegister(
		WSClients, OnlineUsers, InboundEvents, MessagesRelayed, SignalsForwarded,
		SocketErrors, HandshakeFailures, SlowConsumers, CallOutcomes, IngressEvents,
	)
}

// Handler exposes the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
