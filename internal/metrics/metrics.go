// Package metrics provides Prometheus instrumentation for the sync engine.
// Collectors are fed from the operational event bus and from state
// snapshots.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 while disconnected, 1 while connecting and 2
	// while connected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Real-time connection state (0 disconnected, 1 connecting, 2 connected)",
	})

	// Reconnects counts scheduled reconnect attempts.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnects_total",
		Help: "Total number of scheduled reconnect attempts",
	})

	// ReconnectsExhausted counts the times reconnection gave up.
	ReconnectsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnects_exhausted_total",
		Help: "Total number of times automatic reconnection gave up",
	})

	// MessagesTotal counts messages by outcome: "sent", "failed" or
	// "received".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// EventsDropped counts real-time events dropped because the connection
	// was down.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_events_dropped_total",
		Help: "Total number of outbound real-time events dropped",
	})

	// RouterErrors counts inbound events that failed, labeled by reason:
	// "panic" or "decode".
	RouterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_router_errors_total",
		Help: "Total number of inbound events that failed to decode or whose handler panicked",
	}, []string{"reason"})

	// UnreadMessages tracks the total unread counter.
	UnreadMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_messages",
		Help: "Current total of unread messages",
	})

	// Conversations tracks the number of known conversations.
	Conversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_conversations",
		Help: "Current number of conversations",
	})

	// PendingMessages tracks messages still waiting for server confirmation.
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_pending_messages",
		Help: "Current number of messages waiting for server confirmation",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		Reconnects,
		ReconnectsExhausted,
		MessagesTotal,
		EventsDropped,
		RouterErrors,
		UnreadMessages,
		Conversations,
		PendingMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
