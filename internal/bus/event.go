package bus

import "time"

// Kind names an operational event. Kinds are dotted so subscribers can filter
// by namespace prefix ("transport.", "message.").
type Kind string

const (
	TransportStateChanged       Kind = "transport.state_changed"
	TransportConnected          Kind = "transport.connected"
	TransportDisconnected       Kind = "transport.disconnected"
	TransportReconnectScheduled Kind = "transport.reconnect_scheduled"
	TransportReconnectExhausted Kind = "transport.reconnect_exhausted"
	TransportSendDropped        Kind = "transport.send_dropped"

	MessageSendAck    Kind = "message.send_ack"
	MessageSendFailed Kind = "message.send_failed"
	MessageReceived   Kind = "message.received"

	RouterHandlerPanic Kind = "router.handler_panic"
	RouterDecodeFailed Kind = "router.decode_failed"
)

// Event is a single operational event.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
