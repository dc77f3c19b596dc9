package state

import "slices"

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusTransitions defines allowed message status transitions. Read and
// Failed are terminal; only deletion removes such a message.
var statusTransitions = map[MessageStatus][]MessageStatus{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead, StatusFailed},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	return slices.Contains(statusTransitions[from], to)
}
