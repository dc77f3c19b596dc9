package router

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/state"
)

// Kind identifies an inbound domain event. Values are the wire names.
type Kind string

const (
	KindMessageReceived   Kind = "message:received"
	KindMessageDelivered  Kind = "message:delivered"
	KindMessageRead       Kind = "message:read"
	KindTypingStarted     Kind = "typing:started"
	KindTypingStopped     Kind = "typing:stopped"
	KindUserStatusChanged Kind = "user:status"
	KindPollCreated       Kind = "poll:created"
	KindCallSignal        Kind = "call"
	KindConnected         Kind = "connect"
	KindDisconnected      Kind = "disconnect"
)

// Event is one of the typed variants below. The set is closed.
type Event interface {
	Kind() Kind
	event()
}

type MessageReceived struct {
	Message state.Message
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

type TypingStarted struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingStopped struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserStatusChanged struct {
	UserID string               `json:"userId"`
	Status state.PresenceStatus `json:"status"`
}

// PollOption is one choice of a poll.
type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is the payload of poll:created.
type Poll struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Question       string       `json:"question"`
	Options        []PollOption `json:"options"`
	CreatedBy      string       `json:"createdBy"`
	AllowMultiple  bool         `json:"allowMultiple"`
	IsAnonymous    bool         `json:"isAnonymous"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
}

type PollCreated struct {
	Poll Poll
}

// CallSignal carries any call:* event untouched. Name is the full wire name.
type CallSignal struct {
	Name    string
	Payload json.RawMessage
}

type Connected struct{}

type Disconnected struct {
	Reason string
}

func (MessageReceived) Kind() Kind   { return KindMessageReceived }
func (MessageDelivered) Kind() Kind  { return KindMessageDelivered }
func (MessageRead) Kind() Kind       { return KindMessageRead }
func (TypingStarted) Kind() Kind     { return KindTypingStarted }
func (TypingStopped) Kind() Kind     { return KindTypingStopped }
func (UserStatusChanged) Kind() Kind { return KindUserStatusChanged }
func (PollCreated) Kind() Kind       { return KindPollCreated }
func (CallSignal) Kind() Kind        { return KindCallSignal }
func (Connected) Kind() Kind         { return KindConnected }
func (Disconnected) Kind() Kind      { return KindDisconnected }

func (MessageReceived) event()   {}
func (MessageDelivered) event()  {}
func (MessageRead) event()       {}
func (TypingStarted) event()     {}
func (TypingStopped) event()     {}
func (UserStatusChanged) event() {}
func (PollCreated) event()       {}
func (CallSignal) event()        {}
func (Connected) event()         {}
func (Disconnected) event()      {}
