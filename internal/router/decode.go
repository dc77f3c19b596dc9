package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/state"
)

// Envelope is the real-time wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownEvent is returned by Decode for event names outside the
// supported set.
var ErrUnknownEvent = errors.New("unknown event")

// Decode parses one frame into a typed event.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("decode envelope: missing event name")
	}
	return DecodeEvent(env.Event, env.Data)
}

// DecodeEvent builds the typed event for a wire name and its payload.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	switch Kind(name) {
	case KindMessageReceived:
		var m state.Message
		if err := unmarshal(name, data, &m); err != nil {
			return nil, err
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: message without id or conversationId", name)
		}
		return MessageReceived{Message: m}, nil
	case KindMessageDelivered:
		var e MessageDelivered
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		if e.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing messageId", name)
		}
		return e, nil
	case KindMessageRead:
		var e MessageRead
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		if e.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing messageId", name)
		}
		return e, nil
	case KindTypingStarted:
		var e TypingStarted
		if err := unmarshalTyping(name, data, &e.ConversationID, &e.UserID); err != nil {
			return nil, err
		}
		return e, nil
	case KindTypingStopped:
		var e TypingStopped
		if err := unmarshalTyping(name, data, &e.ConversationID, &e.UserID); err != nil {
			return nil, err
		}
		return e, nil
	case KindUserStatusChanged:
		var e UserStatusChanged
		if err := unmarshal(name, data, &e); err != nil {
			return nil, err
		}
		if e.UserID == "" {
			return nil, fmt.Errorf("decode %s: missing userId", name)
		}
		return e, nil
	case KindPollCreated:
		var p Poll
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", name)
		}
		return PollCreated{Poll: p}, nil
	case KindConnected:
		return Connected{}, nil
	case KindDisconnected:
		var reason string
		_ = json.Unmarshal(data, &reason)
		return Disconnected{Reason: reason}, nil
	}
	if strings.HasPrefix(name, "call:") {
		return CallSignal{Name: name, Payload: data}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func unmarshal(name string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode %s: empty payload", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func unmarshalTyping(name string, data json.RawMessage, conversationID, userID *string) error {
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	if err := unmarshal(name, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return fmt.Errorf("decode %s: missing conversationId or userId", name)
	}
	*conversationID, *userID = p.ConversationID, p.UserID
	return nil
}
