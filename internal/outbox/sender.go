// Package outbox implements optimistic sending: a message appears in the
// local state immediately with a temporary id and is reconciled with the
// server's copy when the REST call returns.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/state"
)

const (
	// TempIDPrefix marks ids the server has not confirmed yet.
	TempIDPrefix = "temp_"

	defaultTimeout = 30 * time.Second
)

var (
	ErrEmptyContent   = errors.New("message content cannot be empty")
	ErrNoConversation = errors.New("conversation id is required")
	ErrNotFailed      = errors.New("message has not failed")
	ErrUnknownMessage = errors.New("unknown message")
)

// API is the REST call a send completes with.
type API interface {
	SendMessage(ctx context.Context, conversationID string, req restapi.SendRequest) (state.Message, error)
}

// Transport emits real-time events. Send reports false when the event was
// dropped.
type Transport interface {
	Send(ctx context.Context, name string, payload any) bool
}

// Options are the optional fields of an outgoing message.
type Options struct {
	Type        state.MessageType
	Priority    state.Priority
	ReplyToID   string
	IsEncrypted bool
	Metadata    map[string]any
}

// SendAck is the bus payload of message.send_ack.
type SendAck struct {
	TempID         string
	ServerID       string
	ConversationID string
}

// SendFailed is the bus payload of message.send_failed.
type SendFailed struct {
	TempID         string
	ConversationID string
	Err            error
}

// Sender performs optimistic sends.
type Sender struct {
	store     *state.Store
	api       API
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewSender creates a sender. api and transport may be nil: without an API
// a message is marked sent locally, without a transport nothing is emitted.
func NewSender(st *state.Store, api API, transport Transport, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:     st,
		api:       api,
		transport: transport,
		bus:       b,
		logger:    logger.Named("outbox"),
		timeout:   defaultTimeout,
	}
}

// realtimeMessage is the payload of the "message" event.
type realtimeMessage struct {
	ConversationID string            `json:"conversationId"`
	ClientID       string            `json:"clientId"`
	Content        string            `json:"content"`
	Type           state.MessageType `json:"type"`
	Priority       state.Priority    `json:"priority"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	IsEncrypted    bool              `json:"isEncrypted"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

type sentNotice struct {
	MessageID      string `json:"messageId"`
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId"`
}

// Send inserts a sending message under a fresh temporary id, emits it on
// the real-time transport, and starts the REST call. It returns once the
// local insert is done; the Delivery reports the outcome. A failed send is
// not retried automatically.
func (s *Sender) Send(ctx context.Context, identity, conversationID, content string, opts Options) (*Delivery, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if opts.Type == "" {
		opts.Type = state.TypeText
	}
	if opts.Priority == "" {
		opts.Priority = state.PriorityNormal
	}

	tempID := TempIDPrefix + uuid.NewString()
	now := s.store.Now()
	msg := state.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       identity,
		Content:        content,
		Type:           opts.Type,
		Priority:       opts.Priority,
		Status:         state.StatusSending,
		IsEncrypted:    opts.IsEncrypted,
		ReplyToID:      opts.ReplyToID,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.store.AddLocalMessage(msg)

	if s.transport != nil {
		s.transport.Send(ctx, "message", realtimeMessage{
			ConversationID: conversationID,
			ClientID:       tempID,
			Content:        content,
			Type:           opts.Type,
			Priority:       opts.Priority,
			ReplyToID:      opts.ReplyToID,
			IsEncrypted:    opts.IsEncrypted,
			Metadata:       opts.Metadata,
		})
	}

	d := newDelivery(tempID)
	if s.api == nil {
		confirmed, _ := s.store.Reconcile(tempID, state.Message{})
		d.finish(confirmed, nil)
		return d, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(context.WithoutCancel(ctx), d, msg)
	}()
	return d, nil
}

func (s *Sender) deliver(ctx context.Context, d *Delivery, msg state.Message) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	server, err := s.api.SendMessage(ctx, msg.ConversationID, restapi.SendRequest{
		Content:     msg.Content,
		Type:        msg.Type,
		Priority:    msg.Priority,
		ReplyToID:   msg.ReplyToID,
		ClientID:    msg.ID,
		IsEncrypted: msg.IsEncrypted,
		Metadata:    msg.Metadata,
	})
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("temp_id", msg.ID))
		s.store.FailMessage(msg.ID, fmt.Sprintf("Failed to send message: %v", err))
		s.bus.Publish(bus.Event{
			Kind:    bus.MessageSendFailed,
			Payload: SendFailed{TempID: msg.ID, ConversationID: msg.ConversationID, Err: err},
		})
		d.finish(state.Message{}, err)
		return
	}

	confirmed, ok := s.store.Reconcile(msg.ID, server)
	if !ok {
		// The conversation or the message went away while the call was in flight.
		s.logger.Debug("discarding confirmation", zap.String("temp_id", msg.ID), zap.String("server_msg_id", server.ID))
		confirmed = server
	}

	if s.transport != nil {
		s.transport.Send(ctx, "message_sent", sentNotice{
			MessageID:      confirmed.ID,
			ClientID:       msg.ID,
			ConversationID: msg.ConversationID,
		})
	}
	s.logger.Info("message sent", zap.String("temp_id", msg.ID), zap.String("server_msg_id", confirmed.ID))
	s.bus.Publish(bus.Event{
		Kind:    bus.MessageSendAck,
		Payload: SendAck{TempID: msg.ID, ServerID: confirmed.ID, ConversationID: msg.ConversationID},
	})
	d.finish(confirmed, nil)
}

// Retry re-sends a failed message as a fresh optimistic send. The failed
// copy is removed.
func (s *Sender) Retry(ctx context.Context, identity, messageID string) (*Delivery, error) {
	m, ok := s.store.Message(messageID)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", messageID, ErrUnknownMessage)
	}
	if m.Status != state.StatusFailed {
		return nil, fmt.Errorf("retry %s: %w", messageID, ErrNotFailed)
	}
	s.store.RemoveMessage(m.ID)
	return s.Send(ctx, identity, m.ConversationID, m.Content, Options{
		Type:        m.Type,
		Priority:    m.Priority,
		ReplyToID:   m.ReplyToID,
		IsEncrypted: m.IsEncrypted,
		Metadata:    m.Metadata,
	})
}

// Drain waits for in-flight REST calls to finish or ctx to end.
func (s *Sender) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
