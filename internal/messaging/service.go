// Package messaging assembles the engine: one state store, the event
// router, the real-time transport, the outbox, the sync engine and the
// ephemeral state manager, wired together behind a single Service.
package messaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/ephemeral"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/router"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/status"
	syncengine "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrNotInitialized is returned by user intents issued before Initialize
// bound an identity.
var ErrNotInitialized = errors.New("messaging: no identity, call Initialize first")

// API is the REST surface the service needs. *restapi.Client implements it.
type API interface {
	syncengine.API
	outbox.API
}

// Config tunes the service. Zero values select each component's defaults.
// An empty Transport.URL runs without a real-time connection.
type Config struct {
	Clock     clock.Clock
	Transport transport.Config
	PageSize  int

	TypingDebounce time.Duration
	TypingTTL      time.Duration
	SweepInterval  time.Duration
	PresenceTTL    time.Duration
}

type realtime interface {
	Send(ctx context.Context, name string, payload any) bool
}

// Service is the engine's public face: intents go in through its methods,
// state comes out through Subscribe.
type Service struct {
	store     *state.Store
	router    *router.Router
	transport *transport.Client
	sender    *outbox.Sender
	engine    *syncengine.Engine
	typing    *ephemeral.Manager
	bus       *bus.Bus
	logger    *zap.Logger
}

// New builds and starts a service. api and dialer may be nil: without an
// API loads come back empty and sends are confirmed locally; without a
// dialer the default websocket dialer is used.
func New(cfg Config, api API, dialer transport.Dialer, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if b == nil {
		b = bus.New()
	}

	st := state.New(state.Config{
		Clock:       cfg.Clock,
		TypingTTL:   cfg.TypingTTL,
		PresenceTTL: cfg.PresenceTTL,
	}, logger)
	r := router.New(b, logger)

	s := &Service{store: st, router: r, bus: b, logger: logger.Named("messaging")}

	var rt realtime
	if cfg.Transport.URL != "" {
		if dialer == nil {
			dialer = transport.WebSocketDialer{}
		}
		cfg.Transport.Clock = cfg.Clock
		s.transport = transport.New(cfg.Transport, dialer, r, b, logger)
		s.transport.OnStateChange(func(conn status.State, attempts int) {
			st.SetConnection(conn, attempts)
		})
		rt = s.transport
	}

	s.sender = outbox.NewSender(st, api, rt, b, logger)
	s.engine = syncengine.NewEngine(st, api, rt, b, logger, cfg.PageSize)
	s.typing = ephemeral.New(ephemeral.Config{
		Clock:         cfg.Clock,
		Debounce:      cfg.TypingDebounce,
		SweepInterval: cfg.SweepInterval,
		Heartbeat:     cfg.TypingTTL / 2,
	}, st, rt, logger)

	s.engine.Start(r)
	s.typing.Start(r)
	return s
}

// Store exposes the state store for direct reads.
func (s *Service) Store() *state.Store { return s.store }

// Router exposes the router so callers can observe raw events such as
// call signaling.
func (s *Service) Router() *router.Router { return s.router }

// Bus returns the operational event bus.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Subscribe registers a snapshot listener. See state.Store.Subscribe.
func (s *Service) Subscribe(listener func(state.State)) func() {
	return s.store.Subscribe(listener)
}

// Snapshot returns the current state.
func (s *Service) Snapshot() state.State { return s.store.Snapshot() }

// Initialize binds the local identity, loads conversations and unread
// counts, and connects the real-time transport. A connect failure is
// returned but a reconnect is already scheduled.
func (s *Service) Initialize(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrNotInitialized
	}
	s.engine.Initialize(ctx, identity)
	return s.Connect(ctx)
}

// Connect opens the real-time connection.
func (s *Service) Connect(ctx context.Context) error {
	if s.transport == nil {
		return nil
	}
	return s.transport.Connect(ctx)
}

// Disconnect closes the real-time connection, cancels any pending
// reconnect and drops local typing sessions.
func (s *Service) Disconnect() {
	s.typing.Reset()
	if s.transport != nil {
		s.transport.Disconnect()
	}
}

// IsConnected reports whether the real-time connection is up.
func (s *Service) IsConnected() bool {
	return s.transport != nil && s.transport.IsConnected()
}

func (s *Service) identity() (string, error) {
	id := s.store.Self()
	if id == "" {
		return "", ErrNotInitialized
	}
	return id, nil
}

// SendMessage sends content optimistically. See outbox.Sender.Send.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, opts outbox.Options) (*outbox.Delivery, error) {
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	s.typing.StopTyping(ctx, id, conversationID)
	return s.sender.Send(ctx, id, conversationID, content, opts)
}

// RetryMessage re-sends a failed message.
func (s *Service) RetryMessage(ctx context.Context, messageID string) (*outbox.Delivery, error) {
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	return s.sender.Retry(ctx, id, messageID)
}

// SelectConversation makes a conversation current, loads its newest page
// and marks it read. An empty id clears the selection.
func (s *Service) SelectConversation(ctx context.Context, conversationID string) {
	s.store.SetCurrentConversation(conversationID)
	if conversationID == "" {
		return
	}
	s.engine.LoadMessages(ctx, conversationID)
	if id := s.store.Self(); id != "" {
		s.engine.MarkConversationRead(ctx, id, conversationID)
	}
}

// LoadConversations reloads the conversation list.
func (s *Service) LoadConversations(ctx context.Context) { s.engine.LoadConversations(ctx) }

// LoadMessages reloads the newest page of a conversation.
func (s *Service) LoadMessages(ctx context.Context, conversationID string) {
	s.engine.LoadMessages(ctx, conversationID)
}

// LoadUnreadCounts replaces the unread counters with the server's.
func (s *Service) LoadUnreadCounts(ctx context.Context) { s.engine.LoadUnreadCounts(ctx) }

// LoadMore pages older messages in. Returns the number added.
func (s *Service) LoadMore(ctx context.Context, conversationID string) int {
	return s.engine.LoadMore(ctx, conversationID)
}

// MarkAsRead marks one message read.
func (s *Service) MarkAsRead(ctx context.Context, messageID string) error {
	id, err := s.identity()
	if err != nil {
		return err
	}
	s.engine.MarkAsRead(ctx, id, messageID)
	return nil
}

// MarkConversationRead marks every message of a conversation read.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) error {
	id, err := s.identity()
	if err != nil {
		return err
	}
	s.engine.MarkConversationRead(ctx, id, conversationID)
	return nil
}

// Keystroke reports local typing in a conversation.
func (s *Service) Keystroke(ctx context.Context, conversationID string) error {
	id, err := s.identity()
	if err != nil {
		return err
	}
	s.typing.Keystroke(ctx, id, conversationID)
	return nil
}

// StopTyping ends local typing in a conversation.
func (s *Service) StopTyping(ctx context.Context, conversationID string) error {
	id, err := s.identity()
	if err != nil {
		return err
	}
	s.typing.StopTyping(ctx, id, conversationID)
	return nil
}

// DeleteMessage deletes a message.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	return s.engine.DeleteMessage(ctx, messageID)
}

// SearchMessages runs a server-side search.
func (s *Service) SearchMessages(ctx context.Context, q restapi.SearchQuery) []state.Message {
	return s.engine.SearchMessages(ctx, q)
}

// CreateConversation creates a conversation.
func (s *Service) CreateConversation(ctx context.Context, req restapi.NewConversation) (state.Conversation, error) {
	return s.engine.CreateConversation(ctx, req)
}

// CreatePoll asks the server to create a poll.
func (s *Service) CreatePoll(ctx context.Context, conversationID string, req syncengine.PollRequest) (bool, error) {
	return s.engine.CreatePoll(ctx, conversationID, req)
}

// VotePoll votes in a poll.
func (s *Service) VotePoll(ctx context.Context, pollID string, optionIDs []string) (bool, error) {
	return s.engine.VotePoll(ctx, pollID, optionIDs)
}

// RequestAI forwards an assistant request.
func (s *Service) RequestAI(ctx context.Context, kind, prompt, conversationID string) bool {
	return s.engine.RequestAI(ctx, kind, prompt, conversationID)
}

// StartCall announces a call.
func (s *Service) StartCall(ctx context.Context, conversationID, callType string) bool {
	return s.engine.StartCall(ctx, conversationID, callType)
}

// Close disconnects, stops every timer and handler, and waits for
// in-flight REST calls until ctx ends.
func (s *Service) Close(ctx context.Context) error {
	s.Disconnect()
	s.typing.Close()
	s.engine.Stop()
	return errors.Join(s.sender.Drain(ctx), s.engine.Drain(ctx))
}
