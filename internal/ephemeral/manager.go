// Package ephemeral manages short-lived state: the local user's typing
// indicator with its debounce, remote typing and presence updates, and the
// sweeper that expires them.
package ephemeral

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/router"
	"github.com/matheus3301/chatsync/internal/state"
)

const (
	DefaultDebounce      = 2 * time.Second
	DefaultSweepInterval = time.Second
)

// Config tunes a Manager. Zero values select the defaults. Heartbeat
// defaults to half of state.DefaultTypingTTL.
type Config struct {
	Clock         clock.Clock
	Debounce      time.Duration
	SweepInterval time.Duration
	Heartbeat     time.Duration
}

// Transport emits real-time events.
type Transport interface {
	Send(ctx context.Context, name string, payload any) bool
}

type typingNotice struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// session is the local user's typing state in one conversation.
type session struct {
	identity  string
	timer     *clock.Timer
	refreshed time.Time
}

// Manager owns the typing debounce timers and the sweeper.
type Manager struct {
	store     *state.Store
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	debounce  time.Duration
	interval  time.Duration
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	router   *router.Router
	regs     []router.Registration
	ticker   *clock.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a manager. transport may be nil.
func New(cfg Config, st *state.Store, transport Transport, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = state.DefaultTypingTTL / 2
	}
	return &Manager{
		store:     st,
		transport: transport,
		clock:     cfg.Clock,
		logger:    logger.Named("ephemeral"),
		debounce:  cfg.Debounce,
		interval:  cfg.SweepInterval,
		heartbeat: cfg.Heartbeat,
		sessions:  make(map[string]*session),
	}
}

// Start registers the typing and presence handlers on r and starts the
// sweeper. Calling Start twice without Close is a no-op.
func (m *Manager) Start(r *router.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	m.router = r
	m.regs = []router.Registration{
		router.Handle(r, m.onTypingStarted),
		router.Handle(r, m.onTypingStopped),
		router.Handle(r, m.onUserStatus),
	}
	m.ticker = m.clock.NewTicker(m.interval)
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.sweep(m.ticker, m.done)
}

func (m *Manager) sweep(t *clock.Ticker, done <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			typing := m.store.PruneTyping()
			presence := m.store.PrunePresence()
			if typing+presence > 0 {
				m.logger.Debug("pruned ephemeral state", zap.Int("typing", typing), zap.Int("presence", presence))
			}
		}
	}
}

// Reset cancels every local typing session. Entries are cleared without
// emitting typing_stopped.
func (m *Manager) Reset() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for convID, s := range sessions {
		s.timer.Stop()
		m.store.ClearTyping(convID, s.identity)
	}
}

// Close resets the typing sessions, removes the handlers and stops the
// sweeper.
func (m *Manager) Close() {
	m.Reset()

	m.mu.Lock()
	regs, r := m.regs, m.router
	m.regs = nil
	ticker, done := m.ticker, m.done
	m.ticker, m.done = nil, nil
	m.mu.Unlock()

	for _, reg := range regs {
		r.Off(reg)
	}
	if done != nil {
		ticker.Stop()
		close(done)
		m.wg.Wait()
	}
}

// Keystroke reports local typing activity. The first keystroke in a
// conversation emits typing_started; every keystroke pushes the automatic
// stop back by the debounce interval. While typing continues, typing_started
// is re-sent once per heartbeat so peers keep the entry inside its TTL.
func (m *Manager) Keystroke(ctx context.Context, identity, conversationID string) {
	if identity == "" || conversationID == "" {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	if s, ok := m.sessions[conversationID]; ok {
		s.timer.Stop()
		if s.identity == identity {
			s.timer = m.arm(identity, conversationID, s)
			if now.Sub(s.refreshed) < m.heartbeat {
				m.mu.Unlock()
				return
			}
			s.refreshed = now
			m.mu.Unlock()
			m.announce(ctx, identity, conversationID)
			return
		}
	}
	s := &session{identity: identity, refreshed: now}
	s.timer = m.arm(identity, conversationID, s)
	m.sessions[conversationID] = s
	m.mu.Unlock()

	m.announce(ctx, identity, conversationID)
}

func (m *Manager) announce(ctx context.Context, identity, conversationID string) {
	m.store.SetTyping(conversationID, identity, m.store.Now())
	m.emit(ctx, "typing_started", typingNotice{ConversationID: conversationID, UserID: identity})
}

// StartTyping is the first-keystroke path of Keystroke.
func (m *Manager) StartTyping(ctx context.Context, identity, conversationID string) {
	m.Keystroke(ctx, identity, conversationID)
}

// arm schedules the automatic stop for s. Caller holds m.mu.
func (m *Manager) arm(identity, conversationID string, s *session) *clock.Timer {
	return m.clock.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		current := m.sessions[conversationID] == s
		m.mu.Unlock()
		if current {
			m.StopTyping(context.Background(), identity, conversationID)
		}
	})
}

// StopTyping ends the local typing session in a conversation and emits
// typing_stopped. Returns false when the user was not typing there.
func (m *Manager) StopTyping(ctx context.Context, identity, conversationID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok || s.identity != identity {
		m.mu.Unlock()
		return false
	}
	s.timer.Stop()
	delete(m.sessions, conversationID)
	m.mu.Unlock()

	m.store.ClearTyping(conversationID, identity)
	m.emit(ctx, "typing_stopped", typingNotice{ConversationID: conversationID, UserID: identity})
	return true
}

// Typing reports whether the local user has an open typing session in a
// conversation.
func (m *Manager) Typing(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[conversationID]
	return ok
}

func (m *Manager) emit(ctx context.Context, name string, payload any) {
	if m.transport == nil {
		return
	}
	m.transport.Send(ctx, name, payload)
}

func (m *Manager) onTypingStarted(evt router.TypingStarted) {
	m.store.SetTyping(evt.ConversationID, evt.UserID, m.store.Now())
}

func (m *Manager) onTypingStopped(evt router.TypingStopped) {
	m.store.ClearTyping(evt.ConversationID, evt.UserID)
}

func (m *Manager) onUserStatus(evt router.UserStatusChanged) {
	m.store.SetPresence(evt.UserID, evt.Status, m.store.Now())
}
