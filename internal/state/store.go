// Package state holds the authoritative in-memory view of conversations,
// messages, unread counters, typing indicators, presence and connection
// status. Every mutation runs under one mutex; subscribers are notified
// synchronously with a full snapshot after the lock is released.
package state

import (
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/status"
)

const (
	DefaultTypingTTL   = 8 * time.Second
	DefaultPresenceTTL = 2 * time.Minute
)

// Config tunes a Store. Zero values select the defaults.
type Config struct {
	Clock       clock.Clock
	TypingTTL   time.Duration
	PresenceTTL time.Duration
}

// Store is the client-side state container.
type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	logger      *zap.Logger
	typingTTL   time.Duration
	presenceTTL time.Duration

	version uint64
	self    string

	conversations []*Conversation
	convIndex     map[string]*Conversation

	// messages holds each conversation's ordered list. Entries are pointers
	// so reconciliation can rewrite an id in place without searching.
	messages map[string][]*Message
	byID     map[string]*Message
	byClient map[string]*Message
	pending  map[string]*Message

	unread      map[string]int
	totalUnread int

	typing   map[string]map[string]time.Time
	presence map[string]Presence

	hasMore       map[string]bool
	conn          Connection
	current       string
	loading       bool
	searching     bool
	searchResults []Message
	err           string

	listeners    map[int]func(State)
	nextListener int
}

// New creates an empty store.
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	return &Store{
		clock:       cfg.Clock,
		logger:      logger,
		typingTTL:   cfg.TypingTTL,
		presenceTTL: cfg.PresenceTTL,
		convIndex:   make(map[string]*Conversation),
		messages:    make(map[string][]*Message),
		byID:        make(map[string]*Message),
		byClient:    make(map[string]*Message),
		pending:     make(map[string]*Message),
		unread:      make(map[string]int),
		typing:      make(map[string]map[string]time.Time),
		presence:    make(map[string]Presence),
		hasMore:     make(map[string]bool),
		conn:        Connection{State: status.Disconnected},
		listeners:   make(map[int]func(State)),
	}
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// update runs fn under the lock. When fn reports a change the version is
// bumped and subscribers receive the snapshot taken under the same lock.
func (s *Store) update(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	snap := s.snapshotLocked()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.call(l, snap)
	}
}

func (s *Store) call(l func(State), snap State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", zap.Any("panic", r), zap.Uint64("version", snap.Version))
		}
	}()
	l(snap)
}

// Subscribe registers listener and calls it once with the current snapshot.
// The returned function removes only this listener and is safe to call more
// than once.
func (s *Store) Subscribe(listener func(State)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.call(listener, snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	now := s.clock.Now()
	st := State{
		Version:               s.version,
		Self:                  s.self,
		Conversations:         make([]Conversation, 0, len(s.conversations)),
		Messages:              make(map[string][]Message, len(s.messages)),
		CurrentConversationID: s.current,
		UnreadCounts:          maps.Clone(s.unread),
		TotalUnread:           s.totalUnread,
		TypingUsers:           make(map[string][]string),
		Presence:              make(map[string]Presence, len(s.presence)),
		HasMore:               maps.Clone(s.hasMore),
		Connection:            s.conn,
		IsLoading:             s.loading,
		IsSearching:           s.searching,
		SearchResults:         cloneMessages(s.searchResults),
		Error:                 s.err,
	}
	for _, c := range s.conversations {
		cc := c.clone()
		cc.UnreadCount = s.unread[c.ID]
		st.Conversations = append(st.Conversations, cc)
	}
	for id, list := range s.messages {
		st.Messages[id] = derefMessages(list)
	}
	for convID := range s.typing {
		if users := s.typingUsersLocked(convID, now); len(users) > 0 {
			st.TypingUsers[convID] = users
		}
	}
	for user, p := range s.presence {
		if now.Sub(p.UpdatedAt) < s.presenceTTL {
			st.Presence[user] = p
		}
	}
	return st
}

// Version returns the number of mutations applied so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetIdentity binds the local user id used to tell own messages from
// foreign ones on receive.
func (s *Store) SetIdentity(userID string) {
	s.update(func() bool {
		if s.self == userID {
			return false
		}
		s.self = userID
		return true
	})
}

// Self returns the bound local user id.
func (s *Store) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetConnection mirrors the transport connection state.
func (s *Store) SetConnection(state status.State, attempts int) {
	s.update(func() bool {
		next := Connection{State: state, Attempts: attempts}
		if s.conn == next {
			return false
		}
		s.conn = next
		return true
	})
}

// Connection returns the mirrored transport state.
func (s *Store) Connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Store) SetLoading(loading bool) {
	s.update(func() bool {
		if s.loading == loading {
			return false
		}
		s.loading = loading
		return true
	})
}

func (s *Store) SetSearching(searching bool) {
	s.update(func() bool {
		if s.searching == searching {
			return false
		}
		s.searching = searching
		return true
	})
}

// SetSearchResults replaces the last search result set.
func (s *Store) SetSearchResults(results []Message) {
	s.update(func() bool {
		s.searchResults = cloneMessages(results)
		return true
	})
}

// SetError records a human-readable error. The empty string clears it.
func (s *Store) SetError(msg string) {
	s.update(func() bool {
		if s.err == msg {
			return false
		}
		s.err = msg
		return true
	})
}

func (s *Store) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetHasMore records whether older messages may exist on the server.
func (s *Store) SetHasMore(conversationID string, more bool) {
	s.update(func() bool {
		if cur, ok := s.hasMore[conversationID]; ok && cur == more {
			return false
		}
		s.hasMore[conversationID] = more
		return true
	})
}

// HasMore reports whether pagination may continue. Unknown conversations
// default to true.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	more, ok := s.hasMore[conversationID]
	return !ok || more
}

// SetUnreadCounts replaces every unread counter with the server's view.
func (s *Store) SetUnreadCounts(counts map[string]int) {
	s.update(func() bool {
		s.unread = make(map[string]int, len(counts))
		s.totalUnread = 0
		for id, n := range counts {
			if n <= 0 {
				continue
			}
			s.unread[id] = n
			s.totalUnread += n
		}
		return true
	})
}

// UnreadCount returns the running unread counter of a conversation.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

// TotalUnread returns the running unread total.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnread
}

func (s *Store) resetUnreadLocked(conversationID string) bool {
	n := s.unread[conversationID]
	if n == 0 {
		return false
	}
	s.totalUnread -= n
	delete(s.unread, conversationID)
	return true
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}

func derefMessages(in []*Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}
