package state

import (
	"slices"
	"time"
)

// SetTyping records userID as typing in a conversation since at.
func (s *Store) SetTyping(conversationID, userID string, at time.Time) {
	if conversationID == "" || userID == "" {
		return
	}
	s.update(func() bool {
		users := s.typing[conversationID]
		if users == nil {
			users = make(map[string]time.Time)
			s.typing[conversationID] = users
		}
		users[userID] = at
		return true
	})
}

// ClearTyping removes a typing entry. Returns false if there was none.
func (s *Store) ClearTyping(conversationID, userID string) bool {
	var cleared bool
	s.update(func() bool {
		users := s.typing[conversationID]
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, conversationID)
		}
		cleared = true
		return true
	})
	return cleared
}

// TypingUsers returns the users whose typing entry is younger than the
// TTL, sorted by id.
func (s *Store) TypingUsers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingUsersLocked(conversationID, s.clock.Now())
}

func (s *Store) typingUsersLocked(conversationID string, now time.Time) []string {
	var users []string
	for user, at := range s.typing[conversationID] {
		if now.Sub(at) < s.typingTTL {
			users = append(users, user)
		}
	}
	slices.Sort(users)
	return users
}

// PruneTyping drops expired typing entries and returns how many went.
// Subscribers are notified only when something was removed.
func (s *Store) PruneTyping() int {
	var pruned int
	s.update(func() bool {
		now := s.clock.Now()
		for convID, users := range s.typing {
			for user, at := range users {
				if now.Sub(at) >= s.typingTTL {
					delete(users, user)
					pruned++
				}
			}
			if len(users) == 0 {
				delete(s.typing, convID)
			}
		}
		return pruned > 0
	})
	return pruned
}

// SetPresence records a user's advertised status at the given time.
func (s *Store) SetPresence(userID string, st PresenceStatus, at time.Time) {
	if userID == "" {
		return
	}
	s.update(func() bool {
		next := Presence{Status: st, UpdatedAt: at}
		if s.presence[userID] == next {
			return false
		}
		s.presence[userID] = next
		return true
	})
}

// Presence returns a user's status. Unknown users and entries older than
// the staleness window read as offline.
func (s *Store) Presence(userID string) PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok || s.clock.Now().Sub(p.UpdatedAt) >= s.presenceTTL {
		return PresenceOffline
	}
	return p.Status
}

// PrunePresence drops stale presence entries and returns how many went.
func (s *Store) PrunePresence() int {
	var pruned int
	s.update(func() bool {
		now := s.clock.Now()
		for user, p := range s.presence {
			if now.Sub(p.UpdatedAt) >= s.presenceTTL {
				delete(s.presence, user)
				pruned++
			}
		}
		return pruned > 0
	})
	return pruned
}
