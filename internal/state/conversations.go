package state

import "slices"

// SetConversations replaces the conversation list. Messages, unread
// counters and typing entries of conversations are left untouched; unread
// counters come from SetUnreadCounts.
func (s *Store) SetConversations(convs []Conversation) {
	s.update(func() bool {
		s.conversations = make([]*Conversation, 0, len(convs))
		s.convIndex = make(map[string]*Conversation, len(convs))
		for _, c := range convs {
			if c.ID == "" {
				continue
			}
			if existing, ok := s.convIndex[c.ID]; ok {
				*existing = c.clone()
				continue
			}
			cc := c.clone()
			s.conversations = append(s.conversations, &cc)
			s.convIndex[c.ID] = &cc
		}
		return true
	})
}

// UpsertConversation replaces a known conversation in place or inserts a
// new one at the front of the list.
func (s *Store) UpsertConversation(c Conversation) {
	if c.ID == "" {
		return
	}
	s.update(func() bool {
		cc := c.clone()
		if existing, ok := s.convIndex[c.ID]; ok {
			if cc.LastMessage == nil {
				cc.LastMessage = existing.LastMessage
			}
			*existing = cc
			return true
		}
		s.conversations = append([]*Conversation{&cc}, s.conversations...)
		s.convIndex[c.ID] = &cc
		return true
	})
}

// RemoveConversation drops a conversation with its messages, counters and
// typing entries.
func (s *Store) RemoveConversation(id string) bool {
	var removed bool
	s.update(func() bool {
		if _, ok := s.convIndex[id]; ok {
			delete(s.convIndex, id)
			s.conversations = slices.DeleteFunc(s.conversations, func(c *Conversation) bool { return c.ID == id })
			removed = true
		}
		for _, m := range s.messages[id] {
			s.unindexLocked(m)
		}
		if _, ok := s.messages[id]; ok {
			delete(s.messages, id)
			removed = true
		}
		if s.resetUnreadLocked(id) {
			removed = true
		}
		delete(s.typing, id)
		delete(s.hasMore, id)
		if s.current == id {
			s.current = ""
		}
		return removed
	})
	return removed
}

// SetCurrentConversation marks the conversation the user is viewing.
func (s *Store) SetCurrentConversation(id string) {
	s.update(func() bool {
		if s.current == id {
			return false
		}
		s.current = id
		return true
	})
}

func (s *Store) CurrentConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convIndex[id]
	if !ok {
		return Conversation{}, false
	}
	cc := c.clone()
	cc.UnreadCount = s.unread[id]
	return cc, true
}

// Conversations returns a copy of the conversation list in order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cc := c.clone()
		cc.UnreadCount = s.unread[c.ID]
		out = append(out, cc)
	}
	return out
}

// touchLocked records m as the conversation's last message.
func (s *Store) touchLocked(m *Message) {
	c, ok := s.convIndex[m.ConversationID]
	if !ok {
		return
	}
	lm := m.clone()
	c.LastMessage = &lm
	at := m.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
}

// refreshLastLocked rewrites the conversation's last-message copy when it
// refers to m under either of its ids.
func (s *Store) refreshLastLocked(m *Message, oldID string) {
	c, ok := s.convIndex[m.ConversationID]
	if !ok || c.LastMessage == nil {
		return
	}
	if c.LastMessage.ID != oldID && c.LastMessage.ID != m.ID {
		return
	}
	lm := m.clone()
	c.LastMessage = &lm
}
