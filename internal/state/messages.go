package state

import (
	"maps"
	"slices"
)

// Messages returns a copy of a conversation's messages, oldest first.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return derefMessages(s.messages[conversationID])
}

// MessageCount returns the number of messages held for a conversation.
func (s *Store) MessageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID])
}

// Message looks a message up by its current id, or by the temporary id it
// was created with.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(id)
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

func (s *Store) lookupLocked(id string) *Message {
	if m, ok := s.byID[id]; ok {
		return m
	}
	if m, ok := s.byClient[id]; ok {
		return m
	}
	return nil
}

func (s *Store) indexLocked(m *Message) {
	s.byID[m.ID] = m
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m
	}
}

func (s *Store) unindexLocked(m *Message) {
	if s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
	if m.ClientID != "" && s.byClient[m.ClientID] == m {
		delete(s.byClient, m.ClientID)
	}
	for id, p := range s.pending {
		if p == m {
			delete(s.pending, id)
		}
	}
}

// SetMessages replaces a conversation's list with a server page. Local
// messages still sending, or failed, are kept at the tail when the page
// does not already contain them.
func (s *Store) SetMessages(conversationID string, msgs []Message) {
	s.update(func() bool {
		incoming := make([]*Message, 0, len(msgs))
		seen := make(map[string]bool, len(msgs))
		confirmed := make(map[string]bool)
		for _, m := range msgs {
			if m.ID == "" || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if m.ClientID != "" {
				confirmed[m.ClientID] = true
			}
			mm := m.clone()
			if mm.ConversationID == "" {
				mm.ConversationID = conversationID
			}
			incoming = append(incoming, &mm)
		}

		var kept []*Message
		for _, m := range s.messages[conversationID] {
			s.unindexLocked(m)
			if m.Status != StatusSending && m.Status != StatusFailed {
				continue
			}
			if seen[m.ID] || confirmed[m.ID] || (m.ClientID != "" && confirmed[m.ClientID]) {
				continue
			}
			kept = append(kept, m)
		}

		list := append(incoming, kept...)
		for _, m := range list {
			s.indexLocked(m)
		}
		for _, m := range kept {
			if m.Status == StatusSending {
				s.pending[m.ID] = m
			}
		}
		s.messages[conversationID] = list
		return true
	})
}

// PrependMessages inserts an older page in front of a conversation's list,
// skipping ids already held. Returns how many messages were added.
func (s *Store) PrependMessages(conversationID string, page []Message) int {
	var added int
	s.update(func() bool {
		older := make([]*Message, 0, len(page))
		for _, m := range page {
			if m.ID == "" || s.lookupLocked(m.ID) != nil {
				continue
			}
			if m.ClientID != "" && s.lookupLocked(m.ClientID) != nil {
				continue
			}
			mm := m.clone()
			if mm.ConversationID == "" {
				mm.ConversationID = conversationID
			}
			s.indexLocked(&mm)
			older = append(older, &mm)
		}
		added = len(older)
		if added == 0 {
			return false
		}
		s.messages[conversationID] = append(older, s.messages[conversationID]...)
		return true
	})
	return added
}

// AddLocalMessage appends an optimistic message that is awaiting server
// confirmation under its temporary id, and makes it the conversation's last
// message.
func (s *Store) AddLocalMessage(m Message) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	s.update(func() bool {
		if s.lookupLocked(m.ID) != nil {
			return false
		}
		mm := m.clone()
		if mm.Status == "" {
			mm.Status = StatusSending
		}
		s.messages[mm.ConversationID] = append(s.messages[mm.ConversationID], &mm)
		s.indexLocked(&mm)
		if mm.Status == StatusSending {
			s.pending[mm.ID] = &mm
		}
		s.touchLocked(&mm)
		return true
	})
}

// AddMessage appends a message without touching unread counters, for
// locally generated system messages. Known ids are ignored.
func (s *Store) AddMessage(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	var added bool
	s.update(func() bool {
		if s.lookupLocked(m.ID) != nil {
			return false
		}
		mm := m.clone()
		s.messages[mm.ConversationID] = append(s.messages[mm.ConversationID], &mm)
		s.indexLocked(&mm)
		s.touchLocked(&mm)
		added = true
		return true
	})
	return added
}

// Reconcile applies the server's confirmation of the optimistic message
// created under tempID. The entry keeps its position; its id becomes the
// server id, fields the server supplies win, and a sending message becomes
// sent. Returns false when the temporary id is unknown (the conversation
// was removed or the message deleted) or the message already failed.
func (s *Store) Reconcile(tempID string, server Message) (Message, bool) {
	var (
		out Message
		ok  bool
	)
	s.update(func() bool {
		entry := s.pending[tempID]
		if entry == nil {
			entry = s.byClient[tempID]
		}
		if entry == nil || entry.Status == StatusFailed {
			return false
		}
		s.confirmLocked(entry, tempID, server)
		out, ok = entry.clone(), true
		return true
	})
	return out, ok
}

// confirmLocked merges a server copy into a local entry created under
// tempID and moves the entry to its server id.
func (s *Store) confirmLocked(entry *Message, tempID string, server Message) {
	oldID := entry.ID
	next := entry.Status
	if next == StatusSending {
		next = StatusSent
	}
	if server.Status != "" && CanTransition(next, server.Status) {
		next = server.Status
	}

	merged := mergeMessage(*entry, server)
	merged.Status = next
	merged.ClientID = tempID
	merged.ConversationID = entry.ConversationID

	if merged.ID != oldID {
		if dup, ok := s.byID[merged.ID]; ok && dup != entry {
			s.dropLocked(dup)
		}
	}
	s.unindexLocked(entry)
	*entry = merged
	s.indexLocked(entry)
	s.refreshLastLocked(entry, oldID)
}

// dropLocked removes a single entry from its conversation and indexes.
func (s *Store) dropLocked(m *Message) {
	s.unindexLocked(m)
	list := s.messages[m.ConversationID]
	if i := slices.Index(list, m); i >= 0 {
		s.messages[m.ConversationID] = slices.Delete(list, i, i+1)
	}
}

// FailMessage marks a sending or sent message as failed and records reason
// as the store error. The id must be the message's current id: a message
// the server already confirmed cannot be failed through its temporary id.
// Returns false for unknown ids or when the status cannot move to failed.
func (s *Store) FailMessage(id, reason string) bool {
	var failed bool
	s.update(func() bool {
		m := s.byID[id]
		if m == nil || !CanTransition(m.Status, StatusFailed) {
			return false
		}
		m.Status = StatusFailed
		delete(s.pending, id)
		if reason != "" {
			s.err = reason
		}
		s.refreshLastLocked(m, id)
		failed = true
		return true
	})
	return failed
}

// ReceiveMessage applies a message pushed by the server. A message already
// held, matched by id or by the client id it was sent under, is merged in
// place. Otherwise it is appended, becomes the conversation's last message,
// and increments the unread counters once when it comes from another user.
// Returns true when the message was new.
func (s *Store) ReceiveMessage(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	var added bool
	s.update(func() bool {
		existing := s.byID[m.ID]
		if existing == nil && m.ClientID != "" {
			existing = s.lookupLocked(m.ClientID)
		}
		if existing != nil {
			if _, pending := s.pending[existing.ID]; pending {
				s.confirmLocked(existing, existing.ID, m)
				return true
			}
			if existing.Status == StatusFailed {
				return false
			}
			old := existing.ID
			merged := mergeMessage(*existing, m)
			merged.Status = existing.Status
			if existing.SenderID != s.self {
				merged.IsRead = existing.IsRead
			}
			if m.Status != "" && CanTransition(existing.Status, m.Status) {
				merged.Status = m.Status
			}
			s.unindexLocked(existing)
			*existing = merged
			s.indexLocked(existing)
			s.refreshLastLocked(existing, old)
			return true
		}

		mm := m.clone()
		if mm.Status == "" {
			mm.Status = StatusSent
		}
		s.messages[mm.ConversationID] = append(s.messages[mm.ConversationID], &mm)
		s.indexLocked(&mm)
		s.touchLocked(&mm)
		if mm.SenderID != s.self {
			// A pushed row may carry the sender's view of the read flag.
			mm.IsRead = false
			s.unread[mm.ConversationID]++
			s.totalUnread++
		}
		added = true
		return true
	})
	return added
}

// ApplyStatus moves the message with the given server id to st when the
// transition is allowed. Unknown ids, messages still awaiting confirmation,
// and disallowed transitions are ignored.
func (s *Store) ApplyStatus(serverID string, st MessageStatus) bool {
	var applied bool
	s.update(func() bool {
		m := s.byID[serverID]
		if m == nil {
			return false
		}
		if _, pending := s.pending[serverID]; pending {
			return false
		}
		if !CanTransition(m.Status, st) {
			return false
		}
		m.Status = st
		if st == StatusRead {
			m.IsRead = true
		}
		s.refreshLastLocked(m, m.ID)
		applied = true
		return true
	})
	return applied
}

// MarkRead flags a message as read and resets its conversation's unread
// counter. Calling it again is a no-op. Returns the message's conversation
// id and whether anything changed.
func (s *Store) MarkRead(messageID string) (string, bool) {
	var (
		convID  string
		changed bool
	)
	s.update(func() bool {
		m := s.lookupLocked(messageID)
		if m == nil {
			return false
		}
		convID = m.ConversationID
		if !m.IsRead {
			m.IsRead = true
			changed = true
		}
		if m.SenderID != s.self && CanTransition(m.Status, StatusRead) {
			m.Status = StatusRead
			changed = true
		}
		if s.resetUnreadLocked(convID) {
			changed = true
		}
		if changed {
			s.refreshLastLocked(m, m.ID)
		}
		return changed
	})
	return convID, changed
}

// MarkConversationRead flags every foreign message of a conversation as
// read and resets its unread counter.
func (s *Store) MarkConversationRead(conversationID string) bool {
	var changed bool
	s.update(func() bool {
		for _, m := range s.messages[conversationID] {
			if m.SenderID == s.self {
				continue
			}
			if !m.IsRead {
				m.IsRead = true
				changed = true
			}
			if CanTransition(m.Status, StatusRead) {
				m.Status = StatusRead
				changed = true
			}
		}
		if s.resetUnreadLocked(conversationID) {
			changed = true
		}
		if c, ok := s.convIndex[conversationID]; ok && c.LastMessage != nil {
			if m := s.byID[c.LastMessage.ID]; m != nil {
				lm := m.clone()
				c.LastMessage = &lm
			}
		}
		return changed
	})
	return changed
}

// RemoveMessage deletes a message by id. Unread counters are not adjusted.
func (s *Store) RemoveMessage(id string) bool {
	var removed bool
	s.update(func() bool {
		m := s.lookupLocked(id)
		if m == nil {
			return false
		}
		s.dropLocked(m)
		if c, ok := s.convIndex[m.ConversationID]; ok && c.LastMessage != nil &&
			(c.LastMessage.ID == m.ID || c.LastMessage.ID == m.ClientID) {
			c.LastMessage = nil
			if list := s.messages[m.ConversationID]; len(list) > 0 {
				lm := list[len(list)-1].clone()
				c.LastMessage = &lm
			}
		}
		removed = true
		return true
	})
	return removed
}

// mergeMessage overlays the non-empty fields of remote onto local. Status
// and ClientID are left to the caller.
func mergeMessage(local, remote Message) Message {
	out := local.clone()
	if remote.ID != "" {
		out.ID = remote.ID
	}
	if remote.ConversationID != "" {
		out.ConversationID = remote.ConversationID
	}
	if remote.SenderID != "" {
		out.SenderID = remote.SenderID
	}
	if remote.Content != "" {
		out.Content = remote.Content
	}
	if remote.Type != "" {
		out.Type = remote.Type
	}
	if remote.Priority != "" {
		out.Priority = remote.Priority
	}
	if remote.ReplyToID != "" {
		out.ReplyToID = remote.ReplyToID
	}
	if !remote.CreatedAt.IsZero() {
		out.CreatedAt = remote.CreatedAt
	}
	if !remote.UpdatedAt.IsZero() {
		out.UpdatedAt = remote.UpdatedAt
	}
	out.IsRead = local.IsRead || remote.IsRead
	out.IsEncrypted = local.IsEncrypted || remote.IsEncrypted
	if len(remote.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(remote.Metadata))
		}
		maps.Copy(out.Metadata, remote.Metadata)
	}
	return out
}
