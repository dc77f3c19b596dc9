package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/matheus3301/chatsync/internal/state"
)

// CreateConversation creates a conversation owned by creator. The creator
// is always the first participant; duplicates are dropped.
func (db *DB) CreateConversation(creator string, nc NewConversation) (state.Conversation, error) {
	if creator == "" {
		return state.Conversation{}, fmt.Errorf("%w: creator is required", ErrInvalid)
	}
	if nc.Type == "" {
		nc.Type = state.ConversationDirect
	}
	participants := []string{creator}
	for _, p := range nc.Participants {
		if p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	if nc.Type == state.ConversationDirect && len(participants) != 2 {
		return state.Conversation{}, fmt.Errorf("%w: a direct conversation needs exactly one other participant", ErrInvalid)
	}

	id := uuid.NewString()
	now := db.nowMilli()
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, name, description, type, created_by, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, nc.Name, nc.Description, string(nc.Type), creator, now, now); err != nil {
			return err
		}
		for i, p := range participants {
			if _, err := tx.Exec(`INSERT INTO participants (conversation_id, user_id, position) VALUES (?, ?, ?)`, id, p, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return state.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return db.GetConversation(id, creator)
}

// ListConversations returns the viewer's conversations, most recently
// active first, with the last message and the viewer's unread count.
func (db *DB) ListConversations(viewer string) ([]state.Conversation, error) {
	rows, err := db.Query(`
		SELECT c.id
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_activity_at DESC, c.created_at DESC`, viewer)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]state.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := db.GetConversation(id, viewer)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}

// GetConversation returns a single conversation as seen by viewer.
func (db *DB) GetConversation(id, viewer string) (state.Conversation, error) {
	var c state.Conversation
	var typ string
	var created, activity int64
	err := db.QueryRow(`
		SELECT id, name, description, type, is_archived, is_pinned, created_at, last_activity_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Description, &typ, &c.IsArchived, &c.IsPinned, &created, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return state.Conversation{}, err
	}
	c.Type = state.ConversationType(typ)
	c.LastActivityAt = fromMilli(activity)

	if c.Participants, err = db.Participants(id); err != nil {
		return state.Conversation{}, err
	}
	last, err := db.ListMessages(id, viewer, 1, 0)
	if err != nil {
		return state.Conversation{}, err
	}
	if len(last) == 1 {
		c.LastMessage = &last[0]
	}
	err = db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id <> ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		id, viewer, viewer).Scan(&c.UnreadCount)
	if err != nil {
		return state.Conversation{}, err
	}
	return c, nil
}

// Participants returns a conversation's members in join order.
func (db *DB) Participants(conversationID string) ([]string, error) {
	rows, err := db.Query(`SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY position`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsParticipant reports whether user belongs to a conversation.
func (db *DB) IsParticipant(conversationID, user string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM participants WHERE conversation_id = ? AND user_id = ?`, conversationID, user).Scan(&n)
	return n > 0, err
}

func (db *DB) requireParticipant(conversationID, user string) error {
	if err := db.conversationExists(conversationID); err != nil {
		return err
	}
	ok, err := db.IsParticipant(conversationID, user)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s in conversation %s: %w", user, conversationID, ErrForbidden)
	}
	return nil
}

func (db *DB) conversationExists(id string) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}
