package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/matheus3301/chatsync/internal/state"
)

const defaultPageSize = 50

// messageColumns selects a message as seen by the viewer bound to the two
// trailing placeholders. A message reads as read for its sender once any
// other participant has read it.
const messageColumns = `
	m.id, COALESCE(m.client_id, ''), m.conversation_id, m.sender_id, m.content,
	m.type, m.priority, m.is_encrypted, COALESCE(m.reply_to_id, ''),
	COALESCE(m.metadata, ''), m.created_at, m.updated_at,
	EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id <> m.sender_id),
	(m.sender_id = ? OR EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (state.Message, error) {
	var m state.Message
	var typ, prio, meta string
	var created, updated int64
	var readByOther bool
	if err := row.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.Content,
		&typ, &prio, &m.IsEncrypted, &m.ReplyToID, &meta, &created, &updated,
		&readByOther, &m.IsRead); err != nil {
		return state.Message{}, err
	}
	m.Type = state.MessageType(typ)
	m.Priority = state.Priority(prio)
	m.CreatedAt = fromMilli(created)
	m.UpdatedAt = fromMilli(updated)
	m.Status = state.StatusSent
	if readByOther {
		m.Status = state.StatusRead
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return state.Message{}, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]state.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []state.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertMessage stores a message from a participant. Repeating an insert
// with the same sender and client id returns the stored message and false.
func (db *DB) InsertMessage(nm NewMessage) (state.Message, bool, error) {
	if strings.TrimSpace(nm.Content) == "" {
		return state.Message{}, false, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if err := db.requireParticipant(nm.ConversationID, nm.SenderID); err != nil {
		return state.Message{}, false, err
	}
	if nm.ClientID != "" {
		var id string
		err := db.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND sender_id = ? AND client_id = ?`,
			nm.ConversationID, nm.SenderID, nm.ClientID).Scan(&id)
		if err == nil {
			m, err := db.GetMessage(id, nm.SenderID)
			return m, false, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return state.Message{}, false, err
		}
	}
	if nm.Type == "" {
		nm.Type = state.TypeText
	}
	if nm.Priority == "" {
		nm.Priority = state.PriorityNormal
	}
	var meta any
	if len(nm.Metadata) > 0 {
		data, err := json.Marshal(nm.Metadata)
		if err != nil {
			return state.Message{}, false, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(data)
	}

	id := uuid.NewString()
	now := db.nowMilli()
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, client_id, content, type, priority, is_encrypted, reply_to_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, nm.ConversationID, nm.SenderID, nullable(nm.ClientID), nm.Content, string(nm.Type),
			string(nm.Priority), nm.IsEncrypted, nullable(nm.ReplyToID), meta, now, now); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE conversations SET last_activity_at = ? WHERE id = ?`, now, nm.ConversationID)
		return err
	})
	if err != nil {
		return state.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	m, err := db.GetMessage(id, nm.SenderID)
	return m, true, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessage returns a single message as seen by viewer.
func (db *DB) GetMessage(id, viewer string) (state.Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, viewer, viewer, id))
	if errors.Is(err, sql.ErrNoRows) {
		return state.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListMessages returns one page of a conversation, oldest first. offset
// counts back from the newest message.
func (db *DB) ListMessages(conversationID, viewer string, limit, offset int) ([]state.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ?
		ORDER BY m.seq DESC
		LIMIT ? OFFSET ?`, viewer, viewer, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ListMessagesFor is ListMessages restricted to participants.
func (db *DB) ListMessagesFor(conversationID, viewer string, limit, offset int) ([]state.Message, error) {
	if err := db.requireParticipant(conversationID, viewer); err != nil {
		return nil, err
	}
	return db.ListMessages(conversationID, viewer, limit, offset)
}

// MarkRead records that user read a message. changed is false when the
// receipt already existed or the user sent the message.
func (db *DB) MarkRead(messageID, user string) (m state.Message, changed bool, err error) {
	m, err = db.GetMessage(messageID, user)
	if err != nil {
		return state.Message{}, false, err
	}
	if err := db.requireParticipant(m.ConversationID, user); err != nil {
		return state.Message{}, false, err
	}
	if m.SenderID == user {
		return m, false, nil
	}
	res, err := db.Exec(`INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)`,
		messageID, user, db.nowMilli())
	if err != nil {
		return state.Message{}, false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	m.IsRead = true
	return m, n > 0, nil
}

// DeleteMessage removes a message. Only its sender may delete it. Returns
// the deleted message.
func (db *DB) DeleteMessage(messageID, user string) (state.Message, error) {
	m, err := db.GetMessage(messageID, user)
	if err != nil {
		return state.Message{}, err
	}
	if m.SenderID != user {
		return state.Message{}, fmt.Errorf("delete %s: %w", messageID, ErrForbidden)
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return state.Message{}, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// SearchMessages finds messages whose content contains the query, limited
// to conversations the viewer belongs to. Newest first.
func (db *DB) SearchMessages(viewer string, f SearchFilter) ([]state.Message, error) {
	if strings.TrimSpace(f.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalid)
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.content LIKE ? ESCAPE '\'`
	args := []any{viewer, viewer, viewer, "%" + escapeLike(f.Query) + "%"}
	if f.ConversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, f.ConversationID)
	}
	if f.Type != "" {
		q += " AND m.type = ?"
		args = append(args, string(f.Type))
	}
	if f.SenderID != "" {
		q += " AND m.sender_id = ?"
		args = append(args, f.SenderID)
	}
	q += " ORDER BY m.seq DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UnreadCounts returns the viewer's unread messages per conversation and
// in total. Conversations without unread messages are omitted.
func (db *DB) UnreadCounts(viewer string) (int, map[string]int, error) {
	rows, err := db.Query(`
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.sender_id <> ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
		GROUP BY m.conversation_id`, viewer, viewer, viewer)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = rows.Close() }()

	total := 0
	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return 0, nil, err
		}
		counts[id] = n
		total += n
	}
	return total, counts, rows.Err()
}
