package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreatePoll stores a poll in a conversation the creator belongs to.
func (db *DB) CreatePoll(np NewPoll) (Poll, error) {
	np.Question = strings.TrimSpace(np.Question)
	var opts []string
	for _, o := range np.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	if np.Question == "" || len(opts) < 2 {
		return Poll{}, fmt.Errorf("%w: a poll needs a question and at least two options", ErrInvalid)
	}
	if err := db.requireParticipant(np.ConversationID, np.CreatedBy); err != nil {
		return Poll{}, err
	}

	id := uuid.NewString()
	now := db.now()
	var expires any
	if np.Duration > 0 {
		expires = now.Add(np.Duration).UnixMilli()
	}
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO polls (id, conversation_id, created_by, question, allow_multiple, is_anonymous, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, np.ConversationID, np.CreatedBy, np.Question, np.AllowMultiple, np.IsAnonymous, now.UnixMilli(), expires); err != nil {
			return err
		}
		for i, text := range opts {
			if _, err := tx.Exec(`INSERT INTO poll_options (id, poll_id, position, text) VALUES (?, ?, ?, ?)`,
				uuid.NewString(), id, i, text); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Poll{}, fmt.Errorf("create poll: %w", err)
	}
	return db.GetPoll(id)
}

// GetPoll returns a poll with its current vote counts.
func (db *DB) GetPoll(id string) (Poll, error) {
	var p Poll
	var created int64
	var expires sql.NullInt64
	err := db.QueryRow(`
		SELECT id, conversation_id, created_by, question, allow_multiple, is_anonymous, created_at, expires_at
		FROM polls WHERE id = ?`, id).
		Scan(&p.ID, &p.ConversationID, &p.CreatedBy, &p.Question, &p.AllowMultiple, &p.IsAnonymous, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Poll{}, fmt.Errorf("poll %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Poll{}, err
	}
	p.CreatedAt = fromMilli(created)
	if expires.Valid {
		t := fromMilli(expires.Int64)
		p.ExpiresAt = &t
	}

	rows, err := db.Query(`
		SELECT o.id, o.text, COUNT(v.user_id)
		FROM poll_options o
		LEFT JOIN poll_votes v ON v.option_id = o.id
		WHERE o.poll_id = ?
		GROUP BY o.id
		ORDER BY o.position`, id)
	if err != nil {
		return Poll{}, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var o PollOption
		if err := rows.Scan(&o.ID, &o.Text, &o.Votes); err != nil {
			return Poll{}, err
		}
		p.Options = append(p.Options, o)
	}
	return p, rows.Err()
}

// Vote replaces user's votes in a poll with optionIDs.
func (db *DB) Vote(pollID, user string, optionIDs []string) (Poll, error) {
	p, err := db.GetPoll(pollID)
	if err != nil {
		return Poll{}, err
	}
	if len(optionIDs) == 0 {
		return Poll{}, fmt.Errorf("%w: at least one option is required", ErrInvalid)
	}
	if !p.AllowMultiple && len(optionIDs) > 1 {
		return Poll{}, fmt.Errorf("%w: poll %s allows a single choice", ErrInvalid, pollID)
	}
	if p.ExpiresAt != nil && !db.now().Before(*p.ExpiresAt) {
		return Poll{}, fmt.Errorf("%w: poll %s has ended", ErrInvalid, pollID)
	}
	if err := db.requireParticipant(p.ConversationID, user); err != nil {
		return Poll{}, err
	}
	valid := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		valid[o.ID] = true
	}
	for _, id := range optionIDs {
		if !valid[id] {
			return Poll{}, fmt.Errorf("%w: option %s is not part of poll %s", ErrInvalid, id, pollID)
		}
	}

	err = db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM poll_votes WHERE poll_id = ? AND user_id = ?`, pollID, user); err != nil {
			return err
		}
		for _, id := range optionIDs {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO poll_votes (poll_id, option_id, user_id) VALUES (?, ?, ?)`, pollID, id, user); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Poll{}, fmt.Errorf("vote: %w", err)
	}
	return db.GetPoll(pollID)
}
