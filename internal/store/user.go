package store

import (
	"database/sql"
	"errors"

	"github.com/matheus3301/chatsync/internal/state"
)

// UpsertUser registers a user, updating the display name when one is given.
func (db *DB) UpsertUser(id, displayName string) error {
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), users.display_name)`,
		id, displayName, db.nowMilli())
	return err
}

// SetUserStatus records a user's presence.
func (db *DB) SetUserStatus(id string, status state.PresenceStatus) error {
	_, err := db.Exec(`
		INSERT INTO users (id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		id, string(status), db.nowMilli())
	return err
}

// GetUser returns a single user by id.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	var status string
	var updated int64
	err := db.QueryRow(`SELECT id, display_name, status, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = state.PresenceStatus(status)
	u.UpdatedAt = fromMilli(updated)
	return &u, nil
}
