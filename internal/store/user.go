package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertPresence creates the user on first sight and records the latest
// online transition. Returns true when the stored state actually changed, so
// callers can skip redundant presence events (idempotent upsert).
func (db *DB) UpsertPresence(id, displayName string, online bool) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO users (id, display_name, online, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			online = excluded.online,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
		WHERE users.online != excluded.online
			OR (excluded.display_name != '' AND users.display_name != excluded.display_name)`,
		id, displayName, online, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchPresence refreshes the liveness timestamp of an online user without
// publishing a state change.
func (db *DB) TouchPresence(id string) error {
	_, err := db.Exec(`UPDATE users SET last_seen_at = ? WHERE id = ? AND online = 1`,
		time.Now().UnixMilli(), id)
	return err
}

// GetUser returns a user by id, or nil if absent.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, display_name, online, last_seen_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Online, &u.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListOnlineUsers returns all online users except the given one, ordered by
// display name.
func (db *DB) ListOnlineUsers(exceptID string) ([]User, error) {
	rows, err := db.Query(`
		SELECT id, display_name, online, last_seen_at
		FROM users
		WHERE online = 1 AND id != ?
		ORDER BY display_name, id`, exceptID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Online, &u.LastSeenAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserNames resolves display names for a set of user ids in one query. Ids
// with no stored name (or no record at all) are absent from the result;
// callers fall back to the raw id.
func (db *DB) UserNames(ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.Query(`SELECT id, display_name FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		if name != "" {
			names[id] = name
		}
	}
	return names, rows.Err()
}

// SweepStalePresence marks online users whose last_seen_at is older than
// cutoff as offline and returns their ids.
func (db *DB) SweepStalePresence(cutoff int64) ([]string, error) {
	rows, err := db.Query(`SELECT id FROM users WHERE online = 1 AND last_seen_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().UnixMilli()
	for _, id := range stale {
		if _, err := db.Exec(`UPDATE users SET online = 0, updated_at = ? WHERE id = ? AND online = 1`, now, id); err != nil {
			return nil, err
		}
	}
	return stale, nil
}
