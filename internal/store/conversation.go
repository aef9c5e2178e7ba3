package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoConversation is returned by message operations referencing a
// conversation that does not exist.
var ErrNoConversation = errors.New("store: conversation not found")

// ErrNotMember is returned when the acting user is not in the conversation's
// member set.
var ErrNotMember = errors.New("store: user is not a conversation member")

// PairKey returns the canonical dedup key for a direct conversation between
// two users, independent of argument order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// DirectConversationID returns the id of the direct conversation for the
// unordered pair, or "" when none exists.
func (db *DB) DirectConversationID(userA, userB string) (string, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM conversations WHERE pair_key = ?`, PairKey(userA, userB)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// FindOrCreateDirect returns the id of the direct conversation between userA
// and userB, creating it with the given id if none exists. The pair_key
// unique index plus the immediate transaction guarantee at most one
// conversation per pair even under concurrent calls; the second return value
// reports whether this call created it.
func (db *DB) FindOrCreateDirect(newID, userA, userB string) (string, bool, error) {
	pairKey := PairKey(userA, userB)

	tx, err := db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRow(`SELECT id FROM conversations WHERE pair_key = ?`, pairKey).Scan(&existing)
	if err == nil {
		return existing, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, is_group, pair_key, created_at)
		VALUES (?, 0, ?, ?)`, newID, pairKey, now); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent writer; adopt its conversation.
			_ = tx.Rollback()
			var winner string
			if err := db.QueryRow(`SELECT id FROM conversations WHERE pair_key = ?`, pairKey).Scan(&winner); err != nil {
				return "", false, fmt.Errorf("resolve dedup race: %w", err)
			}
			return winner, false, nil
		}
		return "", false, fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range []string{userA, userB} {
		if _, err := tx.Exec(`INSERT INTO members (conversation_id, user_id) VALUES (?, ?)`, newID, uid); err != nil {
			return "", false, fmt.Errorf("insert member %q: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return newID, true, nil
}

// CreateGroup creates a group conversation with the given member set. Group
// conversations are never deduplicated.
func (db *DB) CreateGroup(id string, memberIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, is_group, created_at)
		VALUES (?, 1, ?)`, id, now); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.Exec(`INSERT INTO members (conversation_id, user_id) VALUES (?, ?)`, id, uid); err != nil {
			return fmt.Errorf("insert member %q: %w", uid, err)
		}
	}
	return tx.Commit()
}

// GetConversation returns a conversation with its member set loaded, or nil
// if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var pairKey sql.NullString
	err := db.QueryRow(`
		SELECT id, is_group, pair_key, created_at, last_seq, last_msg_at, last_msg_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.IsGroup, &pairKey, &c.CreatedAt, &c.LastSeq, &c.LastMsgAt, &c.LastPreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.PairKey = pairKey.String

	rows, err := db.Query(`SELECT user_id FROM members WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		c.MemberIDs = append(c.MemberIDs, uid)
	}
	return &c, rows.Err()
}

// IsMember reports whether userID belongs to the conversation's member set.
func (db *DB) IsMember(conversationID, userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListConversationsForUser returns all conversations containing userID,
// most recently active first, with member sets loaded.
func (db *DB) ListConversationsForUser(userID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id, c.is_group, c.created_at, c.last_seq, c.last_msg_at, c.last_msg_preview,
			GROUP_CONCAT(m2.user_id)
		FROM conversations c
		JOIN members m ON m.conversation_id = c.id AND m.user_id = ?
		JOIN members m2 ON m2.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.last_msg_at DESC, c.created_at DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var memberCSV string
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.CreatedAt, &c.LastSeq, &c.LastMsgAt, &c.LastPreview, &memberCSV); err != nil {
			return nil, err
		}
		c.MemberIDs = strings.Split(memberCSV, ",")
		sort.Strings(c.MemberIDs)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
