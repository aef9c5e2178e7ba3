package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

const previewLen = 100

// AppendMessage appends one message to a conversation's log inside a single
// immediate transaction: the next sequence number is allocated from the
// conversation row's last_seq, so concurrent appends are linearized with no
// gaps and no duplicates. The assigned timestamp never moves backwards
// within a conversation; ties with the wall clock are resolved by reusing
// the previous message's timestamp.
func (db *DB) AppendMessage(conversationID, authorID, body string) (*Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq, lastMsgAt int64
	err = tx.QueryRow(`SELECT last_seq, last_msg_at FROM conversations WHERE id = ?`, conversationID).
		Scan(&lastSeq, &lastMsgAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoConversation
	}
	if err != nil {
		return nil, err
	}

	var one int
	err = tx.QueryRow(`SELECT 1 FROM members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, authorID).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}

	var authorName string
	err = tx.QueryRow(`SELECT display_name FROM users WHERE id = ?`, authorID).Scan(&authorName)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	msg := &Message{
		ConversationID: conversationID,
		Seq:            lastSeq + 1,
		AuthorID:       authorID,
		AuthorName:     authorName,
		Body:           body,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if msg.CreatedAt < lastMsgAt {
		msg.CreatedAt = lastMsgAt
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, seq, author_id, author_name, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Seq, msg.AuthorID, msg.AuthorName, msg.Body, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE conversations
		SET last_seq = ?, last_msg_at = ?, last_msg_preview = ?
		WHERE id = ?`,
		msg.Seq, msg.CreatedAt, truncate(body, previewLen), conversationID); err != nil {
		return nil, fmt.Errorf("update conversation head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq, in
// ascending sequence order. Paging forward with the last returned seq walks
// the full history without rereading anything.
func (db *DB) ListMessagesAfter(conversationID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT conversation_id, seq, author_id, author_name, body, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.AuthorID, &m.AuthorName, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages across conversations.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes])
}
