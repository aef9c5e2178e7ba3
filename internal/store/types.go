package store

import "fmt"

// User is a chat participant mirrored from the identity provider.
type User struct {
	ID          string
	DisplayName string
	Online      bool
	LastSeenAt  int64
}

// Conversation is a persistent channel between a fixed set of members.
// PairKey is set only for direct conversations and enforces the dedup
// invariant through a unique index.
type Conversation struct {
	ID          string
	IsGroup     bool
	PairKey     string
	CreatedAt   int64
	LastSeq     int64
	LastMsgAt   int64
	LastPreview string
	MemberIDs   []string
}

// Message is one immutable entry of a conversation's append-only log,
// addressed by (ConversationID, Seq). Seq values in a conversation form a
// contiguous range starting at 1.
type Message struct {
	ConversationID string
	Seq            int64
	AuthorID       string
	AuthorName     string
	Body           string
	CreatedAt      int64
}

// ID returns the message's globally unique identifier.
func (m *Message) ID() string {
	return fmt.Sprintf("%s/%d", m.ConversationID, m.Seq)
}
