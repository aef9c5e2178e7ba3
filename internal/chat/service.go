// Package chat implements the core service: presence tracking, the
// conversation directory and the append-only message log. All mutations go
// through the store's transactional operations; the service adds validation,
// the error taxonomy, bounded retry of transient failures and event
// publication for the fan-out layer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/store"
)

// RetryPolicy bounds internal retries of transient store failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries lock contention a few times with exponential
// backoff before surfacing ErrUnavailable.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 25 * time.Millisecond}

// PresenceChange is the payload of presence.changed events.
type PresenceChange struct {
	UserID      string
	DisplayName string
	Online      bool
}

// ConversationEvent is the payload of conversation.* events. MemberIDs lets
// the transport deliver the event only to users who can see the
// conversation; LastMsgAt and Preview are set on activity events so a
// conversation list can reorder without rereading the store.
type ConversationEvent struct {
	ConversationID string
	MemberIDs      []string
	LastMsgAt      int64
	Preview        string
}

// Summary is one row of a user's conversation list: the conversation plus a
// title resolved from the other members' display names.
type Summary struct {
	Conversation store.Conversation
	Title        string
}

// Service exposes the core chat operations.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	retry  RetryPolicy
}

// NewService creates the core service.
func NewService(db *store.DB, b *bus.Bus, logger *zap.Logger, retry RetryPolicy) *Service {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Service{db: db, bus: b, logger: logger, retry: retry}
}

// SetOnline records a sign-in/sign-out transition. Unknown users are created
// implicitly; repeating the current state is a no-op and publishes nothing.
func (s *Service) SetOnline(ctx context.Context, userID, displayName string, online bool) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	var changed bool
	err := s.withRetry(ctx, func() error {
		var err error
		changed, err = s.db.UpsertPresence(userID, displayName, online)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		s.bus.Emit(bus.KindPresenceChanged, PresenceChange{
			UserID:      userID,
			DisplayName: displayName,
			Online:      online,
		})
	}
	return nil
}

// Heartbeat refreshes the caller's liveness without a presence transition.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	return s.withRetry(ctx, func() error {
		return s.db.TouchPresence(userID)
	})
}

// OnlineUsers returns every online user except the caller.
func (s *Service) OnlineUsers(ctx context.Context, exceptID string) ([]store.User, error) {
	var users []store.User
	err := s.withRetry(ctx, func() error {
		var err error
		users, err = s.db.ListOnlineUsers(exceptID)
		return err
	})
	return users, err
}

// FindOrCreateDirect resolves the direct conversation between two users,
// creating it if absent. At most one conversation ever exists per unordered
// pair, even under concurrent calls; a lost creation race is resolved
// internally and only logged.
func (s *Service) FindOrCreateDirect(ctx context.Context, userA, userB string) (string, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	if userA == userB {
		return "", fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidArgument)
	}

	candidate := uuid.NewString()
	var id string
	var created, raced bool
	err := s.withRetry(ctx, func() error {
		existing, err := s.db.DirectConversationID(userA, userB)
		if err != nil {
			return err
		}
		if existing != "" {
			id, created, raced = existing, false, false
			return nil
		}
		id, created, err = s.db.FindOrCreateDirect(candidate, userA, userB)
		// A concurrent caller created it between the lookup and the insert.
		raced = err == nil && !created
		return err
	})
	if err != nil {
		return "", err
	}
	if created {
		s.bus.Emit(bus.KindConversationCreated, ConversationEvent{
			ConversationID: id,
			MemberIDs:      []string{userA, userB},
		})
		s.logger.Info("direct conversation created",
			zap.String("conversation_id", id),
			zap.String("user_a", userA),
			zap.String("user_b", userB))
	} else if raced {
		s.logger.Debug("direct conversation dedup race resolved",
			zap.Error(ErrConflict),
			zap.String("conversation_id", id),
			zap.String("pair_key", store.PairKey(userA, userB)))
	}
	return id, nil
}

// CreateGroup creates a group conversation. Groups are never deduplicated.
func (s *Service) CreateGroup(ctx context.Context, memberIDs []string) (string, error) {
	seen := make(map[string]struct{}, len(memberIDs))
	var members []string
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", fmt.Errorf("%w: empty member id", ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return "", fmt.Errorf("%w: a group needs at least 2 members", ErrInvalidArgument)
	}

	id := uuid.NewString()
	err := s.withRetry(ctx, func() error {
		return s.db.CreateGroup(id, members)
	})
	if err != nil {
		return "", err
	}
	s.bus.Emit(bus.KindConversationCreated, ConversationEvent{
		ConversationID: id,
		MemberIDs:      members,
	})
	s.logger.Info("group conversation created",
		zap.String("conversation_id", id),
		zap.Int("members", len(members)))
	return id, nil
}

// ListConversations returns the caller's conversations, most recently active
// first, with display titles resolved.
func (s *Service) ListConversations(ctx context.Context, userID string, limit, offset int) ([]Summary, error) {
	var convs []store.Conversation
	err := s.withRetry(ctx, func() error {
		var err error
		convs, err = s.db.ListConversationsForUser(userID, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}

	var others []string
	for _, c := range convs {
		for _, m := range c.MemberIDs {
			if m != userID {
				others = append(others, m)
			}
		}
	}
	var names map[string]string
	err = s.withRetry(ctx, func() error {
		var err error
		names, err = s.db.UserNames(others)
		return err
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(convs))
	for _, c := range convs {
		summaries = append(summaries, Summary{Conversation: c, Title: title(c, userID, names)})
	}
	return summaries, nil
}

// Append appends one message to a conversation's log. The returned message
// carries the assigned sequence number and server timestamp.
func (s *Service) Append(ctx context.Context, conversationID, authorID, body string) (*store.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty message body", ErrInvalidArgument)
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(authorID) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}

	var msg *store.Message
	err := s.withRetry(ctx, func() error {
		var err error
		msg, err = s.db.AppendMessage(conversationID, authorID, body)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoConversation):
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		case errors.Is(err, store.ErrNotMember):
			return nil, fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, authorID, conversationID)
		}
		return nil, err
	}

	// Publish only after the commit so no subscriber ever sees a message
	// that is not durable.
	s.bus.Emit(bus.KindMessageAppended, msg)

	// Conversation lists follow activity without polling: re-read the
	// updated head and publish it to the conversation's members.
	conv, convErr := s.db.GetConversation(conversationID)
	if convErr != nil || conv == nil {
		s.logger.Warn("conversation reload after append failed",
			zap.String("conversation_id", conversationID), zap.Error(convErr))
		return msg, nil
	}
	s.bus.Emit(bus.KindConversationActivity, ConversationEvent{
		ConversationID: conv.ID,
		MemberIDs:      conv.MemberIDs,
		LastMsgAt:      conv.LastMsgAt,
		Preview:        conv.LastPreview,
	})
	return msg, nil
}

// History returns up to limit messages with seq > afterSeq, oldest first.
// The caller must be a member of the conversation.
func (s *Service) History(ctx context.Context, conversationID, userID string, afterSeq int64, limit int) ([]store.Message, error) {
	if err := s.authorize(conversationID, userID); err != nil {
		return nil, err
	}
	var msgs []store.Message
	err := s.withRetry(ctx, func() error {
		var err error
		msgs, err = s.db.ListMessagesAfter(conversationID, afterSeq, limit)
		return err
	})
	return msgs, err
}

func (s *Service) authorize(conversationID, userID string) error {
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	member, err := s.db.IsMember(conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, userID, conversationID)
	}
	return nil
}

// withRetry runs op, retrying lock contention with exponential backoff up to
// the policy's budget, then surfaces ErrUnavailable.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	delay := s.retry.BaseDelay
	var err error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if err = op(); err == nil || !store.IsBusy(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	s.logger.Warn("retry budget exhausted", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func title(c store.Conversation, selfID string, names map[string]string) string {
	var parts []string
	for _, m := range c.MemberIDs {
		if m == selfID {
			continue
		}
		if name, ok := names[m]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, ", ")
}
