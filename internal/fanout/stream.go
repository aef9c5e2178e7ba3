// Package fanout delivers newly appended messages to active subscribers of a
// conversation. Each subscription is an explicit Stream object: it replays
// the missed range from the store first, then follows live append events
// from the bus. Bus delivery is lossy, so the stream watches the sequence
// numbers it hands out and backfills from the store whenever it detects a
// gap; duplicates are suppressed by the same cursor. The result is
// at-least-once delivery in strictly increasing sequence order per
// subscriber, with resume supported by passing the last seen sequence.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/store"
)

const catchupPage = 200

// HistoryReader is the slice of the chat service the hub needs: an
// authorized, ordered read of a conversation's log after a sequence number.
type HistoryReader interface {
	History(ctx context.Context, conversationID, userID string, afterSeq int64, limit int) ([]store.Message, error)
}

// Stream is one active subscription to a conversation's message log.
type Stream struct {
	id             string
	conversationID string

	out    chan store.Message
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Messages returns the channel of delivered messages. It is closed when the
// stream ends for any reason.
func (s *Stream) Messages() <-chan store.Message {
	return s.out
}

// Close tears the subscription down and releases its fan-out registration.
// Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
}

// Hub tracks active subscribers per conversation and runs their delivery
// loops.
type Hub struct {
	history HistoryReader
	bus     *bus.Bus
	logger  *zap.Logger
	bufSize int
	resync  time.Duration

	mu     sync.Mutex
	active map[string]int
}

// NewHub creates a fan-out hub. bufSize controls both the per-stream bus
// buffer and the outbound channel buffer; resync is how often an idle
// stream re-checks the store for appends whose bus events it missed.
func NewHub(history HistoryReader, b *bus.Bus, logger *zap.Logger, bufSize int, resync time.Duration) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	if resync <= 0 {
		resync = 15 * time.Second
	}
	return &Hub{
		history: history,
		bus:     b,
		logger:  logger,
		bufSize: bufSize,
		resync:  resync,
		active:  make(map[string]int),
	}
}

// ActiveSubscribers returns the number of live streams on a conversation.
func (h *Hub) ActiveSubscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[conversationID]
}

// Subscribe opens a stream over the conversation's log for userID, starting
// after fromSeq. Authorization errors from the history reader (not found,
// forbidden) are returned before any delivery happens. The stream ends when
// Close is called or ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, conversationID, userID string, fromSeq int64) (*Stream, error) {
	// Authorize up front with a minimal read (the backfill re-reads from
	// fromSeq, so nothing is lost); membership is immutable, so the live
	// phase never needs to re-check.
	if _, err := h.history.History(ctx, conversationID, userID, fromSeq, 1); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:             uuid.NewString(),
		conversationID: conversationID,
		out:            make(chan store.Message, h.bufSize),
		cancel:         cancel,
	}

	// Attach to the bus before the replay so nothing appended during the
	// catch-up phase is missed; the cursor drops anything replayed twice.
	events, unsub := h.bus.Subscribe(bus.KindMessageAppended, h.bufSize)

	h.mu.Lock()
	h.active[conversationID]++
	h.mu.Unlock()
	h.logger.Debug("stream opened",
		zap.String("stream_id", s.id),
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int64("from_seq", fromSeq))

	go h.run(ctx, s, userID, fromSeq, events, unsub)
	return s, nil
}

func (h *Hub) run(ctx context.Context, s *Stream, userID string, fromSeq int64, events <-chan bus.Event, unsub func()) {
	defer func() {
		unsub()
		close(s.out)
		h.mu.Lock()
		if h.active[s.conversationID]--; h.active[s.conversationID] == 0 {
			delete(h.active, s.conversationID)
		}
		h.mu.Unlock()
		h.logger.Debug("stream closed", zap.String("stream_id", s.id))
	}()

	cursor := fromSeq
	var ok bool
	if cursor, ok = h.backfill(ctx, s, userID, cursor); !ok {
		return
	}

	// A dropped event for this conversation is only visible as a gap once a
	// later event arrives; on a quiet conversation that later event may
	// never come. The resync tick bounds how long such a drop can hide.
	resync := time.NewTicker(h.resync)
	defer resync.Stop()

	for {
		select {
		case evt := <-events:
			msg, isMsg := evt.Payload.(*store.Message)
			if !isMsg || msg.ConversationID != s.conversationID {
				continue
			}
			switch {
			case msg.Seq <= cursor:
				// Already delivered; at-least-once makes this harmless.
			case msg.Seq == cursor+1:
				if !h.deliver(ctx, s, *msg) {
					return
				}
				cursor = msg.Seq
			default:
				// Gap: the bus dropped events while we were busy. Recover
				// the missed range from the store.
				if cursor, ok = h.backfill(ctx, s, userID, cursor); !ok {
					return
				}
			}
		case <-resync.C:
			if cursor, ok = h.backfill(ctx, s, userID, cursor); !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// backfill streams everything after cursor from the store and returns the
// new cursor position. The second return value is false when the stream is
// done.
func (h *Hub) backfill(ctx context.Context, s *Stream, userID string, cursor int64) (int64, bool) {
	for {
		msgs, err := h.history.History(ctx, s.conversationID, userID, cursor, catchupPage)
		if err != nil {
			h.logger.Warn("stream backfill failed",
				zap.String("stream_id", s.id), zap.Error(err))
			return cursor, false
		}
		for _, m := range msgs {
			if !h.deliver(ctx, s, m) {
				return cursor, false
			}
			cursor = m.Seq
		}
		if len(msgs) < catchupPage {
			return cursor, true
		}
	}
}

func (h *Hub) deliver(ctx context.Context, s *Stream, m store.Message) bool {
	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
