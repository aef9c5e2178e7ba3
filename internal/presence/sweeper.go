// Package presence runs the background sweep that expires stale online
// sessions. A client that signs in but never signs out (crashed tab, lost
// network) stops heartbeating; once its last_seen_at falls behind the TTL
// the sweeper flips it offline and publishes the transition like any other
// sign-out.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/store"
)

// Sweeper polls for online users whose heartbeat is older than the TTL and
// marks them offline.
type Sweeper struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	ttl      time.Duration
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper that checks every interval and expires
// sessions idle for longer than ttl.
func NewSweeper(db *store.DB, b *bus.Bus, logger *zap.Logger, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		bus:      b,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	stale, err := s.db.SweepStalePresence(cutoff)
	if err != nil {
		s.logger.Error("presence sweep failed", zap.Error(err))
		return
	}
	for _, id := range stale {
		s.logger.Info("presence expired", zap.String("user_id", id))
		s.bus.Emit(bus.KindPresenceChanged, chat.PresenceChange{UserID: id, Online: false})
	}
}
