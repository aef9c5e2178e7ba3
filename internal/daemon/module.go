package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/config"
	"github.com/chatsync/chatsync/internal/fanout"
	"github.com/chatsync/chatsync/internal/identity"
	"github.com/chatsync/chatsync/internal/lock"
	"github.com/chatsync/chatsync/internal/logging"
	"github.com/chatsync/chatsync/internal/presence"
	"github.com/chatsync/chatsync/internal/status"
	"github.com/chatsync/chatsync/internal/store"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideService,
			provideHub,
			provideSweeper,
			provideVerifier,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath(), "chatsyncd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideService(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Service {
	policy := chat.RetryPolicy{
		MaxAttempts: p.Config.RetryMaxAttempts,
		BaseDelay:   p.Config.RetryBase(),
	}
	return chat.NewService(db, b, logger, policy)
}

func provideHub(p Params, svc *chat.Service, b *bus.Bus, logger *zap.Logger) *fanout.Hub {
	return fanout.NewHub(svc, b, logger, p.Config.SubscriberBuffer, p.Config.Heartbeat())
}

func provideSweeper(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *presence.Sweeper {
	return presence.NewSweeper(db, b, logger, p.Config.SweepInterval(), p.Config.PresenceTTL())
}

func provideVerifier(p Params) identity.Verifier {
	return identity.NewJWTVerifier(p.Config.ProviderSecret)
}

func provideAPI(p Params, svc *chat.Service, hub *fanout.Hub, b *bus.Bus, verifier identity.Verifier, machine *status.Machine, logger *zap.Logger) *API {
	return NewAPI(svc, hub, b, verifier, machine, logger, p.Config.Heartbeat())
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, sweeper *presence.Sweeper, machine *status.Machine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sweeper.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()

			return machine.Transition(status.Ready)
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Draining)
			sweeper.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			_ = machine.Transition(status.Stopped)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
