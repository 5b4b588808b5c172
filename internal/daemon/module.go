// Package daemon composes the relay's components into a running process.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/catchup"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/conversation"
	"github.com/matheus3301/relay/internal/engine"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/notify"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/sequencer"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
)

// Params holds process-level settings passed to the fx module.
type Params struct {
	ConfigPath string
	// Addr overrides the configured listen address; used by tests to bind
	// an ephemeral port.
	Addr string
}

// Module returns the fx module for relayd, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("relayd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideConversations,
			provideRegistry,
			provideFanout,
			provideTracker,
			provideSequencer,
			provideAggregator,
			provideCatchupHandler,
			provideEngine,
			provideTransport,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.Addr != "" {
		cfg.Server.Addr = p.Addr
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), "relayd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.Storage.DataDir))
	l, err := lock.Acquire(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
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

func provideConversations(cfg *config.Config, logger *zap.Logger) *conversation.Store {
	return conversation.NewStore(cfg.Typing.Timeout.Std(), logger)
}

func provideRegistry(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(cfg.Delivery.QueueSize, b, logger)
}

func provideFanout(convs *conversation.Store, reg *registry.Registry, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *fanout.Fanout {
	return fanout.New(convs, reg, b, cfg.Delivery.ReplayWindow, logger)
}

func provideTracker(cfg *config.Config) *fanout.Tracker {
	return fanout.NewTracker(cfg.Delivery.ReplayWindow)
}

func provideSequencer(convs *conversation.Store, db *store.DB, logger *zap.Logger) *sequencer.Sequencer {
	return sequencer.New(convs, db, logger)
}

func provideAggregator(convs *conversation.Store, fan *fanout.Fanout, logger *zap.Logger) *notify.Aggregator {
	return notify.New(convs, fan, logger)
}

func provideCatchupHandler(fan *fanout.Fanout, b *bus.Bus, logger *zap.Logger) *catchup.Handler {
	return catchup.NewHandler(fan, b, logger)
}

func provideEngine(
	convs *conversation.Store,
	seq *sequencer.Sequencer,
	reg *registry.Registry,
	fan *fanout.Fanout,
	tracker *fanout.Tracker,
	agg *notify.Aggregator,
	handler *catchup.Handler,
	cfg *config.Config,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(convs, seq, reg, fan, tracker, agg, handler, engine.Options{
		TypingSweepInterval: cfg.Typing.SweepInterval.Std(),
		ReconnectWindow:     cfg.Reconnect.Window.Std(),
		ReapInterval:        cfg.Reconnect.ReapInterval.Std(),
	}, logger)
}

func provideTransport(eng *engine.Engine, db *store.DB, logger *zap.Logger) *transport.Server {
	return transport.NewServer(eng, transport.HeaderAuth{}, db, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			eng.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
