// Package daemon composes the simulator's components into a running
// process: store, policy, transport, webhook pipeline, delivery engine,
// outbox flusher, and the HTTP control plane.
package daemon

import (
	"context"
	"net/http"
	"os"

	"github.com/pcoelho/wasim/internal/api"
	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/config"
	"github.com/pcoelho/wasim/internal/gateway"
	"github.com/pcoelho/wasim/internal/lifecycle"
	"github.com/pcoelho/wasim/internal/lock"
	"github.com/pcoelho/wasim/internal/logging"
	"github.com/pcoelho/wasim/internal/metrics"
	"github.com/pcoelho/wasim/internal/outbox"
	"github.com/pcoelho/wasim/internal/policy"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/transport"
	"github.com/pcoelho/wasim/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideMetrics,
			provideTransport,
			providePolicy,
			provideEmitter,
			provideNotifier,
			provideGateway,
			provideLifecycle,
			provideFlusher,
			provideHandlers,
			provideRouter,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), "wasimd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New("wasim", reg)
}

func provideTransport(cfg *config.Config, b *bus.Bus) (*transport.Machine, error) {
	initial, err := transport.ParseState(cfg.InitialTransport)
	if err != nil {
		return nil, err
	}
	return transport.NewMachine(initial, b), nil
}

func providePolicy(cfg *config.Config) *policy.Engine {
	return policy.NewEngine(cfg.SessionWindow.Std(), cfg.Policy.StartResubscribes)
}

func provideEmitter(db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *webhook.Emitter {
	return webhook.NewEmitter(db, b, m, logger)
}

func provideNotifier(cfg *config.Config, emitter *webhook.Emitter) *webhook.Notifier {
	builder := webhook.NewPayloadBuilder(cfg.AccountSID, cfg.APIVersion)
	return webhook.NewNotifier(builder, emitter, webhook.Destinations{
		InboundURL:        cfg.Webhooks.InboundURL,
		StatusCallbackURL: cfg.Webhooks.StatusCallbackURL,
		FallbackURL:       cfg.Webhooks.FallbackURL,
	})
}

func provideGateway(cfg *config.Config, db *store.DB, pe *policy.Engine, tm *transport.Machine, n *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *gateway.Service {
	return gateway.New(db, pe, tm, n, b, m, logger, cfg.BusinessNumber)
}

func provideLifecycle(cfg *config.Config, db *store.DB, n *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *lifecycle.Engine {
	return lifecycle.New(db, n, b, m, logger, cfg.TickInterval.Std())
}

func provideFlusher(db *store.DB, tm *transport.Machine, n *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Flusher {
	return outbox.NewFlusher(db, tm, n, b, m, logger)
}

func provideHandlers(gw *gateway.Service, db *store.DB, tm *transport.Machine, logger *zap.Logger) *api.Handlers {
	return api.NewHandlers(gw, db, tm, logger)
}

func provideRouter(h *api.Handlers, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	return api.NewRouter(h, reg, logger)
}

func provideServer(cfg *config.Config, handler http.Handler, logger *zap.Logger) *api.Server {
	return api.NewServer(cfg.ListenAddr, handler, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, emitter *webhook.Emitter, engine *lifecycle.Engine, flusher *outbox.Flusher, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Emitter first so nothing enqueues into a dead channel.
			emitter.Start(context.Background())
			flusher.Start(context.Background())
			engine.Start(context.Background())

			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Reverse order: stop accepting work, then drain the pipeline.
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping http server", zap.Error(err))
			}
			engine.Stop()
			flusher.Stop()
			emitter.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
