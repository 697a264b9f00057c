// Package daemon wires the session daemon together: one store, one source
// adapter and one sync router per session, composed with fx.
package daemon

import (
	"context"

	"github.com/matheus3301/wastore/internal/bus"
	"github.com/matheus3301/wastore/internal/config"
	"github.com/matheus3301/wastore/internal/identity"
	"github.com/matheus3301/wastore/internal/lock"
	"github.com/matheus3301/wastore/internal/logging"
	"github.com/matheus3301/wastore/internal/session"
	"github.com/matheus3301/wastore/internal/status"
	"github.com/matheus3301/wastore/internal/store"
	intsync "github.com/matheus3301/wastore/internal/sync"
	"github.com/matheus3301/wastore/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideResolver,
			provideRouter,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideConfig loads the global config. A missing file is not an error;
// defaults apply.
func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults")
		return &config.Config{}
	}
	return cfg
}

func provideStateMachine(p Params, b *bus.Bus) *status.Machine {
	return status.NewMachine(b, p.SessionName)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StoreDBPath(p.SessionName)
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

func provideAdapter(p Params, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, logger)
}

func provideResolver(adapter *wa.Adapter) *identity.Resolver {
	return identity.NewResolver(adapter)
}

func provideRouter(p Params, db *store.DB, b *bus.Bus, resolver *identity.Resolver, cfg *config.Config, logger *zap.Logger) *intsync.Router {
	return intsync.NewRouter(db, b, resolver, logger, p.SessionName, cfg.BatchTiers())
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, adapter *wa.Adapter, router *intsync.Router, machine *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the router before connecting so no source event is missed.
			router.Listen()

			handler := wa.NewEventHandler(b, machine, adapter, p.SessionName, logger)
			adapter.RegisterEventHandler(handler.Handle)

			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go connect(adapter, machine, logger)
				return nil
			}

			logger.Info("no credentials found, auth required")
			_ = machine.Transition(status.AuthRequired)
			qrCh, err := adapter.GetQRChannel(context.Background())
			if err != nil {
				return err
			}
			go func() {
				for item := range qrCh {
					if item.Event == "code" {
						logger.Info("scan QR code to pair", zap.String("code", item.Code))
						continue
					}
					logger.Info("pairing event", zap.String("event", item.Event))
				}
			}()
			go connect(adapter, machine, logger)
			return nil
		},
		OnStop: func(_ context.Context) error {
			router.Unlisten()
			adapter.Disconnect()
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

func connect(adapter *wa.Adapter, machine *status.Machine, logger *zap.Logger) {
	if err := adapter.Connect(); err != nil {
		logger.Error("connect failed", zap.Error(err))
		_ = machine.Transition(status.Error)
	}
}
