package app

import (
	"context"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
	"github.com/roteiro/chatsync/internal/config"
	"github.com/roteiro/chatsync/internal/conn"
	"github.com/roteiro/chatsync/internal/coordinator"
	"github.com/roteiro/chatsync/internal/index"
	"github.com/roteiro/chatsync/internal/lock"
	"github.com/roteiro/chatsync/internal/logging"
	"github.com/roteiro/chatsync/internal/rest"
	"github.com/roteiro/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideRESTClient,
			provideRegistry,
			provideMessageStore,
			provideIndex,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired", zap.String("dir", cfg.DataDir))
	return l, nil
}

func provideRESTClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, cfg.Token, logger)
}

func provideRegistry(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conn.Registry {
	delay, expiry, maxReconnects := cfg.Socket.Options()
	opts := conn.Options{
		Dialer:         conn.DialWebsocket,
		ReconnectDelay: delay,
		MaxReconnects:  maxReconnects,
		TypingExpiry:   expiry,
	}
	factory := func(id chat.ConversationID) *conn.Service {
		return conn.NewService(cfg.SocketBaseURL, opts, b, logger)
	}
	return conn.NewRegistry(factory, logger)
}

func provideMessageStore(client *rest.Client, b *bus.Bus, logger *zap.Logger) *store.MessageStore {
	return store.NewMessageStore(client, b, logger)
}

func provideIndex(client *rest.Client, b *bus.Bus, logger *zap.Logger) *index.Index {
	return index.New(client, index.Options{}, b, logger)
}

func provideCoordinator(cfg *config.Config, client *rest.Client, registry *conn.Registry,
	st *store.MessageStore, ix *index.Index, b *bus.Bus, logger *zap.Logger) *coordinator.Coordinator {
	return coordinator.New(client, registry, st, ix, b, cfg.UserID, cfg.Token, logger)
}

func registerLifecycle(lc fx.Lifecycle, coord *coordinator.Coordinator, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			coord.Start(context.Background())

			// Warm the conversation list in the background so startup does
			// not block on the API.
			go func() {
				if err := coord.LoadConversations(context.Background(), false); err != nil {
					logger.Error("initial conversation load failed", zap.Error(err))
				}
			}()

			logger.Info("sync layer started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			coord.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
