// Package daemon composes the pipeline into a long-running process: one
// session directory, one store, one socket, one event bus.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"github.com/mlourenco/cipherchat/internal/chatapi"
	"github.com/mlourenco/cipherchat/internal/client"
	"github.com/mlourenco/cipherchat/internal/config"
	"github.com/mlourenco/cipherchat/internal/conn"
	"github.com/mlourenco/cipherchat/internal/crypto"
	"github.com/mlourenco/cipherchat/internal/keys"
	"github.com/mlourenco/cipherchat/internal/lock"
	"github.com/mlourenco/cipherchat/internal/logging"
	"github.com/mlourenco/cipherchat/internal/outbox"
	"github.com/mlourenco/cipherchat/internal/session"
	"github.com/mlourenco/cipherchat/internal/store"
	intsync "github.com/mlourenco/cipherchat/internal/sync"
	"github.com/mlourenco/cipherchat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session and credentials passed to the fx module.
type Params struct {
	SessionName string
	Username    string
	Password    string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideKeys,
			provideEnvelope,
			provideAPIClient,
			provideConnManager,
			provideQueue,
			provideSyncManager,
			provideMessenger,
			provideTransport,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Info("no config file, using defaults", zap.String("path", session.ConfigPath()))
		cfg = &config.Config{Server: config.Server{
			BaseURL:   config.DefaultBaseURL,
			SocketURL: config.DefaultSocketURL,
		}}
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKeys(p Params, logger *zap.Logger) (*keys.Store, *keys.Pair, error) {
	ks := keys.NewStore(session.KeysDir(p.SessionName))
	pair, err := ks.LoadOrCreate()
	if err != nil {
		return nil, nil, err
	}
	logger.Info("session keypair loaded")
	return ks, pair, nil
}

func provideEnvelope(pair *keys.Pair, ks *keys.Store) (*crypto.Envelope, error) {
	cipher, err := crypto.NewBoxCipher(pair.PrivateKey)
	if err != nil {
		return nil, err
	}
	return crypto.NewEnvelope(cipher, ks), nil
}

func provideAPIClient(cfg *config.Config) *chatapi.Client {
	return chatapi.NewClient(cfg.Server.BaseURL, nil)
}

func provideConnManager(b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Options{}, b, logger)
}

func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, logger)
}

func provideSyncManager(api *chatapi.Client, db *store.DB, envelope *crypto.Envelope, b *bus.Bus, logger *zap.Logger) (*intsync.Manager, error) {
	return intsync.NewManager(api, db, envelope, b, logger)
}

func provideMessenger(db *store.DB, queue *outbox.Queue, envelope *crypto.Envelope, cm *conn.Manager, b *bus.Bus, logger *zap.Logger) *client.Messenger {
	return client.NewMessenger(db, queue, envelope, cm, b, logger)
}

func provideTransport(cfg *config.Config, cm *conn.Manager, queue *outbox.Queue, db *store.DB, envelope *crypto.Envelope, b *bus.Bus, syncer *intsync.Manager, messenger *client.Messenger, logger *zap.Logger) *transport.Handler {
	return transport.NewHandler(transport.Options{URL: cfg.Server.SocketURL},
		cm, queue, db, envelope, b, syncer, messenger, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, api *chatapi.Client, handler *transport.Handler, messenger *client.Messenger, syncer *intsync.Manager, queue *outbox.Queue, b *bus.Bus, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			messenger.AttachTransport(handler)

			sess, err := api.Login(ctx, p.Username, p.Password)
			if err != nil {
				return err
			}
			logger.Info("authenticated",
				zap.Int64("user_id", sess.User.ID),
				zap.String("username", sess.User.Username))

			handler.SetCredentials(sess.Token, sess.User.ID)
			syncer.SetIdentity(sess.User.ID)

			go func() {
				if err := handler.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			go watchReconnectRequests(b, handler, stop, logger)
			go maintenanceLoop(queue, stop, logger)

			return nil
		},
		OnStop: func(context.Context) error {
			close(stop)
			if err := handler.Close(); err != nil {
				logger.Warn("transport close", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("store close", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("lock release", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchReconnectRequests dials immediately whenever the connection manager
// asks for it (network came back, or the user hit retry).
func watchReconnectRequests(b *bus.Bus, handler *transport.Handler, stop <-chan struct{}, logger *zap.Logger) {
	events, cancel := b.Subscribe(bus.KindReconnectRequested, 4)
	defer cancel()

	for {
		select {
		case <-stop:
			return
		case <-events:
			if err := handler.Connect(context.Background()); err != nil {
				logger.Warn("requested reconnect failed", zap.Error(err))
			}
		}
	}
}

// maintenanceLoop purges acknowledged outbox entries past their retention
// window, hourly.
func maintenanceLoop(queue *outbox.Queue, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := queue.ClearOldSent(outbox.DefaultSentRetention)
			if err != nil {
				logger.Warn("outbox purge failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("purged acknowledged messages", zap.Int64("count", n))
			}
		}
	}
}
