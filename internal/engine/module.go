package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/cache"
	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/config"
	"github.com/campuskit/unichat/internal/live"
	"github.com/campuskit/unichat/internal/lock"
	"github.com/campuskit/unichat/internal/logging"
	"github.com/campuskit/unichat/internal/marker"
	"github.com/campuskit/unichat/internal/notice"
	"github.com/campuskit/unichat/internal/outbox"
	"github.com/campuskit/unichat/internal/portal"
	"github.com/campuskit/unichat/internal/push"
	"github.com/campuskit/unichat/internal/resolve"
	"github.com/campuskit/unichat/internal/roster"
	"github.com/campuskit/unichat/internal/session"
	"github.com/campuskit/unichat/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the sync engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideMarkers,
			providePortal,
			provideSelf,
			provideFlash,
			provideCache,
			provideRoster,
			provideController,
			provideResolver,
			provideReconciler,
			provideSocket,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideMarkers(p Params, logger *zap.Logger) (*marker.Store, error) {
	path := session.MarkerDBPath(p.ProfileName)
	st, err := marker.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("marker store opened", zap.String("path", path))
	return st, nil
}

func providePortal(p Params) (*portal.Client, error) {
	if p.Config.ServerURL == "" {
		return nil, fmt.Errorf("server_url not configured")
	}
	return portal.NewClient(p.Config.ServerURL, p.Config.Token), nil
}

func provideSelf(client *portal.Client, logger *zap.Logger) (chat.User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	self, err := client.CurrentUser(ctx)
	if err != nil {
		return chat.User{}, fmt.Errorf("resolve current user: %w", err)
	}
	logger.Info("signed in", zap.String("user", self.ID), zap.String("name", self.DisplayName))
	return self, nil
}

func provideFlash() *notice.Flash {
	return &notice.Flash{}
}

func provideCache(client *portal.Client, markers *marker.Store, logger *zap.Logger) *cache.Cache {
	return cache.New(client, logger, cache.WithSelectionMarker(markers))
}

func provideRoster(p Params, client *portal.Client, markers *marker.Store, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *roster.Synchronizer {
	sc := p.Config.Sync
	backoff := make([]time.Duration, sc.Retries())
	for i := range backoff {
		backoff[i] = sc.RetryBackoffBase() << i
	}
	return roster.New(client, logger,
		roster.WithStaleness(sc.ListStaleness()),
		roster.WithBackoff(backoff),
		roster.WithMarkers(markers),
		roster.WithAuthExpiredFunc(func(err error) {
			logger.Warn("portal session expired", zap.Error(err))
			_ = machine.Transition(status.AuthRequired)
			b.Publish(bus.Event{Kind: bus.KindSessionAuthExpired, Payload: err})
		}),
	)
}

func provideController(c *cache.Cache, r *roster.Synchronizer, client *portal.Client, b *bus.Bus, flash *notice.Flash, self chat.User, logger *zap.Logger) *outbox.Controller {
	return outbox.NewController(c, r, client, b, flash, self, logger)
}

func provideResolver(p Params, r *roster.Synchronizer, client *portal.Client, markers *marker.Store, b *bus.Bus, flash *notice.Flash, self chat.User, logger *zap.Logger) *resolve.Resolver {
	sc := p.Config.Sync
	return resolve.NewResolver(r, client, markers, b, flash, self, logger,
		resolve.WithCreationWindow(sc.CreationWindow()),
		resolve.WithReconcileDelay(sc.ReconcileDelay()),
	)
}

func provideReconciler(c *cache.Cache, r *roster.Synchronizer, b *bus.Bus, logger *zap.Logger) *live.Reconciler {
	return live.NewReconciler(c, r, b, logger)
}

func provideSocket(p Params, self chat.User, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *push.Socket {
	return push.NewSocket(p.Config.SocketURL, p.Config.Token, self.ID, b, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, markers *marker.Store, r *roster.Synchronizer, c *cache.Cache, reconciler *live.Reconciler, socket *push.Socket, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			reconciler.Start(context.Background())
			socket.Start(context.Background())

			// Warm the conversation list without blocking startup, then
			// restore the previous session's selection.
			go func() {
				if _, err := r.Refresh(context.Background(), true); err != nil {
					logger.Warn("initial list refresh failed", zap.Error(err))
					return
				}
				id, err := markers.LastSelected()
				if err != nil || id == "" {
					return
				}
				if _, ok := r.Get(id); !ok {
					return
				}
				if _, err := c.GetOrFetch(context.Background(), id); err != nil {
					logger.Warn("failed to restore selection", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			socket.Stop()
			reconciler.Stop()
			if err := markers.Close(); err != nil {
				logger.Warn("error closing marker store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
