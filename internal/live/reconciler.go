// Package live merges push-channel events into the conversation list and
// the active conversation's message cache.
package live

import (
	"context"
	"sync"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/cache"
	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/roster"
	"go.uber.org/zap"
)

// Reconciler subscribes to "push.*" events on the bus and applies them. It
// also holds the online-user set, replaced wholesale on each presence
// snapshot.
type Reconciler struct {
	cache  *cache.Cache
	roster *roster.Synchronizer
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu     sync.RWMutex
	online map[string]chat.User
}

// NewReconciler creates a reconciler over the given cache and list.
func NewReconciler(c *cache.Cache, r *roster.Synchronizer, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cache:  c,
		roster: r,
		bus:    b,
		logger: logger,
		online: make(map[string]chat.User),
	}
}

// Start subscribes to push events on the bus.
func (rc *Reconciler) Start(ctx context.Context) {
	ctx, rc.cancel = context.WithCancel(ctx)
	ch, unsub := rc.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				rc.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (rc *Reconciler) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
}

func (rc *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPushPresence:
		users, ok := evt.Payload.([]chat.User)
		if !ok {
			return
		}
		rc.replacePresence(users)
	case bus.KindPushMessage:
		msg, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		rc.handleMessage(msg)
	case bus.KindPushConversationUpdated:
		update, ok := evt.Payload.(chat.ConversationUpdate)
		if !ok {
			return
		}
		rc.handleConversationUpdate(update)
	}
}

func (rc *Reconciler) replacePresence(users []chat.User) {
	next := make(map[string]chat.User, len(users))
	for _, u := range users {
		next[u.ID] = u
	}
	rc.mu.Lock()
	rc.online = next
	rc.mu.Unlock()
}

// handleMessage appends to the message cache only when the event concerns
// the active selection; the list head move and preview update happen either
// way, so reordering works for conversations that are not open.
func (rc *Reconciler) handleMessage(msg chat.Message) {
	if rc.cache.Active() == msg.ConversationID {
		rc.cache.ApplyIncoming(msg)
	}
	if !rc.roster.Touch(msg.ConversationID, msg.CreatedAt, &msg) {
		rc.logger.Debug("live message for unknown conversation",
			zap.String("conversation", msg.ConversationID))
	}
}

func (rc *Reconciler) handleConversationUpdate(update chat.ConversationUpdate) {
	if update.Preview != nil && rc.cache.Active() == update.ConversationID {
		rc.cache.ApplyIncoming(*update.Preview)
	}
	rc.roster.Touch(update.ConversationID, update.LastMessageAt, update.Preview)
}

// Online returns the current online-user snapshot.
func (rc *Reconciler) Online() []chat.User {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	users := make([]chat.User, 0, len(rc.online))
	for _, u := range rc.online {
		users = append(users, u)
	}
	return users
}

// IsOnline reports whether the given user is in the last presence snapshot.
func (rc *Reconciler) IsOnline(userID string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.online[userID]
	return ok
}
