// Package resolve finds or creates 1:1 conversations, deduplicating the
// concurrent and repeated creation attempts that rapid navigation or a page
// reload can produce.
package resolve

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/notice"
	"github.com/campuskit/unichat/internal/roster"
	"go.uber.org/zap"
)

// ErrNoTarget is returned when the target user record has no id.
var ErrNoTarget = errors.New("missing target user")

// Creator creates a conversation through the portal.
type Creator interface {
	CreateConversation(ctx context.Context, kind chat.ConversationKind, title string, participantIDs []string) (chat.Conversation, error)
}

// Markers is the durable recently-created-conversation marker surface.
type Markers interface {
	MarkDirectCreated(targetUserID string) error
	RecentlyCreatedDirect(targetUserID string, window time.Duration) (bool, error)
}

// Resolver finds or creates direct conversations.
type Resolver struct {
	roster  *roster.Synchronizer
	creator Creator
	markers Markers
	bus     *bus.Bus
	flash   *notice.Flash
	logger  *zap.Logger
	self    chat.User

	window         time.Duration
	reconcileDelay time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	conv chat.Conversation
	err  error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCreationWindow overrides the recently-created marker window
// (default 60s).
func WithCreationWindow(d time.Duration) Option {
	return func(r *Resolver) { r.window = d }
}

// WithReconcileDelay overrides the delay before the forced list refresh that
// follows a creation (default 500ms).
func WithReconcileDelay(d time.Duration) Option {
	return func(r *Resolver) { r.reconcileDelay = d }
}

// NewResolver creates a resolver acting as the given user.
func NewResolver(ros *roster.Synchronizer, creator Creator, markers Markers, b *bus.Bus, flash *notice.Flash, self chat.User, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		roster:         ros,
		creator:        creator,
		markers:        markers,
		bus:            b,
		flash:          flash,
		logger:         logger,
		self:           self,
		window:         60 * time.Second,
		reconcileDelay: 500 * time.Millisecond,
		inflight:       make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the direct conversation with target, creating one if none
// exists. Concurrent calls for the same target converge on one conversation:
// the second caller waits for the first's creation instead of creating a
// duplicate.
func (r *Resolver) Resolve(ctx context.Context, target chat.User) (chat.Conversation, error) {
	if target.ID == "" {
		return chat.Conversation{}, ErrNoTarget
	}

	r.mu.Lock()
	if call, ok := r.inflight[target.ID]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.conv, call.err
		case <-ctx.Done():
			return chat.Conversation{}, ctx.Err()
		}
	}

	// Recently created through this client? If the authoritative record has
	// landed in the list by now, reuse it rather than racing a duplicate.
	if recent, err := r.markers.RecentlyCreatedDirect(target.ID, r.window); err == nil && recent {
		if conv, ok := r.findExisting(target.ID); ok {
			r.mu.Unlock()
			return conv, nil
		}
	} else if err != nil {
		r.logger.Warn("failed to read creation marker", zap.Error(err))
	}

	if conv, ok := r.findExisting(target.ID); ok {
		r.mu.Unlock()
		return conv, nil
	}

	call := &inflightCall{done: make(chan struct{})}
	r.inflight[target.ID] = call
	r.mu.Unlock()

	call.conv, call.err = r.create(ctx, target)
	close(call.done)

	r.mu.Lock()
	delete(r.inflight, target.ID)
	r.mu.Unlock()

	return call.conv, call.err
}

func (r *Resolver) findExisting(targetID string) (chat.Conversation, bool) {
	for _, conv := range r.roster.Snapshot() {
		if conv.IsDirectWith(targetID) {
			return conv, true
		}
	}
	return chat.Conversation{}, false
}

func (r *Resolver) create(ctx context.Context, target chat.User) (chat.Conversation, error) {
	created, err := r.creator.CreateConversation(ctx, chat.KindDirect, "", []string{r.self.ID, target.ID})
	if err != nil {
		r.logger.Error("conversation creation failed",
			zap.Error(err), zap.String("target", target.ID))
		if r.flash != nil {
			r.flash.Error("Could not start the conversation")
		}
		// No automatic retry; fall back to the first existing conversation
		// so the caller still has something to select.
		if list := r.roster.Snapshot(); len(list) > 0 {
			return list[0], nil
		}
		return chat.Conversation{}, err
	}

	if merr := r.markers.MarkDirectCreated(target.ID); merr != nil {
		r.logger.Warn("failed to persist creation marker", zap.Error(merr))
	}

	// Best-effort local record for immediate display; the forced refresh
	// below reconciles it with the server-assigned fields shortly after.
	conv := created
	if conv.Kind == "" {
		conv.Kind = chat.KindDirect
	}
	if len(conv.Participants) == 0 {
		conv.Participants = []chat.User{r.self, target}
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = time.Now()
	}
	if conv.CreatedBy == "" {
		conv.CreatedBy = r.self.ID
	}
	r.roster.Insert(conv)

	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      bus.KindConversationCreated,
			Timestamp: time.Now(),
			Payload:   conv,
		})
	}

	time.AfterFunc(r.reconcileDelay, func() {
		if _, err := r.roster.Refresh(context.Background(), true); err != nil {
			r.logger.Warn("post-creation refresh failed", zap.Error(err))
		}
	})

	return conv, nil
}
