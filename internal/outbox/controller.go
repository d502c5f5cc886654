// Package outbox manages the pending → confirmed/failed lifecycle of
// outbound messages. A send is optimistic: the pending record is visible in
// the cache and the conversation preview before the network call starts.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/cache"
	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/notice"
	"github.com/campuskit/unichat/internal/portal"
	"github.com/campuskit/unichat/internal/roster"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Validation sentinels. These are rejected before any network call and
// never reach retry or fallback logic.
var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrNoConversation = errors.New("missing conversation id")
)

// Sender is the portal surface the controller needs: the conversation-scoped
// send endpoint and the general fallback endpoint.
type Sender interface {
	SendToConversation(ctx context.Context, conversationID, content string) (chat.Message, error)
	SendDirect(ctx context.Context, conversationID, content string) (chat.Message, error)
}

// Controller drives optimistic sends.
type Controller struct {
	cache  *cache.Cache
	roster *roster.Synchronizer
	sender Sender
	bus    *bus.Bus
	flash  *notice.Flash
	logger *zap.Logger
	self   chat.User
}

// NewController creates a send controller acting as the given user.
func NewController(c *cache.Cache, r *roster.Synchronizer, sender Sender, b *bus.Bus, flash *notice.Flash, self chat.User, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cache:  c,
		roster: r,
		sender: sender,
		bus:    b,
		flash:  flash,
		logger: logger,
		self:   self,
	}
}

// Send validates the input, inserts a pending record into the message cache
// and the conversation preview, and returns it synchronously for immediate
// display. The network attempt runs in the background; the record is later
// reconciled to confirmed or failed by id.
func (ctl *Controller) Send(ctx context.Context, conversationID, content string) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	now := time.Now()
	pending := chat.Message{
		ID:             "local-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       ctl.self.ID,
		SenderName:     ctl.self.DisplayName,
		Content:        content,
		CreatedAt:      now,
		Delivery:       chat.DeliveryPending,
	}

	ctl.cache.ApplyLocalSend(pending)
	preview := pending
	ctl.roster.Touch(conversationID, now, &preview)

	go ctl.deliver(ctx, pending)

	return pending, nil
}

// deliver attempts the conversation-scoped endpoint, falling back exactly
// once to the general endpoint when the scoped one reports not found.
func (ctl *Controller) deliver(ctx context.Context, pending chat.Message) {
	confirmed, err := ctl.sender.SendToConversation(ctx, pending.ConversationID, pending.Content)
	if err != nil && errors.Is(err, portal.ErrNotFound) {
		ctl.logger.Info("conversation send endpoint missing, using general endpoint",
			zap.String("conversation", pending.ConversationID))
		confirmed, err = ctl.sender.SendDirect(ctx, pending.ConversationID, pending.Content)
	}
	if err != nil {
		ctl.fail(pending, err)
		return
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = pending.ConversationID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}
	if !ctl.cache.ReconcileLocalSend(pending.ID, confirmed) {
		ctl.logger.Warn("pending record vanished before reconciliation",
			zap.String("temp_id", pending.ID))
	}
	reconciled := confirmed
	reconciled.Delivery = chat.DeliveryConfirmed
	ctl.roster.Touch(pending.ConversationID, reconciled.CreatedAt, &reconciled)

	// Other sessions and views reconcile from this event; the push socket
	// forwards it to the server.
	ctl.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSent,
		Timestamp: time.Now(),
		Payload:   reconciled,
	})
}

func (ctl *Controller) fail(pending chat.Message, err error) {
	ctl.logger.Error("message send failed",
		zap.Error(err),
		zap.String("temp_id", pending.ID),
		zap.String("conversation", pending.ConversationID))
	ctl.cache.MarkFailed(pending.ConversationID, pending.ID)
	if ctl.flash != nil {
		ctl.flash.Error("Message could not be sent")
	}
	ctl.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   pending,
	})
}
