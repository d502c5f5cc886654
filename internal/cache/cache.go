// Package cache holds the per-conversation message cache. Entries are
// populated lazily on first selection and afterwards only appended to or
// patched, never silently truncated.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/campuskit/unichat/internal/chat"
	"go.uber.org/zap"
)

// Fetcher retrieves the full message history for a conversation.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// SelectionMarker durably records the most recent active selection so the
// next session can restore it.
type SelectionMarker interface {
	SetLastSelected(conversationID string) error
}

// Cache is the per-conversation ordered message store. It tracks the active
// selection: selecting a new conversation cancels the fetch of the previous
// one, and a superseded fetch never writes its result into the cache.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	logger  *zap.Logger
	marker  SelectionMarker

	entries map[string][]chat.Message
	// populated marks conversations whose history has been fetched.
	// A local send can seed an entry before its first fetch; such an
	// entry is not history and must not suppress the fetch.
	populated map[string]bool
	active    string
	seq       uint64
	cancel    context.CancelFunc
}

// Option configures a Cache.
type Option func(*Cache)

// WithSelectionMarker wires the durable last-selected marker.
func WithSelectionMarker(m SelectionMarker) Option {
	return func(c *Cache) { c.marker = m }
}

// New creates an empty cache backed by the given fetcher.
func New(fetcher Fetcher, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		fetcher:   fetcher,
		logger:    logger,
		entries:   make(map[string][]chat.Message),
		populated: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrFetch makes conversationID the active selection and returns its
// messages: the cached slice immediately if present, otherwise the result of
// a cancellable fetch. A fetch superseded by a newer selection returns
// context.Canceled and leaves the cache untouched.
func (c *Cache) GetOrFetch(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if c.marker != nil {
		if err := c.marker.SetLastSelected(conversationID); err != nil {
			c.logger.Warn("failed to record selection", zap.Error(err))
		}
	}
	c.mu.Lock()
	c.active = conversationID
	// Any in-flight fetch belongs to a previous selection now.
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.populated[conversationID] {
		snapshot := slices.Clone(c.entries[conversationID])
		c.mu.Unlock()
		return snapshot, nil
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	msgs, err := c.fetcher.FetchMessages(fctx, conversationID)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq || c.active != conversationID {
		// Superseded by a newer selection: discard, no cache write.
		c.logger.Debug("discarding stale message fetch", zap.String("conversation", conversationID))
		return nil, context.Canceled
	}
	c.cancel = nil
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	// Records inserted locally while the fetch was in flight (optimistic
	// sends, their reconciliations) are not in the server's response yet.
	// Merge them in; overwriting would truncate the entry.
	for _, local := range c.entries[conversationID] {
		if !hasMessage(msgs, local.ID) {
			msgs = append(msgs, local)
		}
	}
	c.entries[conversationID] = msgs
	c.populated[conversationID] = true
	return slices.Clone(msgs), nil
}

func hasMessage(msgs []chat.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}

// Messages returns the cached slice for a conversation without fetching.
func (c *Cache) Messages(conversationID string) ([]chat.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	return slices.Clone(msgs), true
}

// Active returns the currently selected conversation id.
func (c *Cache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ApplyIncoming appends msg to its conversation's entry, or replaces an
// existing record with the same id in place. Events for conversations that
// were never fetched are dropped; the first GetOrFetch retrieves full
// history from the source of truth anyway.
func (c *Cache) ApplyIncoming(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.populated[msg.ConversationID] {
		return
	}
	entry := c.entries[msg.ConversationID]
	for i, existing := range entry {
		if existing.ID == msg.ID {
			entry[i] = msg
			return
		}
	}
	c.entries[msg.ConversationID] = append(entry, msg)
}

// ApplyLocalSend inserts a pending outbound record at the cache tail,
// synchronously, before any network round trip resolves.
func (c *Cache) ApplyLocalSend(pending chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pending.ConversationID] = append(c.entries[pending.ConversationID], pending)
}

// ReconcileLocalSend replaces the pending record identified by tempID with
// the server-confirmed message. Exactly one record per logical message
// remains; the temporary id never survives alongside the server id. The
// locally known sender identity is preserved when the server response omits
// it.
func (c *Cache) ReconcileLocalSend(tempID string, confirmed chat.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[confirmed.ConversationID]
	tempIdx := -1
	for i := range entry {
		if entry[i].ID == tempID {
			tempIdx = i
			break
		}
	}
	if tempIdx < 0 {
		return false
	}
	// The server may echo our own send on the push channel before the
	// confirm response resolves; the confirmed id is then already present
	// and the temp record is simply dropped.
	if hasMessage(entry, confirmed.ID) {
		c.entries[confirmed.ConversationID] = slices.Delete(entry, tempIdx, tempIdx+1)
		return true
	}
	existing := entry[tempIdx]
	if confirmed.SenderID == "" {
		confirmed.SenderID = existing.SenderID
	}
	if confirmed.SenderName == "" {
		confirmed.SenderName = existing.SenderName
	}
	confirmed.Delivery = chat.DeliveryConfirmed
	entry[tempIdx] = confirmed
	return true
}

// MarkFailed transitions the pending record identified by tempID to failed.
// The record stays visible; recovery is manual.
func (c *Cache) MarkFailed(conversationID, tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[conversationID]
	for i := range entry {
		if entry[i].ID == tempID {
			entry[i].Delivery = chat.DeliveryFailed
			return true
		}
	}
	return false
}

// Reset drops every entry and the active selection. Used on logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.entries = make(map[string][]chat.Message)
	c.populated = make(map[string]bool)
	c.active = ""
}
