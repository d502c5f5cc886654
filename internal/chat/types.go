// Package chat holds the domain types shared by the synchronization engine.
package chat

import "time"

// ConversationKind distinguishes 1:1 threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// DeliveryState tracks the lifecycle of an outbound message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// User is an immutable participant snapshot.
type User struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Message is a single chat message. ID holds the server id, or a
// client-generated temporary id while the message is pending.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      time.Time
	Delivery       DeliveryState
}

// Conversation is one entry of the conversation list. Preview holds a small
// most-recent-first window of messages for list rendering.
type Conversation struct {
	ID            string
	Kind          ConversationKind
	Title         string
	Participants  []User
	LastMessageAt time.Time
	CreatedBy     string
	Preview       []Message
}

// ConversationUpdate is the payload of a conversation-updated live event:
// another participant's send was acknowledged by the server rather than
// observed directly.
type ConversationUpdate struct {
	ConversationID string
	LastMessageAt  time.Time
	Preview        *Message
}

// IsDirectWith reports whether c is a 1:1 conversation that includes userID.
func (c *Conversation) IsDirectWith(userID string) bool {
	if c.Kind != KindDirect {
		return false
	}
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// PushPreview prepends m to the preview window, keeping it most-recent-first
// and bounded.
func (c *Conversation) PushPreview(m Message, max int) {
	if max <= 0 {
		max = 5
	}
	for i, existing := range c.Preview {
		if existing.ID == m.ID {
			c.Preview[i] = m
			return
		}
	}
	c.Preview = append([]Message{m}, c.Preview...)
	if len(c.Preview) > max {
		c.Preview = c.Preview[:max]
	}
}
