package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, so kinds
// are grouped into namespaces: "push." for events arriving on the portal's
// socket, "message." for the local send pipeline, "conversation." for list
// mutations and "session." for lifecycle changes.
const (
	KindPushPresence            = "push.presence"
	KindPushMessage             = "push.message"
	KindPushConversationUpdated = "push.conversation_updated"

	KindMessageSent       = "message.sent"
	KindMessageSendFailed = "message.send_failed"

	KindConversationCreated = "conversation.created"

	KindSessionStatusChanged = "session.status_changed"
	KindSessionAuthExpired   = "session.auth_expired"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
