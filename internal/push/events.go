package push

import (
	"encoding/json"
	"time"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/chat"
	"go.uber.org/zap"
)

// envelope is the wire format of every socket frame, both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Wire payloads. Sender records arrive with the same inconsistent field
// names as the REST endpoints and go through chat.Normalize here.
type wireMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Sender         map[string]any `json:"sender"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type wireConversationUpdate struct {
	ConversationID string       `json:"conversationId"`
	LastMessageAt  time.Time    `json:"lastMessageAt"`
	Message        *wireMessage `json:"message"`
}

func (w wireMessage) toDomain() chat.Message {
	msg := chat.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		Delivery:       chat.DeliveryConfirmed,
	}
	if w.Sender != nil {
		sender := chat.Normalize(w.Sender)
		if msg.SenderID == "" {
			msg.SenderID = sender.ID
		}
		msg.SenderName = sender.DisplayName
	}
	return msg
}

// Handler parses socket frames and publishes the corresponding domain
// events on the bus. It does not apply them itself; the live reconciler
// subscribes independently.
type Handler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewHandler creates a frame handler.
func NewHandler(b *bus.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bus: b, logger: logger}
}

// Handle processes one raw socket frame.
func (h *Handler) Handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("unparseable socket frame", zap.Error(err))
		return
	}

	switch env.Event {
	case "getUsers":
		var rawUsers []map[string]any
		if err := json.Unmarshal(env.Data, &rawUsers); err != nil {
			h.logger.Warn("bad presence snapshot", zap.Error(err))
			return
		}
		users := make([]chat.User, 0, len(rawUsers))
		for _, r := range rawUsers {
			users = append(users, chat.Normalize(r))
		}
		h.bus.Publish(bus.Event{
			Kind:      bus.KindPushPresence,
			Timestamp: time.Now(),
			Payload:   users,
		})
	case "new-message":
		var wm wireMessage
		if err := json.Unmarshal(env.Data, &wm); err != nil {
			h.logger.Warn("bad new-message frame", zap.Error(err))
			return
		}
		h.bus.Publish(bus.Event{
			Kind:      bus.KindPushMessage,
			Timestamp: time.Now(),
			Payload:   wm.toDomain(),
		})
	case "conversation-updated":
		var wu wireConversationUpdate
		if err := json.Unmarshal(env.Data, &wu); err != nil {
			h.logger.Warn("bad conversation-updated frame", zap.Error(err))
			return
		}
		update := chat.ConversationUpdate{
			ConversationID: wu.ConversationID,
			LastMessageAt:  wu.LastMessageAt,
		}
		if wu.Message != nil {
			msg := wu.Message.toDomain()
			if msg.ConversationID == "" {
				msg.ConversationID = wu.ConversationID
			}
			update.Preview = &msg
			if update.LastMessageAt.IsZero() {
				update.LastMessageAt = msg.CreatedAt
			}
		}
		h.bus.Publish(bus.Event{
			Kind:      bus.KindPushConversationUpdated,
			Timestamp: time.Now(),
			Payload:   update,
		})
	default:
		h.logger.Debug("ignoring socket event", zap.String("event", env.Event))
	}
}
