package portal

import (
	"time"

	"github.com/campuskit/unichat/internal/chat"
)

// Wire shapes for the portal's REST endpoints. Participant and sender
// records arrive with inconsistent field names depending on the endpoint,
// so they are decoded as raw maps and passed through chat.Normalize here,
// at the boundary. Nothing downstream sees the raw variants.

type conversationDTO struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Title         string           `json:"title"`
	Participants  []map[string]any `json:"participants"`
	CreatedBy     string           `json:"createdBy"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	Messages      []messageDTO     `json:"messages"`
}

type messageDTO struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Sender         map[string]any `json:"sender"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type listConversationsResponse struct {
	Conversations []conversationDTO `json:"conversations"`
}

type listMessagesResponse struct {
	Messages []messageDTO `json:"messages"`
}

type searchUsersResponse struct {
	Users []map[string]any `json:"users"`
}

type createConversationRequest struct {
	Type         string   `json:"type"`
	Title        string   `json:"title,omitempty"`
	Participants []string `json:"participants"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

func (d conversationDTO) toDomain() chat.Conversation {
	conv := chat.Conversation{
		ID:            d.ID,
		Kind:          chat.ConversationKind(d.Type),
		Title:         d.Title,
		CreatedBy:     d.CreatedBy,
		LastMessageAt: d.LastMessageAt,
	}
	for _, raw := range d.Participants {
		conv.Participants = append(conv.Participants, chat.Normalize(raw))
	}
	for _, m := range d.Messages {
		conv.Preview = append(conv.Preview, m.toDomain())
	}
	return conv
}

func (d messageDTO) toDomain() chat.Message {
	msg := chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		CreatedAt:      d.CreatedAt,
		Delivery:       chat.DeliveryConfirmed,
	}
	if d.Sender != nil {
		sender := chat.Normalize(d.Sender)
		if msg.SenderID == "" {
			msg.SenderID = sender.ID
		}
		msg.SenderName = sender.DisplayName
	}
	return msg
}
