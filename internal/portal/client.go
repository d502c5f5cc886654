// Package portal is the REST client for the university portal's messaging
// API. It owns the HTTP status to sentinel error mapping; everything above
// it works with domain types and errors.Is.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/campuskit/unichat/internal/chat"
)

const defaultTimeout = 30 * time.Second

// Client talks to the portal's messaging endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a portal client for the given base URL and bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrUnavailable)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ListConversations returns the authenticated user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[listConversationsResponse](data)
	if err != nil {
		return nil, err
	}
	convs := make([]chat.Conversation, 0, len(resp.Conversations))
	for _, d := range resp.Conversations {
		convs = append(convs, d.toDomain())
	}
	return convs, nil
}

// FetchMessages returns the full message history for a conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[listMessagesResponse](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(resp.Messages))
	for _, d := range resp.Messages {
		m := d.toDomain()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CreateConversation creates a conversation of the given kind with the given
// participant ids. Title is optional and only meaningful for groups.
func (c *Client) CreateConversation(ctx context.Context, kind chat.ConversationKind, title string, participantIDs []string) (chat.Conversation, error) {
	body := createConversationRequest{
		Type:         string(kind),
		Title:        title,
		Participants: participantIDs,
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/conversations", body, nil)
	if err != nil {
		return chat.Conversation{}, err
	}
	resp, err := decodeJSON[conversationDTO](data)
	if err != nil {
		return chat.Conversation{}, err
	}
	return resp.toDomain(), nil
}

// SendToConversation posts a message to the conversation-scoped endpoint.
func (c *Client) SendToConversation(ctx context.Context, conversationID, content string) (chat.Message, error) {
	body := sendMessageRequest{Content: content}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages", body, nil)
	if err != nil {
		return chat.Message{}, err
	}
	return decodeSent(data, conversationID)
}

// SendDirect posts a message to the general send endpoint, carrying the
// conversation id in the body. Used as the one-shot fallback when the
// conversation-scoped endpoint reports not found.
func (c *Client) SendDirect(ctx context.Context, conversationID, content string) (chat.Message, error) {
	body := sendMessageRequest{ConversationID: conversationID, Content: content}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", body, nil)
	if err != nil {
		return chat.Message{}, err
	}
	return decodeSent(data, conversationID)
}

func decodeSent(data []byte, conversationID string) (chat.Message, error) {
	resp, err := decodeJSON[messageDTO](data)
	if err != nil {
		return chat.Message{}, err
	}
	m := resp.toDomain()
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return m, nil
}

// SearchUsers searches portal users by name or registration number.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	q := url.Values{"q": {query}}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/search", nil, q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[searchUsersResponse](data)
	if err != nil {
		return nil, err
	}
	users := make([]chat.User, 0, len(resp.Users))
	for _, raw := range resp.Users {
		users = append(users, chat.Normalize(raw))
	}
	return users, nil
}

// CurrentUser fetches the authenticated user's profile.
func (c *Client) CurrentUser(ctx context.Context) (chat.User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/me", nil, nil)
	if err != nil {
		return chat.User{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return chat.User{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return chat.Normalize(raw), nil
}
