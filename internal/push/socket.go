// Package push maintains the websocket connection to the portal's push
// channel: it joins the user's room, republishes inbound events on the bus
// and forwards locally confirmed sends back to the server.
package push

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/campuskit/unichat/internal/bus"
	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Socket is the push-channel client.
type Socket struct {
	url     string
	token   string
	selfID  string
	bus     *bus.Bus
	machine *status.Machine
	handler *Handler
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewSocket creates a push-channel client for the given socket URL, acting
// as the user with selfID.
func NewSocket(url, token, selfID string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		url:     url,
		token:   token,
		selfID:  selfID,
		bus:     b,
		machine: machine,
		handler: NewHandler(b, logger),
		logger:  logger,
	}
}

// Start begins the connect/read loop and the outbound forwarder.
func (s *Socket) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	go s.forwardSent(ctx)
}

// Stop disconnects and stops the loops.
func (s *Socket) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Socket) run(ctx context.Context) {
	delay := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Connecting)

		header := http.Header{}
		if s.token != "" {
			header.Set("Authorization", "Bearer "+s.token)
		}
		conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				s.logger.Warn("push channel rejected credentials")
				_ = s.machine.Transition(status.AuthRequired)
				s.bus.Publish(bus.Event{Kind: bus.KindSessionAuthExpired, Timestamp: time.Now()})
				return
			}
			s.logger.Warn("push channel connect failed",
				zap.Error(err), zap.Duration("retry_in", delay))
			_ = s.machine.Transition(status.Reconnecting)
			if !sleepCtx(ctx, withJitter(delay)) {
				return
			}
			delay = min(delay*2, reconnectMax)
			continue
		}

		// Join the user's own room so the server routes our events here.
		if err := wsjson.Write(ctx, conn, outEnvelope{Event: "join", Data: s.selfID}); err != nil {
			s.logger.Warn("join directive failed", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "join failed")
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		_ = s.machine.Transition(status.Ready)
		s.logger.Info("push channel connected")
		delay = reconnectBase

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("push channel disconnected")
		_ = s.machine.Transition(status.Reconnecting)
		if !sleepCtx(ctx, withJitter(delay)) {
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handler.Handle(data)
	}
}

// forwardSent forwards locally confirmed sends to the server so other
// sessions of the same user can reconcile.
func (s *Socket) forwardSent(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(bus.KindMessageSent, 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			msg, ok := evt.Payload.(chat.Message)
			if !ok {
				continue
			}
			s.emit(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Socket) emit(ctx context.Context, msg chat.Message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	payload := map[string]any{
		"conversationId": msg.ConversationID,
		"message": map[string]any{
			"id":             msg.ID,
			"conversationId": msg.ConversationID,
			"senderId":       msg.SenderID,
			"content":        msg.Content,
			"createdAt":      msg.CreatedAt,
		},
	}
	if err := wsjson.Write(ctx, conn, outEnvelope{Event: "message-sent", Data: payload}); err != nil {
		s.logger.Warn("failed to forward sent message", zap.Error(err))
	}
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
