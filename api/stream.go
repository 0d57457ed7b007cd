package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrader/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultActivityWSURL = "wss://ws-live-data.polymarket.com"

// ActivityHandler receives each trade pushed by the feed.
type ActivityHandler func(Activity)

type streamMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ActivityStream subscribes to the real-time activity feed and reconnects
// until its context is done.
type ActivityStream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialer         websocket.Dialer
	logger         *zap.Logger
}

// NewActivityStream creates a stream client.
func NewActivityStream(url string, reconnectDelay time.Duration, logger *zap.Logger) *ActivityStream {
	if url == "" {
		url = DefaultActivityWSURL
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &ActivityStream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   10 * time.Second,
		dialer:         websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logging.OrNop(logger).Named("activity_ws"),
	}
}

// Run blocks, delivering trades to handle, and returns ctx.Err() on shutdown.
func (s *ActivityStream) Run(ctx context.Context, handle ActivityHandler) error {
	for {
		err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("activity stream disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", s.reconnectDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *ActivityStream) session(ctx context.Context, handle ActivityHandler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}
	s.logger.Info("activity stream subscribed", zap.String("url", s.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks ReadMessage.
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("server closed stream")
			}
			return fmt.Errorf("read: %w", err)
		}
		if a, ok := decodeStreamTrade(data); ok {
			handle(a)
		}
	}
}

func decodeStreamTrade(data []byte) (Activity, bool) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic != "activity" || len(msg.Payload) == 0 {
		return Activity{}, false
	}
	var row DataActivity
	if err := json.Unmarshal(msg.Payload, &row); err != nil {
		return Activity{}, false
	}
	if row.Type == "" {
		row.Type = "TRADE"
	}
	return row.toActivity(), true
}
