// Package eventsub owns the upstream side of the bridge: the single
// Twitch EventSub WebSocket session and the subscription manager that
// keeps upstream subscriptions aligned with registered interests.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/dedupe"
	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/metrics"
)

const (
	// DefaultURL is Twitch's production EventSub WebSocket endpoint.
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

	maxFrameSize     = 4 * 1024 * 1024
	dialTimeout      = 10 * time.Second
	welcomeTimeout   = 15 * time.Second
	defaultKeepalive = 10 * time.Second
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
)

// Handler consumes classified upstream frames. The subscription manager
// implements it.
type Handler interface {
	// HandleSessionWelcome runs on every welcome, including after a
	// reconnect, with the new session id.
	HandleSessionWelcome(ctx context.Context, sessionID string)
	HandleNotification(ctx context.Context, n *domain.Notification)
	HandleRevocation(ctx context.Context, subscriptionID, status string)
}

// wsFrame is the outer shape of every EventSub WebSocket message.
type wsFrame struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string  `json:"id"`
		Status                  string  `json:"status"`
		KeepaliveTimeoutSeconds int     `json:"keepalive_timeout_seconds"`
		ReconnectURL            *string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		Condition struct {
			BroadcasterUserID   string `json:"broadcaster_user_id"`
			ToBroadcasterUserID string `json:"to_broadcaster_user_id"`
			UserID              string `json:"user_id"`
		} `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Session maintains the single upstream EventSub WebSocket connection.
// Run owns the connection end to end; nothing else reads or writes the
// socket. Reconnects follow exponential backoff with jitter, reset only
// after a successful welcome.
type Session struct {
	url     string
	handler Handler
	window  dedupe.Window
	clock   clockwork.Clock
	dialer  *websocket.Dialer

	mu        sync.Mutex
	sessionID string
}

func NewSession(url string, handler Handler, window dedupe.Window, clock clockwork.Clock) *Session {
	if url == "" {
		url = DefaultURL
	}
	return &Session{
		url:     url,
		handler: handler,
		window:  window,
		clock:   clock,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// SessionID returns the current upstream session id, empty when no
// welcome has been received yet.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects and reads frames until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	backoff := initialBackoff
	target := s.url

	for {
		if ctx.Err() != nil {
			return
		}

		reconnectURL, welcomed := s.runConnection(ctx, target)
		s.setSessionID("")
		metrics.WsSessionState.Set(0)

		if ctx.Err() != nil {
			return
		}
		if welcomed {
			backoff = initialBackoff
		}
		if reconnectURL != "" {
			// Twitch handed us a replacement URL; follow it without delay.
			target = reconnectURL
			continue
		}

		target = s.url
		wait := jitter(backoff)
		slog.Info("Upstream session lost, reconnecting", "backoff_seconds", wait.Seconds())

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runConnection drives one connection from dial to teardown. It returns
// the reconnect URL when Twitch requested a hand-over, and whether a
// welcome was seen on this connection.
func (s *Session) runConnection(ctx context.Context, target string) (reconnectURL string, welcomed bool) {
	metrics.WsSessionState.Set(1)
	slog.Info("Connecting to upstream EventSub", "url", target)

	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		slog.Warn("Upstream dial failed", "url", target, "error", err)
		return "", false
	}
	conn.SetReadLimit(maxFrameSize)

	// Unblock the read loop when ctx is cancelled.
	dialDone := make(chan struct{})
	defer close(dialDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-dialDone:
		}
	}()
	defer conn.Close()

	keepalive := defaultKeepalive
	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.classifyReadError(ctx, err)
			return "", welcomed
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("Failed to decode upstream frame", "error", err)
			continue
		}

		// Idle longer than 1.5x the advertised keepalive means the
		// session is dead even without a read error.
		_ = conn.SetReadDeadline(time.Now().Add(keepalive * 3 / 2))

		switch frame.Metadata.MessageType {
		case "session_welcome":
			var p sessionPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				slog.Error("Failed to decode session_welcome", "error", err)
				return "", welcomed
			}
			welcomed = true
			if p.Session.KeepaliveTimeoutSeconds > 0 {
				keepalive = time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second
			}
			_ = conn.SetReadDeadline(time.Now().Add(keepalive * 3 / 2))
			s.setSessionID(p.Session.ID)
			metrics.WsSessionState.Set(2)
			slog.Info("Upstream session established",
				"session_id", p.Session.ID,
				"keepalive_seconds", keepalive.Seconds(),
			)
			s.handler.HandleSessionWelcome(ctx, p.Session.ID)

		case "session_keepalive":
			// Deadline already refreshed above.

		case "session_reconnect":
			var p sessionPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				slog.Error("Failed to decode session_reconnect", "error", err)
				return "", welcomed
			}
			metrics.WsReconnectsTotal.WithLabelValues("reconnect_frame").Inc()
			if p.Session.ReconnectURL == nil || *p.Session.ReconnectURL == "" {
				slog.Warn("session_reconnect without reconnect_url, reconnecting fresh")
				return "", welcomed
			}
			slog.Info("Upstream requested session hand-over")
			return *p.Session.ReconnectURL, welcomed

		case "notification":
			s.handleNotification(ctx, &frame)

		case "revocation":
			var p notificationPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				slog.Warn("Failed to decode revocation", "error", err)
				continue
			}
			metrics.RevocationsTotal.WithLabelValues(p.Subscription.Status).Inc()
			s.handler.HandleRevocation(ctx, p.Subscription.ID, p.Subscription.Status)

		default:
			slog.Debug("Ignoring unknown upstream frame", "message_type", frame.Metadata.MessageType)
		}
	}
}

func (s *Session) handleNotification(ctx context.Context, frame *wsFrame) {
	fresh, err := s.window.Observe(ctx, frame.Metadata.MessageID)
	if err != nil {
		slog.Warn("Dedupe window lookup failed, processing anyway",
			"message_id", frame.Metadata.MessageID, "error", err)
		fresh = true
	}
	if !fresh {
		metrics.DuplicatesDropped.WithLabelValues("ws").Inc()
		return
	}

	var p notificationPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		slog.Warn("Failed to decode notification", "error", err)
		return
	}

	broadcaster := broadcasterFromEvent(p.Event)
	if broadcaster == "" {
		broadcaster = p.Subscription.Condition.BroadcasterUserID
	}
	if broadcaster == "" {
		broadcaster = p.Subscription.Condition.ToBroadcasterUserID
	}

	metrics.NotificationsTotal.WithLabelValues("ws", p.Subscription.Type).Inc()
	s.handler.HandleNotification(ctx, &domain.Notification{
		MessageID:         frame.Metadata.MessageID,
		SubscriptionID:    p.Subscription.ID,
		EventType:         p.Subscription.Type,
		BroadcasterUserID: broadcaster,
		Timestamp:         frame.Metadata.MessageTimestamp,
		Event:             p.Event,
		Transport:         domain.TransportWs,
	})
}

func (s *Session) classifyReadError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		metrics.WsKeepaliveMisses.Inc()
		metrics.WsReconnectsTotal.WithLabelValues("keepalive_timeout").Inc()
		slog.Warn("Upstream keepalive deadline missed")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		metrics.WsReconnectsTotal.WithLabelValues("close").Inc()
		slog.Info("Upstream closed the session", "error", err)
	default:
		metrics.WsReconnectsTotal.WithLabelValues("read_error").Inc()
		slog.Warn("Upstream read failed", "error", err)
	}
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// broadcasterFromEvent pulls the broadcaster id out of the event body.
// channel.raid carries it as to_broadcaster_user_id.
func broadcasterFromEvent(event json.RawMessage) string {
	if len(event) == 0 {
		return ""
	}
	var fields struct {
		BroadcasterUserID   string `json:"broadcaster_user_id"`
		ToBroadcasterUserID string `json:"to_broadcaster_user_id"`
	}
	if err := json.Unmarshal(event, &fields); err != nil {
		return ""
	}
	if fields.BroadcasterUserID != "" {
		return fields.BroadcasterUserID
	}
	return fields.ToBroadcasterUserID
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
