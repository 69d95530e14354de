package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/dedupe"
	"github.com/kwld/twitch-bridge/internal/domain"
)

type revocationCall struct {
	subscriptionID string
	status         string
}

type recordingHandler struct {
	welcomes      chan string
	notifications chan *domain.Notification
	revocations   chan revocationCall
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		welcomes:      make(chan string, 16),
		notifications: make(chan *domain.Notification, 16),
		revocations:   make(chan revocationCall, 16),
	}
}

func (h *recordingHandler) HandleSessionWelcome(_ context.Context, sessionID string) {
	h.welcomes <- sessionID
}

func (h *recordingHandler) HandleNotification(_ context.Context, n *domain.Notification) {
	h.notifications <- n
}

func (h *recordingHandler) HandleRevocation(_ context.Context, subscriptionID, status string) {
	h.revocations <- revocationCall{subscriptionID: subscriptionID, status: status}
}

// newFrameServer runs a WebSocket server that hands the connection to
// script and then keeps it open until the client disconnects. Returns
// the ws:// URL.
func newFrameServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func startSession(t *testing.T, url string) (*Session, *recordingHandler) {
	t.Helper()

	clock := clockwork.NewRealClock()
	handler := newRecordingHandler()
	session := NewSession(url, handler, dedupe.NewMemoryWindow(clock, time.Minute, 64), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop after cancel")
		}
	})

	return session, handler
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func welcomeFrame(sessionID string, keepaliveSeconds int) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id": "welcome-%s", "message_type": "session_welcome", "message_timestamp": "2026-08-06T10:00:00Z"},
		"payload": {"session": {"id": %q, "status": "connected", "keepalive_timeout_seconds": %d}}
	}`, sessionID, sessionID, keepaliveSeconds)
}

func notificationFrame(messageID, subscriptionID, eventType, event string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id": %q, "message_type": "notification", "message_timestamp": "2026-08-06T10:00:05Z"},
		"payload": {
			"subscription": {"id": %q, "type": %q, "status": "enabled", "condition": {"broadcaster_user_id": "10001"}},
			"event": %s
		}
	}`, messageID, subscriptionID, eventType, event)
}

func expectWelcome(t *testing.T, handler *recordingHandler) string {
	t.Helper()
	select {
	case id := <-handler.welcomes:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no session welcome received")
		return ""
	}
}

func expectNotification(t *testing.T, handler *recordingHandler) *domain.Notification {
	t.Helper()
	select {
	case n := <-handler.notifications:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

func TestSessionWelcome(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
	})
	session, handler := startSession(t, url)

	assert.Equal(t, "sess-1", expectWelcome(t, handler))
	assert.Equal(t, "sess-1", session.SessionID())
}

func TestSessionNotificationRouted(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
		sendFrame(t, conn, notificationFrame("msg-1", "sub-1", "channel.follow",
			`{"broadcaster_user_id": "10001", "user_name": "viewer"}`))
	})
	_, handler := startSession(t, url)

	expectWelcome(t, handler)
	n := expectNotification(t, handler)

	assert.Equal(t, "msg-1", n.MessageID)
	assert.Equal(t, "sub-1", n.SubscriptionID)
	assert.Equal(t, "channel.follow", n.EventType)
	assert.Equal(t, "10001", n.BroadcasterUserID)
	assert.Equal(t, domain.TransportWs, n.Transport)
	assert.Equal(t, time.Date(2026, 8, 6, 10, 0, 5, 0, time.UTC), n.Timestamp)
	assert.JSONEq(t, `{"broadcaster_user_id": "10001", "user_name": "viewer"}`, string(n.Event))
}

func TestSessionDuplicateNotificationDropped(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
		sendFrame(t, conn, notificationFrame("msg-1", "sub-1", "channel.follow", `{"broadcaster_user_id": "10001"}`))
		sendFrame(t, conn, notificationFrame("msg-1", "sub-1", "channel.follow", `{"broadcaster_user_id": "10001"}`))
		sendFrame(t, conn, notificationFrame("msg-2", "sub-1", "channel.follow", `{"broadcaster_user_id": "10001"}`))
	})
	_, handler := startSession(t, url)

	expectWelcome(t, handler)
	assert.Equal(t, "msg-1", expectNotification(t, handler).MessageID)
	assert.Equal(t, "msg-2", expectNotification(t, handler).MessageID)

	select {
	case n := <-handler.notifications:
		t.Fatalf("duplicate delivered: %s", n.MessageID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionRevocationRouted(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
		sendFrame(t, conn, `{
			"metadata": {"message_id": "rev-1", "message_type": "revocation", "message_timestamp": "2026-08-06T10:00:05Z"},
			"payload": {"subscription": {"id": "sub-1", "type": "channel.follow", "status": "authorization_revoked"}}
		}`)
	})
	_, handler := startSession(t, url)

	expectWelcome(t, handler)
	select {
	case call := <-handler.revocations:
		assert.Equal(t, "sub-1", call.subscriptionID)
		assert.Equal(t, "authorization_revoked", call.status)
	case <-time.After(2 * time.Second):
		t.Fatal("no revocation received")
	}
}

func TestSessionReconnectHandover(t *testing.T) {
	replacement := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-2", 30))
	})
	original := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
		sendFrame(t, conn, fmt.Sprintf(`{
			"metadata": {"message_id": "rec-1", "message_type": "session_reconnect", "message_timestamp": "2026-08-06T10:00:05Z"},
			"payload": {"session": {"id": "sess-1", "status": "reconnecting", "reconnect_url": %q}}
		}`, replacement))
	})
	session, handler := startSession(t, original)

	assert.Equal(t, "sess-1", expectWelcome(t, handler))
	assert.Equal(t, "sess-2", expectWelcome(t, handler))
	assert.Equal(t, "sess-2", session.SessionID())
}

func TestSessionSurvivesMalformedFrame(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, "not json at all")
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
	})
	_, handler := startSession(t, url)

	assert.Equal(t, "sess-1", expectWelcome(t, handler))
}

func TestSessionIgnoresUnknownFrameType(t *testing.T) {
	url := newFrameServer(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, welcomeFrame("sess-1", 30))
		sendFrame(t, conn, `{
			"metadata": {"message_id": "odd-1", "message_type": "session_surprise", "message_timestamp": "2026-08-06T10:00:05Z"},
			"payload": {}
		}`)
		sendFrame(t, conn, notificationFrame("msg-1", "sub-1", "channel.follow", `{"broadcaster_user_id": "10001"}`))
	})
	_, handler := startSession(t, url)

	expectWelcome(t, handler)
	assert.Equal(t, "msg-1", expectNotification(t, handler).MessageID)
}

func TestBroadcasterFromEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  string
	}{
		{"empty", "", ""},
		{"broadcaster field", `{"broadcaster_user_id": "10001"}`, "10001"},
		{"raid target field", `{"to_broadcaster_user_id": "10002"}`, "10002"},
		{"broadcaster wins over raid target", `{"broadcaster_user_id": "10001", "to_broadcaster_user_id": "10002"}`, "10001"},
		{"neither present", `{"user_name": "viewer"}`, ""},
		{"invalid json", `{{`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, broadcasterFromEvent(json.RawMessage(tt.event)))
		})
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for range 100 {
		d := jitter(4 * time.Second)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
