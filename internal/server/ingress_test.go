package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/dedupe"
	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

const ingressSecret = "webhook-transport-secret"

type fakeRouter struct {
	mu            sync.Mutex
	notifications []*domain.Notification
	revocations   []revocation
}

type revocation struct {
	subscriptionID string
	status         string
}

func (f *fakeRouter) HandleNotification(_ context.Context, n *domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
}

func (f *fakeRouter) HandleRevocation(_ context.Context, subscriptionID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revocations = append(f.revocations, revocation{subscriptionID: subscriptionID, status: status})
}

func (f *fakeRouter) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

type ingressEnv struct {
	http   *httptest.Server
	router *fakeRouter
	clock  *clockwork.FakeClock
}

func newIngressEnv(t *testing.T) *ingressEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC))
	router := &fakeRouter{}
	ingress := NewIngress(ingressSecret, dedupe.NewMemoryWindow(clock, time.Minute, 64), router, clock)

	e := echo.New()
	e.POST("/webhooks/twitch/eventsub", ingress.Handle)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &ingressEnv{http: server, router: router, clock: clock}
}

// post sends a signed webhook request. Pass an empty signature to have a
// valid one computed from the real ingress secret.
func (env *ingressEnv) post(t *testing.T, messageID, messageType, timestamp, signature string, body []byte) *http.Response {
	t.Helper()

	if signature == "" {
		signature = twitch.ComputeSignature(ingressSecret, messageID, timestamp, body)
	}

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/webhooks/twitch/eventsub", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(twitch.HeaderMessageID, messageID)
	req.Header.Set(twitch.HeaderMessageType, messageType)
	req.Header.Set(twitch.HeaderMessageTimestamp, timestamp)
	req.Header.Set(twitch.HeaderMessageSignature, signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (env *ingressEnv) now() string {
	return env.clock.Now().Format(time.RFC3339)
}

const notificationBody = `{
	"subscription": {"id": "sub-1", "type": "channel.follow", "status": "enabled",
		"condition": {"broadcaster_user_id": "10001"}},
	"event": {"broadcaster_user_id": "10001", "user_name": "viewer"}
}`

func TestIngressVerificationChallenge(t *testing.T) {
	env := newIngressEnv(t)
	body := []byte(`{
		"challenge": "pogchamp-kappa-360noscope-vohiyo",
		"subscription": {"id": "sub-1", "type": "channel.follow"}
	}`)

	resp := env.post(t, "msg-1", twitch.MessageTypeVerification, env.now(), "", body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	answer, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pogchamp-kappa-360noscope-vohiyo", string(answer))
}

func TestIngressNotification(t *testing.T) {
	env := newIngressEnv(t)

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), "", []byte(notificationBody))

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 1, env.router.notificationCount())

	n := env.router.notifications[0]
	assert.Equal(t, "msg-1", n.MessageID)
	assert.Equal(t, "sub-1", n.SubscriptionID)
	assert.Equal(t, "channel.follow", n.EventType)
	assert.Equal(t, "10001", n.BroadcasterUserID)
	assert.Equal(t, domain.TransportWebhook, n.Transport)
	assert.Equal(t, env.clock.Now().UTC(), n.Timestamp)
}

func TestIngressRevocation(t *testing.T) {
	env := newIngressEnv(t)
	body := []byte(`{
		"subscription": {"id": "sub-1", "type": "channel.follow", "status": "authorization_revoked"}
	}`)

	resp := env.post(t, "msg-1", twitch.MessageTypeRevocation, env.now(), "", body)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, env.router.revocations, 1)
	assert.Equal(t, "sub-1", env.router.revocations[0].subscriptionID)
	assert.Equal(t, "authorization_revoked", env.router.revocations[0].status)
}

func TestIngressInvalidSignature(t *testing.T) {
	env := newIngressEnv(t)

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(),
		"sha256=0000000000000000000000000000000000000000000000000000000000000000",
		[]byte(notificationBody))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
}

func TestIngressTamperedBody(t *testing.T) {
	env := newIngressEnv(t)
	signature := twitch.ComputeSignature(ingressSecret, "msg-1", env.now(), []byte(notificationBody))

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), signature,
		[]byte(`{"subscription": {"id": "sub-evil"}}`))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
}

func TestIngressStaleTimestamp(t *testing.T) {
	env := newIngressEnv(t)
	stale := env.clock.Now().Add(-11 * time.Minute).Format(time.RFC3339)

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, stale, "", []byte(notificationBody))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
}

func TestIngressMissingHeaders(t *testing.T) {
	env := newIngressEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/webhooks/twitch/eventsub",
		bytes.NewReader([]byte(notificationBody)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
}

func TestIngressDuplicateAcknowledgedOnce(t *testing.T) {
	env := newIngressEnv(t)

	first := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), "", []byte(notificationBody))
	second := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), "", []byte(notificationBody))

	assert.Equal(t, http.StatusNoContent, first.StatusCode)
	assert.Equal(t, http.StatusNoContent, second.StatusCode)
	assert.Equal(t, 1, env.router.notificationCount())
}

func TestIngressMalformedBody(t *testing.T) {
	env := newIngressEnv(t)

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), "", []byte("{{not json"))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
}

func TestIngressUnknownMessageType(t *testing.T) {
	env := newIngressEnv(t)

	resp := env.post(t, "msg-1", "webhook_surprise", env.now(), "", []byte(notificationBody))

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.router.notificationCount())
	assert.Empty(t, env.router.revocations)
}

func TestIngressRaidBroadcasterFallback(t *testing.T) {
	env := newIngressEnv(t)
	body := []byte(`{
		"subscription": {"id": "sub-1", "type": "channel.raid", "status": "enabled",
			"condition": {"to_broadcaster_user_id": "10002"}},
		"event": {"from_broadcaster_user_id": "10001", "to_broadcaster_user_id": "10002"}
	}`)

	resp := env.post(t, "msg-1", twitch.MessageTypeNotification, env.now(), "", body)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 1, env.router.notificationCount())
	assert.Equal(t, "10002", env.router.notifications[0].BroadcasterUserID)
}
