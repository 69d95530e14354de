package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/kwld/twitch-bridge/internal/dedupe"
	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

// maxWebhookBody bounds how much of a webhook request the bridge reads.
// Twitch notification payloads are far below this.
const maxWebhookBody = 1 << 20

// NotificationRouter receives verified upstream messages from the webhook
// leg. Implemented by the subscription manager.
type NotificationRouter interface {
	HandleNotification(ctx context.Context, n *domain.Notification)
	HandleRevocation(ctx context.Context, subscriptionID, status string)
}

// Ingress terminates Twitch's webhook transport. Signature verification
// happens on the raw bytes before any parsing; replayed message ids are
// acknowledged without processing.
type Ingress struct {
	secret string
	window dedupe.Window
	router NotificationRouter
	clock  clockwork.Clock
}

func NewIngress(secret string, window dedupe.Window, router NotificationRouter, clock clockwork.Clock) *Ingress {
	return &Ingress{
		secret: secret,
		window: window,
		router: router,
		clock:  clock,
	}
}

type webhookSubscription struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Condition struct {
		BroadcasterUserID   string `json:"broadcaster_user_id"`
		ToBroadcasterUserID string `json:"to_broadcaster_user_id"`
		UserID              string `json:"user_id"`
	} `json:"condition"`
}

type webhookBody struct {
	Challenge    string              `json:"challenge"`
	Subscription webhookSubscription `json:"subscription"`
	Event        json.RawMessage     `json:"event"`
}

func (i *Ingress) Handle(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookRejections.WithLabelValues("read_error").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	headers := c.Request().Header
	messageID := headers.Get(twitch.HeaderMessageID)
	messageType := headers.Get(twitch.HeaderMessageType)
	timestamp := headers.Get(twitch.HeaderMessageTimestamp)
	signature := headers.Get(twitch.HeaderMessageSignature)

	if messageID == "" || timestamp == "" || signature == "" {
		metrics.WebhookRejections.WithLabelValues("missing_headers").Inc()
		return c.NoContent(http.StatusForbidden)
	}
	if !twitch.VerifySignature(i.secret, messageID, timestamp, body, signature) {
		metrics.WebhookRejections.WithLabelValues("invalid_signature").Inc()
		slog.Warn("Rejected webhook with invalid signature", "message_id", messageID)
		return c.NoContent(http.StatusForbidden)
	}
	if !twitch.TimestampFresh(timestamp, i.clock.Now()) {
		metrics.WebhookRejections.WithLabelValues("stale_timestamp").Inc()
		slog.Warn("Rejected webhook with stale timestamp", "message_id", messageID, "timestamp", timestamp)
		return c.NoContent(http.StatusForbidden)
	}

	ctx := c.Request().Context()
	fresh, err := i.window.Observe(ctx, messageID)
	if err != nil {
		slog.Warn("Dedupe lookup failed, processing anyway", "message_id", messageID, "error", err)
		fresh = true
	}
	if !fresh {
		metrics.DuplicatesDropped.WithLabelValues("webhook").Inc()
		return c.NoContent(http.StatusNoContent)
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookRejections.WithLabelValues("bad_body").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	switch messageType {
	case twitch.MessageTypeVerification:
		slog.Info("Answering webhook verification challenge",
			"subscription_id", payload.Subscription.ID,
			"event_type", payload.Subscription.Type,
		)
		return c.String(http.StatusOK, payload.Challenge)

	case twitch.MessageTypeNotification:
		i.router.HandleNotification(ctx, i.buildNotification(messageID, timestamp, &payload))
		return c.NoContent(http.StatusNoContent)

	case twitch.MessageTypeRevocation:
		metrics.RevocationsTotal.WithLabelValues(payload.Subscription.Status).Inc()
		i.router.HandleRevocation(ctx, payload.Subscription.ID, payload.Subscription.Status)
		return c.NoContent(http.StatusNoContent)

	default:
		slog.Warn("Unknown webhook message type", "message_type", messageType, "message_id", messageID)
		return c.NoContent(http.StatusNoContent)
	}
}

func (i *Ingress) buildNotification(messageID, timestamp string, payload *webhookBody) *domain.Notification {
	eventType := twitch.NormalizeEventType(payload.Subscription.Type)
	metrics.NotificationsTotal.WithLabelValues("webhook", eventType).Inc()

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		ts = i.clock.Now()
	}

	broadcaster := broadcasterFromEvent(payload.Event)
	if broadcaster == "" {
		broadcaster = payload.Subscription.Condition.BroadcasterUserID
	}
	if broadcaster == "" {
		broadcaster = payload.Subscription.Condition.ToBroadcasterUserID
	}

	return &domain.Notification{
		MessageID:         messageID,
		SubscriptionID:    payload.Subscription.ID,
		EventType:         eventType,
		BroadcasterUserID: broadcaster,
		Timestamp:         ts.UTC(),
		Event:             payload.Event,
		Transport:         domain.TransportWebhook,
	}
}

// broadcasterFromEvent pulls the broadcaster id out of the event body.
// Most event types carry broadcaster_user_id directly; raid events carry
// the target under to_broadcaster_user_id.
func broadcasterFromEvent(event json.RawMessage) string {
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
