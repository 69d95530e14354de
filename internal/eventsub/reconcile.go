package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nicklaw5/helix/v2"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

// ReconcileStartup aligns Twitch's view of our subscriptions with the
// registered interests: matching rows are reused, strays are deleted,
// missing ones are created. System subscriptions survive even with no
// interest behind them.
func (m *Manager) ReconcileStartup(ctx context.Context) error {
	upstream, err := m.client.ListSubscriptions(ctx)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list upstream subscriptions: %w", err)
	}

	desired := m.registry.Keys()
	covered := make(map[domain.InterestKey]bool, len(desired))
	repaired := false

	for i := range upstream {
		sub := &upstream[i]
		if isSystemSubscription(sub) {
			continue
		}

		key, reuse := m.matchSubscription(sub, desired)
		if reuse && !covered[key] {
			covered[key] = true
			m.mirrorReused(ctx, key, sub)
			continue
		}

		// Stray, duplicate, or degraded. Delete upstream and forget.
		repaired = true
		slog.Info("Deleting stray upstream subscription",
			"subscription_id", sub.ID,
			"event_type", sub.Type,
			"status", sub.Status,
		)
		m.dropStray(ctx, sub)
	}

	for _, key := range desired {
		if covered[key] {
			continue
		}
		repaired = true
		if err := m.Ensure(ctx, key); err != nil {
			slog.Warn("Reconcile ensure failed",
				"event_type", key.EventType, "broadcaster", key.BroadcasterUserID, "error", err)
		}
	}

	outcome := "clean"
	if repaired {
		outcome = "repaired"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	slog.Info("Startup reconcile finished",
		"upstream_subscriptions", len(upstream),
		"desired_keys", len(desired),
		"outcome", outcome,
	)
	return nil
}

// EnsureSystemSubscriptions creates the permanent webhook subscriptions
// the bridge itself depends on. Only meaningful when webhook ingress is
// configured; the authorization revoke feed keeps bot rows honest.
func (m *Manager) EnsureSystemSubscriptions(ctx context.Context) {
	if !m.webhookConfigured() {
		slog.Info("Webhook ingress not configured, skipping system subscriptions")
		return
	}

	for _, eventType := range []string{"user.authorization.revoke"} {
		created, err := m.client.CreateWebhookSubscription(ctx, nil, eventType, "", m.callbackURL, m.webhookSecret)
		if err != nil {
			var apiErr *twitch.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				continue
			}
			slog.Error("Failed to create system subscription", "event_type", eventType, "error", err)
			continue
		}
		slog.Info("System subscription created", "event_type", eventType, "subscription_id", created.ID)
	}
}

// matchSubscription finds the desired key an upstream subscription can
// serve. Status must still be live for the row to count.
func (m *Manager) matchSubscription(sub *helix.EventSubSubscription, desired []domain.InterestKey) (domain.InterestKey, bool) {
	if sub.Transport.Method != "webhook" && sub.Transport.Method != "websocket" {
		return domain.InterestKey{}, false
	}
	if statusFromTwitch(sub.Status) != domain.SubscriptionEnabled && statusFromTwitch(sub.Status) != domain.SubscriptionPending {
		return domain.InterestKey{}, false
	}

	broadcaster := sub.Condition.BroadcasterUserID
	if broadcaster == "" {
		broadcaster = sub.Condition.ToBroadcasterUserID
	}
	if broadcaster == "" {
		broadcaster = sub.Condition.UserID
	}

	eventType := twitch.NormalizeEventType(sub.Type)
	for _, key := range desired {
		if key.EventType == eventType && key.BroadcasterUserID == broadcaster {
			return key, true
		}
	}
	return domain.InterestKey{}, false
}

func (m *Manager) mirrorReused(ctx context.Context, key domain.InterestKey, sub *helix.EventSubSubscription) {
	transport := domain.TransportWebhook
	if sub.Transport.Method == "websocket" {
		transport = domain.TransportWs
	}

	now := m.clock.Now()
	row := &domain.UpstreamSubscription{
		ID:        sub.ID,
		Key:       key,
		Transport: transport,
		Status:    statusFromTwitch(sub.Status),
		SessionID: sub.Transport.SessionID,
		Cost:      sub.Cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.subs.Upsert(ctx, row); err != nil {
		slog.Warn("Failed to mirror reused subscription", "subscription_id", sub.ID, "error", err)
		return
	}
	metrics.SubscriptionsActive.WithLabelValues(string(transport)).Inc()
	slog.Debug("Reusing upstream subscription",
		"subscription_id", sub.ID,
		"event_type", key.EventType,
		"broadcaster", key.BroadcasterUserID,
	)
}

func (m *Manager) dropStray(ctx context.Context, sub *helix.EventSubSubscription) {
	if err := m.client.DeleteSubscription(ctx, nil, sub.ID); err != nil {
		slog.Warn("Failed to delete stray subscription", "subscription_id", sub.ID, "error", err)
	}
	if err := m.subs.Delete(ctx, sub.ID); err != nil {
		slog.Debug("No mirror row for stray subscription", "subscription_id", sub.ID, "error", err)
	}
}

// isSystemSubscription reports whether the subscription must never be
// reconciled away. Authorization feeds are webhook-managed and permanent.
func isSystemSubscription(sub *helix.EventSubSubscription) bool {
	return strings.HasPrefix(twitch.NormalizeEventType(sub.Type), "user.authorization.")
}
