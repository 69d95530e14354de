package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kwld/twitch-bridge/internal/domain"
)

// HandleSessionWelcome records the new upstream session id and re-ensures
// every registered key. Ws-bound rows pinned to an older session fail the
// reuse check and are recreated under the new id.
func (m *Manager) HandleSessionWelcome(ctx context.Context, sessionID string) {
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()

	m.EnsureAll(ctx)
}

// HandleNotification routes one upstream notification to the fan-out
// layer. Authorization revokes and liveness events also update bridge
// state on the way through.
func (m *Manager) HandleNotification(ctx context.Context, n *domain.Notification) {
	if n.EventType == "user.authorization.revoke" {
		m.handleAuthorizationRevoke(ctx, n)
		return
	}

	key, ok := m.resolveKey(ctx, n)
	if !ok {
		slog.Warn("Dropping notification with no resolvable interest key",
			"event_type", n.EventType,
			"subscription_id", n.SubscriptionID,
			"broadcaster", n.BroadcasterUserID,
		)
		return
	}

	switch n.EventType {
	case "stream.online":
		m.updateChannelState(ctx, key, n, true)
	case "stream.offline":
		m.updateChannelState(ctx, key, n, false)
	}

	m.dispatcher.Dispatch(ctx, key, n)
}

// resolveKey maps a notification to its interest key, preferring the
// subscription id lookup and falling back to a (type, broadcaster) match
// against the registry for rows created before ids were mirrored.
func (m *Manager) resolveKey(ctx context.Context, n *domain.Notification) (domain.InterestKey, bool) {
	if n.SubscriptionID != "" {
		sub, err := m.subs.GetByID(ctx, n.SubscriptionID)
		if err == nil {
			return sub.Key, true
		}
		if !errors.Is(err, domain.ErrSubscriptionNotFound) {
			slog.Warn("Subscription lookup failed, falling back to key match",
				"subscription_id", n.SubscriptionID, "error", err)
		}
	}

	for _, key := range m.registry.Keys() {
		if key.EventType == n.EventType && key.BroadcasterUserID == n.BroadcasterUserID {
			return key, true
		}
	}
	return domain.InterestKey{}, false
}

// HandleRevocation marks the subscription row revoked and tells every
// interested service why delivery stopped.
func (m *Manager) HandleRevocation(ctx context.Context, subscriptionID, status string) {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if !errors.Is(err, domain.ErrSubscriptionNotFound) {
			slog.Warn("Failed to load revoked subscription", "subscription_id", subscriptionID, "error", err)
		}
		return
	}

	if err := m.subs.UpdateStatus(ctx, subscriptionID, domain.SubscriptionRevoked); err != nil {
		slog.Warn("Failed to mark subscription revoked", "subscription_id", subscriptionID, "error", err)
	}
	if sub.Active() {
		// metrics account the row as gone once revoked
		m.noteInactive(sub)
	}

	slog.Warn("Upstream subscription revoked",
		"subscription_id", subscriptionID,
		"event_type", sub.Key.EventType,
		"broadcaster", sub.Key.BroadcasterUserID,
		"status", status,
	)
	m.failKey(ctx, sub.Key, "revoked_"+status, "upstream subscription revoked", sub.Transport)
}

// handleAuthorizationRevoke disables the bot whose grant was withdrawn
// and clears its stored user token.
func (m *Manager) handleAuthorizationRevoke(ctx context.Context, n *domain.Notification) {
	var event struct {
		UserID    string `json:"user_id"`
		UserLogin string `json:"user_login"`
	}
	if err := json.Unmarshal(n.Event, &event); err != nil || event.UserID == "" {
		slog.Warn("Ignoring malformed authorization revoke", "error", err)
		return
	}

	bot, err := m.bots.GetByTwitchUserID(ctx, event.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrBotNotFound) {
			slog.Warn("Failed to look up bot for authorization revoke",
				"twitch_user_id", event.UserID, "error", err)
		}
		return
	}

	if err := m.bots.Disable(ctx, bot.ID); err != nil {
		slog.Error("Failed to disable bot after authorization revoke",
			"bot_id", bot.ID.String(), "error", err)
		return
	}
	slog.Warn("Bot authorization revoked, account disabled",
		"bot_id", bot.ID.String(),
		"bot_login", bot.Login,
	)
}

func (m *Manager) updateChannelState(ctx context.Context, key domain.InterestKey, n *domain.Notification, live bool) {
	state := &domain.ChannelState{
		BotAccountID:      key.BotAccountID,
		BroadcasterUserID: key.BroadcasterUserID,
		Live:              live,
		UpdatedAt:         m.clock.Now(),
	}
	if live {
		var event struct {
			StartedAt time.Time `json:"started_at"`
		}
		if err := json.Unmarshal(n.Event, &event); err == nil && !event.StartedAt.IsZero() {
			state.StartedAt = &event.StartedAt
		}
	}

	if err := m.channels.Upsert(ctx, state); err != nil {
		slog.Warn("Failed to update channel state",
			"broadcaster", key.BroadcasterUserID, "live", live, "error", err)
	}
}
