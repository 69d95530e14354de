package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kwld/twitch-bridge/internal/errors"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/fanout"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/registry"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

const (
	errorCooldown     = time.Minute
	errorEmitInterval = time.Minute
)

type cooldownKey struct {
	key  domain.InterestKey
	code string
}

type emitKey struct {
	serviceID uuid.UUID
	key       domain.InterestKey
	code      string
}

// Manager keeps exactly one live upstream subscription per interest key.
// Ensures coalesce through singleflight and serialize against registry
// mutations through the shared key lock.
type Manager struct {
	client     *twitch.Client
	subs       domain.SubscriptionRepository
	bots       domain.BotAccountRepository
	registry   *registry.Registry
	keys       *registry.KeyLock
	dispatcher *fanout.Dispatcher
	channels   domain.ChannelStateRepository
	clock      clockwork.Clock
	group      singleflight.Group

	callbackURL   string
	webhookSecret string

	mu        sync.Mutex
	sessionID string
	cooldowns map[cooldownKey]time.Time
	lastEmit  map[emitKey]time.Time
}

func NewManager(
	client *twitch.Client,
	subs domain.SubscriptionRepository,
	bots domain.BotAccountRepository,
	reg *registry.Registry,
	keys *registry.KeyLock,
	dispatcher *fanout.Dispatcher,
	channels domain.ChannelStateRepository,
	clock clockwork.Clock,
	callbackURL, webhookSecret string,
) *Manager {
	return &Manager{
		client:        client,
		subs:          subs,
		bots:          bots,
		registry:      reg,
		keys:          keys,
		dispatcher:    dispatcher,
		channels:      channels,
		clock:         clock,
		callbackURL:   callbackURL,
		webhookSecret: webhookSecret,
		cooldowns:     make(map[cooldownKey]time.Time),
		lastEmit:      make(map[emitKey]time.Time),
	}
}

func (m *Manager) webhookConfigured() bool {
	return m.callbackURL != ""
}

func (m *Manager) currentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Ensure guarantees one live upstream subscription for the key. Concurrent
// calls for the same key share a single attempt.
func (m *Manager) Ensure(ctx context.Context, key domain.InterestKey) error {
	_, err, _ := m.group.Do(flightKey(key), func() (any, error) {
		m.keys.Lock(key)
		defer m.keys.Unlock(key)
		return nil, m.ensureLocked(ctx, key)
	})
	return err
}

func flightKey(key domain.InterestKey) string {
	return key.BotAccountID.String() + "\x00" + key.EventType + "\x00" + key.BroadcasterUserID
}

func (m *Manager) ensureLocked(ctx context.Context, key domain.InterestKey) error {
	if m.inCooldown(key) {
		slog.Debug("Skipping ensure, key in error cooldown",
			"event_type", key.EventType, "broadcaster", key.BroadcasterUserID)
		return nil
	}

	transport, _ := twitch.SelectUpstreamTransport(key.EventType, m.webhookConfigured())

	existing, err := m.subs.GetActiveByKey(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to load subscription for ensure: %w", err)
	}
	if existing != nil && m.reusable(existing, transport) {
		return nil
	}

	if existing != nil {
		m.dropSubscription(ctx, existing)
	}

	switch transport {
	case domain.TransportWebhook:
		return m.createWebhook(ctx, key)
	case domain.TransportWs:
		return m.createWs(ctx, key)
	default:
		m.failKey(ctx, key, apperrors.CodeUnsupportedUpstream,
			fmt.Sprintf("no upstream transport available for %s", key.EventType), transport)
		return nil
	}
}

// reusable reports whether an existing row still satisfies the key. A
// ws-bound row only counts while it is pinned to the current session.
func (m *Manager) reusable(sub *domain.UpstreamSubscription, transport domain.Transport) bool {
	if !sub.Active() || sub.Transport != transport {
		return false
	}
	if sub.Transport == domain.TransportWs {
		return sub.SessionID != "" && sub.SessionID == m.currentSessionID()
	}
	return true
}

func (m *Manager) createWebhook(ctx context.Context, key domain.InterestKey) error {
	bot, err := m.bots.GetByID(ctx, key.BotAccountID)
	if err != nil {
		return fmt.Errorf("failed to load bot account: %w", err)
	}

	created, err := m.client.CreateWebhookSubscription(ctx, bot, key.EventType, key.BroadcasterUserID, m.callbackURL, m.webhookSecret)
	if err != nil {
		return m.handleCreateError(ctx, key, domain.TransportWebhook, err)
	}
	return m.persistCreated(ctx, key, domain.TransportWebhook, "", created)
}

func (m *Manager) createWs(ctx context.Context, key domain.InterestKey) error {
	sessionID := m.currentSessionID()
	if sessionID == "" {
		// No upstream session yet. The welcome handler re-ensures every
		// registered key once one exists.
		slog.Debug("Deferring ws subscription until session is established",
			"event_type", key.EventType, "broadcaster", key.BroadcasterUserID)
		return nil
	}

	bot, err := m.bots.GetByID(ctx, key.BotAccountID)
	if err != nil {
		return fmt.Errorf("failed to load bot account: %w", err)
	}
	if missing := twitch.MissingScopes(key.EventType, bot.Scopes); len(missing) > 0 {
		m.failKey(ctx, key, apperrors.CodeMissingScope,
			fmt.Sprintf("bot %s lacks scopes %s for %s", bot.Login, strings.Join(missing, " "), key.EventType),
			domain.TransportWs)
		return nil
	}

	created, err := m.client.CreateWsSubscription(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID, sessionID)
	if err != nil {
		return m.handleCreateError(ctx, key, domain.TransportWs, err)
	}
	return m.persistCreated(ctx, key, domain.TransportWs, sessionID, created)
}

func (m *Manager) persistCreated(ctx context.Context, key domain.InterestKey, transport domain.Transport, sessionID string, created *twitch.CreatedSubscription) error {
	now := m.clock.Now()
	sub := &domain.UpstreamSubscription{
		ID:        created.ID,
		Key:       key,
		Transport: transport,
		Status:    statusFromTwitch(created.Status),
		SessionID: sessionID,
		Cost:      created.Cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.subs.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", created.ID, err)
	}

	metrics.SubscriptionCreatesTotal.WithLabelValues("created").Inc()
	metrics.SubscriptionsActive.WithLabelValues(string(transport)).Inc()
	metrics.SubscriptionCost.Set(float64(created.TotalCost))

	slog.Info("Upstream subscription created",
		"subscription_id", created.ID,
		"event_type", key.EventType,
		"broadcaster", key.BroadcasterUserID,
		"transport", string(transport),
		"cost", created.Cost,
	)
	return nil
}

// handleCreateError categorizes a failed create. Conflict means Twitch
// already holds the subscription, which counts as ensured; terminal
// errors cool the key down and notify interested services.
func (m *Manager) handleCreateError(ctx context.Context, key domain.InterestKey, transport domain.Transport, err error) error {
	var apiErr *twitch.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		metrics.SubscriptionCreatesTotal.WithLabelValues("conflict").Inc()
		slog.Info("Subscription already exists upstream, treating as ensured",
			"event_type", key.EventType, "broadcaster", key.BroadcasterUserID)
		return nil
	}

	metrics.SubscriptionCreatesTotal.WithLabelValues("error").Inc()
	code := categorizeCreateError(err)
	m.failKey(ctx, key, code, err.Error(), transport)

	if code == codeTransient {
		return fmt.Errorf("failed to create subscription for %s/%s: %w", key.EventType, key.BroadcasterUserID, err)
	}
	return nil
}

const codeTransient = "transient"

func categorizeCreateError(err error) string {
	var refreshErr *twitch.TokenRefreshError
	if errors.As(err, &refreshErr) {
		return apperrors.CodeUnauthorized
	}

	var apiErr *twitch.APIError
	if !errors.As(err, &apiErr) {
		return codeTransient
	}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return apperrors.CodeUnauthorized
	case apiErr.StatusCode == http.StatusForbidden:
		if strings.Contains(strings.ToLower(apiErr.Message), "scope") {
			return apperrors.CodeMissingScope
		}
		return apperrors.CodeInsufficientPermissions
	case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests:
		return codeTransient
	default:
		return apperrors.CodeSubscriptionCreateFailed
	}
}

func subscriptionErrorHint(code string) string {
	switch code {
	case apperrors.CodeInsufficientPermissions:
		return "Broadcaster authorization for this bot is missing or no longer valid."
	case apperrors.CodeMissingScope:
		return "Bot OAuth token is missing required scope for this subscription type."
	case apperrors.CodeUnauthorized:
		return "Twitch rejected subscription authorization for this bot/condition."
	default:
		return "Twitch rejected subscription creation for this interest."
	}
}

// failKey records an ErrorCooldown for the key and emits a synthetic
// subscription.error to every interested service.
func (m *Manager) failKey(ctx context.Context, key domain.InterestKey, code, reason string, transport domain.Transport) {
	if code != codeTransient {
		m.mu.Lock()
		m.cooldowns[cooldownKey{key: key, code: code}] = m.clock.Now().Add(errorCooldown)
		m.mu.Unlock()
	}
	m.EmitSubscriptionError(ctx, key, code, reason, transport)
}

func (m *Manager) inCooldown(key domain.InterestKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for ck, until := range m.cooldowns {
		if now.After(until) {
			delete(m.cooldowns, ck)
			continue
		}
		if ck.key == key {
			return true
		}
	}
	return false
}

// Release deletes the upstream subscription once no interest remains for
// the key. Idempotent: a missing row is a no-op.
func (m *Manager) Release(ctx context.Context, key domain.InterestKey) {
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	if m.registry.HasKey(key) {
		return
	}

	sub, err := m.subs.GetActiveByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrSubscriptionNotFound) {
			slog.Warn("Failed to load subscription for release",
				"event_type", key.EventType, "broadcaster", key.BroadcasterUserID, "error", err)
		}
		return
	}
	m.dropSubscription(ctx, sub)
	slog.Info("Upstream subscription released",
		"subscription_id", sub.ID,
		"event_type", key.EventType,
		"broadcaster", key.BroadcasterUserID,
	)
}

// dropSubscription deletes upstream best-effort and always forgets the row.
func (m *Manager) dropSubscription(ctx context.Context, sub *domain.UpstreamSubscription) {
	var botID *uuid.UUID
	if sub.Transport == domain.TransportWs {
		id := sub.Key.BotAccountID
		botID = &id
	}
	if err := m.client.DeleteSubscription(ctx, botID, sub.ID); err != nil {
		slog.Warn("Failed to delete upstream subscription, forgetting row anyway",
			"subscription_id", sub.ID, "error", err)
	}
	if err := m.subs.Delete(ctx, sub.ID); err != nil {
		slog.Warn("Failed to delete subscription row", "subscription_id", sub.ID, "error", err)
	}
	if sub.Active() {
		m.noteInactive(sub)
	}
}

func (m *Manager) noteInactive(sub *domain.UpstreamSubscription) {
	metrics.SubscriptionsActive.WithLabelValues(string(sub.Transport)).Dec()
}

// EnsureAll ensures every key currently held by the registry.
func (m *Manager) EnsureAll(ctx context.Context) {
	for _, key := range m.registry.Keys() {
		if err := m.Ensure(ctx, key); err != nil {
			slog.Warn("Ensure failed",
				"event_type", key.EventType, "broadcaster", key.BroadcasterUserID, "error", err)
		}
	}
}

// EmitSubscriptionError synthesizes a subscription.error envelope for
// every service interested in the key, rate limited per
// (service, key, code) to one per minute.
func (m *Manager) EmitSubscriptionError(ctx context.Context, key domain.InterestKey, code, reason string, upstreamTransport domain.Transport) {
	interests := m.registry.Interested(key)
	if len(interests) == 0 {
		return
	}

	now := m.clock.Now()
	eligible := make([]domain.Interest, 0, len(interests))
	m.mu.Lock()
	for _, interest := range interests {
		ek := emitKey{serviceID: interest.ServiceID, key: key, code: code}
		if last, ok := m.lastEmit[ek]; ok && now.Sub(last) < errorEmitInterval {
			continue
		}
		m.lastEmit[ek] = now
		eligible = append(eligible, interest)
	}
	m.mu.Unlock()
	if len(eligible) == 0 {
		return
	}

	event := fmt.Sprintf(
		`{"error_code":%q,"reason":%q,"hint":%q,"event_type":%q,"broadcaster_user_id":%q,"bot_account_id":%q,"upstream_transport":%q}`,
		code, reason, subscriptionErrorHint(code), key.EventType, key.BroadcasterUserID, key.BotAccountID.String(), string(upstreamTransport),
	)
	m.dispatcher.DispatchInterests(ctx, key, eligible, &domain.Notification{
		MessageID:         uuid.NewString(),
		EventType:         "subscription.error",
		BroadcasterUserID: key.BroadcasterUserID,
		Timestamp:         now,
		Event:             []byte(event),
		Transport:         upstreamTransport,
	})
}

func statusFromTwitch(status string) domain.SubscriptionStatus {
	switch status {
	case "enabled":
		return domain.SubscriptionEnabled
	case "webhook_callback_verification_pending":
		return domain.SubscriptionPending
	case "authorization_revoked", "user_removed", "version_removed":
		return domain.SubscriptionRevoked
	case "":
		return domain.SubscriptionEnabled
	default:
		return domain.SubscriptionFailed
	}
}
