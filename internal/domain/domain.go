package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// --- Model types ---

// Transport identifies how events move on one leg of the bridge. The same
// values describe both the upstream leg (Twitch -> bridge) and the
// downstream leg (bridge -> service).
type Transport string

const (
	TransportWs      Transport = "ws"
	TransportWebhook Transport = "webhook"
)

// Valid reports whether t is one of the known transports.
func (t Transport) Valid() bool {
	return t == TransportWs || t == TransportWebhook
}

// InterestKey is the fan-in dimension: every downstream interest sharing
// this key shares one upstream EventSub subscription.
type InterestKey struct {
	BotAccountID      uuid.UUID
	EventType         string
	BroadcasterUserID string
}

// Interest is one service's declared desire to receive an event type for
// a broadcaster via a downstream transport.
type Interest struct {
	ID         uuid.UUID
	ServiceID  uuid.UUID
	Key        InterestKey
	Transport  Transport
	WebhookURL string // set iff Transport == TransportWebhook
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SubscriptionStatus string

const (
	SubscriptionEnabled SubscriptionStatus = "enabled"
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionFailed  SubscriptionStatus = "failed"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// UpstreamSubscription mirrors one Twitch EventSub subscription owned by
// the bridge. ID is the Twitch-assigned subscription id.
type UpstreamSubscription struct {
	ID        string
	Key       InterestKey
	Transport Transport
	Status    SubscriptionStatus
	SessionID string // set for ws-bound subscriptions
	Cost      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the subscription currently counts against the
// one-live-subscription-per-key invariant.
func (s *UpstreamSubscription) Active() bool {
	return s.Status == SubscriptionEnabled || s.Status == SubscriptionPending
}

// ServiceAccount is the principal of downstream requests.
type ServiceAccount struct {
	ID         uuid.UUID
	Name       string
	SecretHash string
	// WebhookSecret signs outgoing webhook bodies. Empty disables signing.
	WebhookSecret string
	BotAllowlist  []uuid.UUID // empty means all bots allowed
	Enabled       bool
	CreatedAt     time.Time
}

// AllowsBot reports whether the service may address the given bot account.
func (s *ServiceAccount) AllowsBot(botID uuid.UUID) bool {
	if len(s.BotAllowlist) == 0 {
		return true
	}
	for _, id := range s.BotAllowlist {
		if id == botID {
			return true
		}
	}
	return false
}

// BotAccount is the Twitch identity under which websocket EventSub
// subscriptions are created.
type BotAccount struct {
	ID           uuid.UUID
	TwitchUserID string
	Login        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scopes       []string
	Enabled      bool
	UpdatedAt    time.Time
}

// ChannelState caches the last-known stream liveness per (bot, broadcaster).
type ChannelState struct {
	BotAccountID      uuid.UUID
	BroadcasterUserID string
	Live              bool
	StartedAt         *time.Time
	UpdatedAt         time.Time
}

// ServiceCounters tracks per-service delivery statistics for operators.
type ServiceCounters struct {
	ServiceID       uuid.UUID
	Delivered       int64
	WebhookFailures int64
	LastSeen        time.Time
}

// Notification is one decoded upstream EventSub event, regardless of
// which transport delivered it.
type Notification struct {
	MessageID         string
	SubscriptionID    string
	EventType         string
	BroadcasterUserID string
	Timestamp         time.Time
	Event             json.RawMessage
	Transport         Transport
}

// --- Repository ports ---

// InterestRepository is the persistent mirror of the interest registry.
type InterestRepository interface {
	// Insert persists a new interest; returns ErrDuplicateInterest when the
	// unique tuple (service, key, transport, webhook_url) already exists.
	Insert(ctx context.Context, interest *Interest) error
	GetByUnique(ctx context.Context, serviceID uuid.UUID, key InterestKey, transport Transport, webhookURL string) (*Interest, error)
	GetByID(ctx context.Context, serviceID, id uuid.UUID) (*Interest, error)
	Delete(ctx context.Context, serviceID, id uuid.UUID) error
	// TouchGroup refreshes updated_at on every interest of serviceID sharing
	// (bot, broadcaster) with the given values. Returns the number touched.
	TouchGroup(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID string, now time.Time) (int64, error)
	ListByKey(ctx context.Context, key InterestKey) ([]Interest, error)
	CountByKey(ctx context.Context, key InterestKey) (int64, error)
	ListAll(ctx context.Context) ([]Interest, error)
	// DeleteStale removes interests whose updated_at is before cutoff and
	// returns the removed rows so callers can release orphaned keys.
	DeleteStale(ctx context.Context, cutoff time.Time) ([]Interest, error)
}

// SubscriptionRepository mirrors upstream Twitch subscriptions.
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *UpstreamSubscription) error
	GetByID(ctx context.Context, id string) (*UpstreamSubscription, error)
	GetActiveByKey(ctx context.Context, key InterestKey) (*UpstreamSubscription, error)
	UpdateStatus(ctx context.Context, id string, status SubscriptionStatus) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]UpstreamSubscription, error)
	// ListByTransport returns subscriptions bound to the given upstream transport.
	ListByTransport(ctx context.Context, transport Transport) ([]UpstreamSubscription, error)
}

// ServiceAccountRepository reads downstream service principals.
type ServiceAccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ServiceAccount, error)
	List(ctx context.Context) ([]ServiceAccount, error)
}

// BotAccountRepository reads and maintains bot identities.
type BotAccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*BotAccount, error)
	GetByTwitchUserID(ctx context.Context, twitchUserID string) (*BotAccount, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry time.Time) error
	// Disable marks the bot unusable and clears its stored user token.
	Disable(ctx context.Context, id uuid.UUID) error
}

// ChannelStateRepository maintains per-(bot, broadcaster) liveness rows.
type ChannelStateRepository interface {
	Upsert(ctx context.Context, state *ChannelState) error
	Get(ctx context.Context, botID uuid.UUID, broadcasterUserID string) (*ChannelState, error)
	ListByBot(ctx context.Context, botID uuid.UUID) ([]ChannelState, error)
}

// ServiceCounterRepository tracks per-service delivery counters.
type ServiceCounterRepository interface {
	IncrDelivered(ctx context.Context, serviceID uuid.UUID, n int64) error
	IncrWebhookFailures(ctx context.Context, serviceID uuid.UUID, n int64) error
	Get(ctx context.Context, serviceID uuid.UUID) (*ServiceCounters, error)
}
