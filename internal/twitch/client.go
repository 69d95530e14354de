// Package twitch wraps the Helix API surface the bridge needs: EventSub
// subscription management on both upstream transports, user resolution,
// stream liveness lookups, and chat asset snapshots.
package twitch

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
	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/retry"
)

const (
	appTokenSlack         = 5 * time.Minute
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second
	helixRatePerMinute    = 700
)

// APIError carries the Helix status line for error classification.
type APIError struct {
	StatusCode int
	ErrorText  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix request failed: status=%d error=%s message=%s", e.StatusCode, e.ErrorText, e.Message)
}

// Client is the bridge's Helix client. App-token calls (webhook EventSub,
// user and stream lookups) go through the shared client under mu; calls
// that need a bot's user token swap it in for the duration of the call.
type Client struct {
	mu        sync.Mutex
	helix     *helix.Client
	clientID  string
	refresher *TokenRefresher
	limiter   *rate.Limiter
	clock     clockwork.Clock

	appTokenExpiry time.Time
}

func NewClient(clientID, clientSecret string, refresher *TokenRefresher, clock clockwork.Clock) (*Client, error) {
	hc, err := helix.NewClient(&helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	return &Client{
		helix:     hc,
		clientID:  clientID,
		refresher: refresher,
		limiter:   rate.NewLimiter(rate.Limit(float64(helixRatePerMinute)/60.0), helixRatePerMinute/10),
		clock:     clock,
	}, nil
}

// ensureAppToken requests or renews the app access token. Callers must
// hold mu.
func (c *Client) ensureAppToken() error {
	if c.clock.Now().Add(appTokenSlack).Before(c.appTokenExpiry) {
		return nil
	}

	resp, err := c.helix.RequestAppAccessToken(nil)
	if err != nil {
		return fmt.Errorf("failed to get app access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, ErrorText: resp.Error, Message: resp.ErrorMessage}
	}

	c.helix.SetAppAccessToken(resp.Data.AccessToken)
	c.appTokenExpiry = c.clock.Now().Add(time.Duration(resp.Data.ExpiresIn) * time.Second)
	return nil
}

func checkStatus(rc helix.ResponseCommon, want int) error {
	if rc.StatusCode == want {
		return nil
	}
	return &APIError{StatusCode: rc.StatusCode, ErrorText: rc.Error, Message: rc.ErrorMessage}
}

// CreatedSubscription is the slice of a Helix create response the
// subscription manager persists.
type CreatedSubscription struct {
	ID        string
	Status    string
	Cost      int
	TotalCost int
	MaxCost   int
}

// CreateWebhookSubscription creates an app-token EventSub subscription
// delivered to the configured callback.
func (c *Client) CreateWebhookSubscription(ctx context.Context, bot *domain.BotAccount, eventType, broadcasterUserID, callbackURL, secret string) (*CreatedSubscription, error) {
	sub := &helix.EventSubSubscription{
		Type:      NormalizeEventType(eventType),
		Version:   PreferredVersion(eventType),
		Condition: c.buildCondition(eventType, broadcasterUserID, bot),
		Transport: helix.EventSubTransport{
			Method:   "webhook",
			Callback: callbackURL,
			Secret:   secret,
		},
	}
	return c.createSubscription(ctx, nil, sub)
}

// CreateWsSubscription creates a user-token EventSub subscription bound
// to the bot's websocket session.
func (c *Client) CreateWsSubscription(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID, sessionID string) (*CreatedSubscription, error) {
	bot, err := c.refresher.EnsureValidToken(ctx, botID)
	if err != nil {
		return nil, err
	}

	sub := &helix.EventSubSubscription{
		Type:      NormalizeEventType(eventType),
		Version:   PreferredVersion(eventType),
		Condition: c.buildCondition(eventType, broadcasterUserID, bot),
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	}
	return c.createSubscription(ctx, bot, sub)
}

// createSubscription runs the create call under retry. A nil bot means
// app-token auth.
func (c *Client) createSubscription(ctx context.Context, bot *domain.BotAccount, sub *helix.EventSubSubscription) (*CreatedSubscription, error) {
	p := eventSubRetryPolicy()
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("EventSub create failed, retrying",
			"event_type", sub.Type, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	return retry.Do(ctx, p, ClassifyHelixError, func() (*CreatedSubscription, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if bot != nil {
			c.helix.SetUserAccessToken(bot.AccessToken)
		} else if err := c.ensureAppToken(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		resp, err := c.helix.CreateEventSubSubscription(sub)
		if bot != nil {
			c.helix.SetUserAccessToken("")
		}
		c.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to create eventsub subscription: %w", err)
		}
		if err := checkStatus(resp.ResponseCommon, http.StatusAccepted); err != nil {
			return nil, err
		}
		if len(resp.Data.EventSubSubscriptions) == 0 {
			return nil, fmt.Errorf("no subscription returned")
		}

		created := resp.Data.EventSubSubscriptions[0]
		return &CreatedSubscription{
			ID:        created.ID,
			Status:    created.Status,
			Cost:      created.Cost,
			TotalCost: resp.Data.TotalCost,
			MaxCost:   resp.Data.MaxTotalCost,
		}, nil
	})
}

// DeleteSubscription removes an upstream subscription. Webhook-bound
// subscriptions delete with the app token; ws-bound ones need the owning
// bot's user token, so botID must be set for those.
func (c *Client) DeleteSubscription(ctx context.Context, botID *uuid.UUID, subscriptionID string) error {
	var bot *domain.BotAccount
	if botID != nil {
		var err error
		bot, err = c.refresher.EnsureValidToken(ctx, *botID)
		if err != nil {
			return err
		}
	}

	p := eventSubRetryPolicy()
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("EventSub delete failed, retrying",
			"subscription_id", subscriptionID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	return retry.DoVoid(ctx, p, ClassifyHelixError, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		if bot != nil {
			c.helix.SetUserAccessToken(bot.AccessToken)
		} else if err := c.ensureAppToken(); err != nil {
			c.mu.Unlock()
			return err
		}
		resp, err := c.helix.RemoveEventSubSubscription(subscriptionID)
		if bot != nil {
			c.helix.SetUserAccessToken("")
		}
		c.mu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to delete eventsub subscription: %w", err)
		}
		// 404 counts as success: the subscription is already gone
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return checkStatus(resp.ResponseCommon, http.StatusNoContent)
	})
}

// ListSubscriptions pages through every EventSub subscription owned by
// the app token.
func (c *Client) ListSubscriptions(ctx context.Context) ([]helix.EventSubSubscription, error) {
	var all []helix.EventSubSubscription
	cursor := ""

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if err := c.ensureAppToken(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		resp, err := c.helix.GetEventSubSubscriptions(&helix.EventSubSubscriptionsParams{After: cursor})
		c.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to list eventsub subscriptions: %w", err)
		}
		if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
			return nil, err
		}

		all = append(all, resp.Data.EventSubSubscriptions...)
		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			return all, nil
		}
	}
}

// User is the subset of a Helix user record the bridge cares about.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// GetUsers resolves up to 100 ids and logins in one call.
func (c *Client) GetUsers(ctx context.Context, ids, logins []string) ([]User, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.ensureAppToken(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, err := c.helix.GetUsers(&helix.UsersParams{IDs: ids, Logins: logins})
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}

	users := make([]User, 0, len(resp.Data.Users))
	for _, u := range resp.Data.Users {
		users = append(users, User{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName})
	}
	return users, nil
}

// LiveStream reports one currently-live broadcaster.
type LiveStream struct {
	UserID    string
	StartedAt time.Time
}

// GetLiveStreams looks up liveness for the given broadcaster ids,
// chunked to the Helix limit of 100 ids per request. Broadcasters absent
// from the result are offline.
func (c *Client) GetLiveStreams(ctx context.Context, userIDs []string) ([]LiveStream, error) {
	var all []LiveStream

	for start := 0; start < len(userIDs); start += 100 {
		end := min(start+100, len(userIDs))

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if err := c.ensureAppToken(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		resp, err := c.helix.GetStreams(&helix.StreamsParams{UserIDs: userIDs[start:end], First: 100})
		c.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to get streams: %w", err)
		}
		if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
			return nil, err
		}

		for _, s := range resp.Data.Streams {
			ls := LiveStream{UserID: s.UserID, StartedAt: s.StartedAt}
			all = append(all, ls)
		}
	}
	return all, nil
}

// buildCondition maps an event type to the condition shape Twitch
// expects. Moderator-scoped types carry the bot as moderator; chat types
// carry the bot as reading user; authorization types key on the client id.
func (c *Client) buildCondition(eventType, broadcasterUserID string, bot *domain.BotAccount) helix.EventSubCondition {
	normalized := NormalizeEventType(eventType)

	botUserID := ""
	if bot != nil {
		botUserID = bot.TwitchUserID
	}

	switch {
	case strings.HasPrefix(normalized, "user.authorization."):
		return helix.EventSubCondition{ClientID: c.clientID}
	case strings.HasPrefix(normalized, "user."):
		return helix.EventSubCondition{UserID: broadcasterUserID}
	case normalized == "channel.raid":
		return helix.EventSubCondition{ToBroadcasterUserID: broadcasterUserID}
	case RequiresConditionUserID(normalized):
		return helix.EventSubCondition{BroadcasterUserID: broadcasterUserID, UserID: botUserID}
	case requiresModeratorUserID(normalized):
		return helix.EventSubCondition{BroadcasterUserID: broadcasterUserID, ModeratorUserID: botUserID}
	default:
		return helix.EventSubCondition{BroadcasterUserID: broadcasterUserID}
	}
}

func requiresModeratorUserID(eventType string) bool {
	switch {
	case strings.HasPrefix(eventType, "automod."),
		strings.HasPrefix(eventType, "channel.suspicious_user."),
		strings.HasPrefix(eventType, "channel.unban_request."),
		strings.HasPrefix(eventType, "channel.warning."),
		strings.HasPrefix(eventType, "channel.shield_mode."),
		strings.HasPrefix(eventType, "channel.shoutout."),
		strings.HasPrefix(eventType, "channel.moderate"):
		return true
	case eventType == "channel.follow":
		return true
	}
	return false
}

// ClassifyHelixError maps Helix failures onto retry actions: 429 waits
// out the rate window, 5xx retries with backoff, other API errors are
// permanent. Transport-level errors retry.
func ClassifyHelixError(err error) retry.Action {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		var refreshErr *TokenRefreshError
		if errors.As(err, &refreshErr) && refreshErr.Revoked {
			return retry.Stop
		}
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func eventSubRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
	}
}
