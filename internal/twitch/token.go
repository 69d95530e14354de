package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/kwld/twitch-bridge/internal/domain"
)

// TokenRefreshError distinguishes revoked grants from transient refresh
// failures. Revoked means the bot must re-authorize; retrying is useless.
type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// TokenRefresher keeps bot user tokens fresh against the Twitch OAuth
// endpoint and persists rotated tokens through the bot repository.
type TokenRefresher struct {
	bots         domain.BotAccountRepository
	clientID     string
	clientSecret string
	oauthURL     string // configurable for testing
	httpClient   *http.Client
	clock        clockwork.Clock
	group        singleflight.Group
}

func NewTokenRefresher(bots domain.BotAccountRepository, clientID, clientSecret string, clock clockwork.Clock) *TokenRefresher {
	return &TokenRefresher{
		bots:         bots,
		clientID:     clientID,
		clientSecret: clientSecret,
		oauthURL:     "https://id.twitch.tv/oauth2/token",
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		clock:        clock,
	}
}

// EnsureValidToken returns the bot with a usable access token, refreshing
// when expiry is less than 60 seconds away. Concurrent callers for the
// same bot share one refresh round trip.
func (tr *TokenRefresher) EnsureValidToken(ctx context.Context, botID uuid.UUID) (*domain.BotAccount, error) {
	bot, err := tr.bots.GetByID(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot account: %w", err)
	}
	if !bot.Enabled {
		return nil, &TokenRefreshError{Revoked: true, Err: fmt.Errorf("bot account %s is disabled", botID)}
	}

	if tr.clock.Now().Add(60 * time.Second).Before(bot.TokenExpiry) {
		return bot, nil
	}

	v, err, _ := tr.group.Do(botID.String(), func() (any, error) {
		return tr.refreshAndStore(ctx, bot)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.BotAccount), nil
}

func (tr *TokenRefresher) refreshAndStore(ctx context.Context, bot *domain.BotAccount) (*domain.BotAccount, error) {
	accessToken, refreshToken, expiresIn, err := tr.refreshToken(ctx, bot.RefreshToken)
	if err != nil {
		return nil, err
	}

	expiry := tr.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	if err := tr.bots.UpdateTokens(ctx, bot.ID, accessToken, refreshToken, expiry); err != nil {
		return nil, fmt.Errorf("failed to update tokens: %w", err)
	}

	updated := *bot
	updated.AccessToken = accessToken
	updated.RefreshToken = refreshToken
	updated.TokenExpiry = expiry
	return &updated, nil
}

func (tr *TokenRefresher) refreshToken(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresIn int, err error) {
	data := url.Values{}
	data.Set("client_id", tr.clientID)
	data.Set("client_secret", tr.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", tr.oauthURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tr.httpClient.Do(req)
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		// 400/401 on refresh_token grant means the grant is gone
		revoked := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return "", "", 0, &TokenRefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}

	return result.AccessToken, result.RefreshToken, result.ExpiresIn, nil
}
