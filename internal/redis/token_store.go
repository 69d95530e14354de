package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kwld/twitch-bridge/internal/token"
)

const tokenKeyPrefix = "wstoken:"

// TokenStore keeps single-use WebSocket tokens in Redis so any instance
// behind a load balancer can consume a token minted by another. GETDEL
// makes the consume atomic, a token resolves exactly once.
type TokenStore struct {
	rdb *goredis.Client
}

var _ token.Store = (*TokenStore)(nil)

func NewTokenStore(client *Client) *TokenStore {
	return &TokenStore{rdb: client.Underlying()}
}

func (s *TokenStore) Issue(ctx context.Context, serviceID uuid.UUID) (string, time.Duration, error) {
	tok, err := token.Generate()
	if err != nil {
		return "", 0, err
	}

	if err := s.rdb.Set(ctx, tokenKeyPrefix+tok, serviceID.String(), token.TTL).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to store ws token: %w", err)
	}
	return tok, token.TTL, nil
}

func (s *TokenStore) Consume(ctx context.Context, tok string) (uuid.UUID, error) {
	value, err := s.rdb.GetDel(ctx, tokenKeyPrefix+tok).Result()
	if errors.Is(err, goredis.Nil) {
		// Expiry and reuse are indistinguishable once the key is gone.
		return uuid.Nil, token.ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to consume ws token: %w", err)
	}

	serviceID, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed ws token payload: %w", err)
	}
	return serviceID, nil
}
