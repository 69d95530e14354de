package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kwld/twitch-bridge/internal/dedupe"
)

const dedupeKeyPrefix = "dedupe:eventsub:"

// DedupeWindow shares the upstream message window across instances.
// SET NX EX is the whole protocol: the first instance to claim an id
// wins, everyone else sees a duplicate.
type DedupeWindow struct {
	rdb *goredis.Client
	ttl time.Duration
}

var _ dedupe.Window = (*DedupeWindow)(nil)

func NewDedupeWindow(client *Client, ttl time.Duration) *DedupeWindow {
	if ttl <= 0 {
		ttl = dedupe.DefaultTTL
	}
	return &DedupeWindow{rdb: client.Underlying(), ttl: ttl}
}

func (w *DedupeWindow) Observe(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}

	fresh, err := w.rdb.SetNX(ctx, dedupeKeyPrefix+messageID, "1", w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe window: %w", err)
	}
	return fresh, nil
}
