package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const leaderKeyPrefix = "leader:"

// renewLeaderScript extends the lease only while this instance still holds
// the key, so a slow renewer cannot steal leadership back after expiry.
var renewLeaderScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseLeaderScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Leader elects a single instance for a named background task with
// SET NX EX. The holder renews the lease on every acquire attempt; a
// crashed holder ages out with the TTL and another instance takes over.
type Leader struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeader(client *Client, task string, ttl time.Duration) *Leader {
	return &Leader{
		rdb:        client.Underlying(),
		instanceID: uuid.NewString(),
		key:        leaderKeyPrefix + task,
		ttl:        ttl,
	}
}

// TryAcquire claims the lease, or renews it when this instance already
// holds it. Returns true while this instance is the leader.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	claimed, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim leadership: %w", err)
	}
	if claimed {
		return true, nil
	}

	renewed, err := renewLeaderScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, int(l.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew leadership lease: %w", err)
	}
	return renewed == 1, nil
}

// Release gives the lease up voluntarily, for graceful shutdown. A no-op
// when another instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseLeaderScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leadership lease: %w", err)
	}
	return nil
}
