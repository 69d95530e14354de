package eventsub

import (
	"context"
	"testing"

	"github.com/nicklaw5/helix/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/domain"
)

func upstreamSub(id, eventType, status, method, broadcaster string) helix.EventSubSubscription {
	return helix.EventSubSubscription{
		ID:        id,
		Type:      eventType,
		Status:    status,
		Transport: helix.EventSubTransport{Method: method, SessionID: "sess-1"},
		Condition: helix.EventSubCondition{BroadcasterUserID: broadcaster},
		Cost:      1,
	}
}

func TestMatchSubscriptionReusesLiveRow(t *testing.T) {
	env := newManagerEnv(t, "")
	key := testInterestKey()
	desired := []domain.InterestKey{key}

	sub := upstreamSub("sub-1", "channel.follow", "enabled", "websocket", "10001")
	got, reuse := env.manager.matchSubscription(&sub, desired)
	require.True(t, reuse)
	assert.Equal(t, key, got)

	pending := upstreamSub("sub-2", "channel.follow", "webhook_callback_verification_pending", "webhook", "10001")
	_, reuse = env.manager.matchSubscription(&pending, desired)
	assert.True(t, reuse)
}

func TestMatchSubscriptionRejectsDegraded(t *testing.T) {
	env := newManagerEnv(t, "")
	desired := []domain.InterestKey{testInterestKey()}

	revoked := upstreamSub("sub-1", "channel.follow", "authorization_revoked", "websocket", "10001")
	_, reuse := env.manager.matchSubscription(&revoked, desired)
	assert.False(t, reuse)

	wrongBroadcaster := upstreamSub("sub-2", "channel.follow", "enabled", "websocket", "10002")
	_, reuse = env.manager.matchSubscription(&wrongBroadcaster, desired)
	assert.False(t, reuse)

	wrongType := upstreamSub("sub-3", "channel.cheer", "enabled", "websocket", "10001")
	_, reuse = env.manager.matchSubscription(&wrongType, desired)
	assert.False(t, reuse)

	conduit := upstreamSub("sub-4", "channel.follow", "enabled", "conduit", "10001")
	_, reuse = env.manager.matchSubscription(&conduit, desired)
	assert.False(t, reuse)
}

func TestMatchSubscriptionRaidCondition(t *testing.T) {
	env := newManagerEnv(t, "")
	key := testInterestKey()
	key.EventType = "channel.raid"
	desired := []domain.InterestKey{key}

	sub := helix.EventSubSubscription{
		ID:        "sub-1",
		Type:      "channel.raid",
		Status:    "enabled",
		Transport: helix.EventSubTransport{Method: "websocket"},
		Condition: helix.EventSubCondition{ToBroadcasterUserID: "10001"},
	}

	got, reuse := env.manager.matchSubscription(&sub, desired)
	require.True(t, reuse)
	assert.Equal(t, key, got)
}

func TestMirrorReusedPersistsRow(t *testing.T) {
	env := newManagerEnv(t, "")
	key := testInterestKey()
	ctx := context.Background()

	sub := upstreamSub("sub-1", "channel.follow", "enabled", "websocket", "10001")
	env.manager.mirrorReused(ctx, key, &sub)

	row, err := env.subs.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, key, row.Key)
	assert.Equal(t, domain.TransportWs, row.Transport)
	assert.Equal(t, domain.SubscriptionEnabled, row.Status)
	assert.Equal(t, "sess-1", row.SessionID)
	assert.Equal(t, 1, row.Cost)
}

func TestIsSystemSubscription(t *testing.T) {
	system := upstreamSub("sub-1", "user.authorization.revoke", "enabled", "webhook", "")
	assert.True(t, isSystemSubscription(&system))

	regular := upstreamSub("sub-2", "channel.follow", "enabled", "websocket", "10001")
	assert.False(t, isSystemSubscription(&regular))
}
