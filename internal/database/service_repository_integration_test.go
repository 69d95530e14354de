package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/domain"
)

func TestServiceGetByID(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewServiceAccountRepo(pool)
	ctx := context.Background()

	serviceID := createTestService(t, pool, "svc-1")

	svc, err := repo.GetByID(ctx, serviceID)
	require.NoError(t, err)
	assert.Equal(t, serviceID, svc.ID)
	assert.Equal(t, "svc-1", svc.Name)
	assert.Equal(t, "test-hash", svc.SecretHash)
	assert.Equal(t, "test-webhook-secret", svc.WebhookSecret)
	assert.True(t, svc.Enabled)
	assert.Empty(t, svc.BotAllowlist)
	assert.False(t, svc.CreatedAt.IsZero())

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestServiceBotAllowlistRoundTrip(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewServiceAccountRepo(pool)
	ctx := context.Background()

	serviceID := createTestService(t, pool, "svc-1")
	allowed := []uuid.UUID{uuid.New(), uuid.New()}

	_, err := pool.Exec(ctx, `UPDATE service_accounts SET bot_allowlist = $1 WHERE id = $2`, allowed, serviceID)
	require.NoError(t, err)

	svc, err := repo.GetByID(ctx, serviceID)
	require.NoError(t, err)
	assert.ElementsMatch(t, allowed, svc.BotAllowlist)
	assert.True(t, svc.AllowsBot(allowed[0]))
	assert.False(t, svc.AllowsBot(uuid.New()))
}

func TestServiceList(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewServiceAccountRepo(pool)
	ctx := context.Background()

	first := createTestService(t, pool, "svc-1")
	second := createTestService(t, pool, "svc-2")

	services, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)

	ids := []uuid.UUID{services[0].ID, services[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{first, second}, ids)
}
