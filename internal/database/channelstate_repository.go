package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwld/twitch-bridge/internal/domain"
)

type ChannelStateRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ChannelStateRepository = (*ChannelStateRepo)(nil)

func NewChannelStateRepo(pool *pgxpool.Pool) *ChannelStateRepo {
	return &ChannelStateRepo{pool: pool}
}

func (r *ChannelStateRepo) Upsert(ctx context.Context, state *domain.ChannelState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO channel_states (bot_account_id, broadcaster_user_id, live, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bot_account_id, broadcaster_user_id) DO UPDATE SET
			live = EXCLUDED.live,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at
	`, state.BotAccountID, state.BroadcasterUserID, state.Live, state.StartedAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert channel state: %w", err)
	}
	return nil
}

func (r *ChannelStateRepo) Get(ctx context.Context, botID uuid.UUID, broadcasterUserID string) (*domain.ChannelState, error) {
	var s domain.ChannelState
	err := r.pool.QueryRow(ctx, `
		SELECT bot_account_id, broadcaster_user_id, live, started_at, updated_at
		FROM channel_states WHERE bot_account_id = $1 AND broadcaster_user_id = $2
	`, botID, broadcasterUserID).Scan(&s.BotAccountID, &s.BroadcasterUserID, &s.Live, &s.StartedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrChannelStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel state: %w", err)
	}
	return &s, nil
}

func (r *ChannelStateRepo) ListByBot(ctx context.Context, botID uuid.UUID) ([]domain.ChannelState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT bot_account_id, broadcaster_user_id, live, started_at, updated_at
		FROM channel_states WHERE bot_account_id = $1
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel states: %w", err)
	}
	defer rows.Close()

	var states []domain.ChannelState
	for rows.Next() {
		var s domain.ChannelState
		if err := rows.Scan(&s.BotAccountID, &s.BroadcasterUserID, &s.Live, &s.StartedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channel states: %w", err)
	}
	return states, nil
}
