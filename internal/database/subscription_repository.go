package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwld/twitch-bridge/internal/domain"
)

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SubscriptionRepository = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, bot_account_id, event_type, broadcaster_user_id, transport, status, session_id, cost, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.UpstreamSubscription, error) {
	var s domain.UpstreamSubscription
	var transport, status string
	err := row.Scan(&s.ID, &s.Key.BotAccountID, &s.Key.EventType, &s.Key.BroadcasterUserID,
		&transport, &status, &s.SessionID, &s.Cost, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Transport = domain.Transport(transport)
	s.Status = domain.SubscriptionStatus(status)
	return &s, nil
}

func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *domain.UpstreamSubscription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO upstream_subscriptions (id, bot_account_id, event_type, broadcaster_user_id, transport, status, session_id, cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			cost = EXCLUDED.cost,
			updated_at = EXCLUDED.updated_at
	`, sub.ID, sub.Key.BotAccountID, sub.Key.EventType, sub.Key.BroadcasterUserID,
		string(sub.Transport), string(sub.Status), sub.SessionID, sub.Cost, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert upstream subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*domain.UpstreamSubscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM upstream_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upstream subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) GetActiveByKey(ctx context.Context, key domain.InterestKey) (*domain.UpstreamSubscription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM upstream_subscriptions
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3 AND status IN ('enabled', 'pending')
	`, key.BotAccountID, key.EventType, key.BroadcasterUserID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription by key: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE upstream_subscriptions SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM upstream_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upstream subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) ListAll(ctx context.Context) ([]domain.UpstreamSubscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM upstream_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list upstream subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func (r *SubscriptionRepo) ListByTransport(ctx context.Context, transport domain.Transport) ([]domain.UpstreamSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM upstream_subscriptions WHERE transport = $1 ORDER BY created_at
	`, string(transport))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions by transport: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]domain.UpstreamSubscription, error) {
	var subs []domain.UpstreamSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return subs, nil
}
