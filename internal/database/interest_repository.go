package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwld/twitch-bridge/internal/domain"
)

const uniqueViolation = "23505"

type InterestRepo struct {
	pool *pgxpool.Pool
}

var _ domain.InterestRepository = (*InterestRepo)(nil)

func NewInterestRepo(pool *pgxpool.Pool) *InterestRepo {
	return &InterestRepo{pool: pool}
}

const interestColumns = `id, service_id, bot_account_id, event_type, broadcaster_user_id, transport, webhook_url, created_at, updated_at`

func scanInterest(row pgx.Row) (*domain.Interest, error) {
	var i domain.Interest
	var transport string
	err := row.Scan(&i.ID, &i.ServiceID, &i.Key.BotAccountID, &i.Key.EventType, &i.Key.BroadcasterUserID,
		&transport, &i.WebhookURL, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Transport = domain.Transport(transport)
	return &i, nil
}

func (r *InterestRepo) Insert(ctx context.Context, interest *domain.Interest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO interests (id, service_id, bot_account_id, event_type, broadcaster_user_id, transport, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, interest.ID, interest.ServiceID, interest.Key.BotAccountID, interest.Key.EventType, interest.Key.BroadcasterUserID,
		string(interest.Transport), interest.WebhookURL, interest.CreatedAt, interest.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateInterest
	}
	if err != nil {
		return fmt.Errorf("failed to insert interest: %w", err)
	}
	return nil
}

func (r *InterestRepo) GetByUnique(ctx context.Context, serviceID uuid.UUID, key domain.InterestKey, transport domain.Transport, webhookURL string) (*domain.Interest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+interestColumns+` FROM interests
		WHERE service_id = $1 AND bot_account_id = $2 AND event_type = $3 AND broadcaster_user_id = $4 AND transport = $5 AND webhook_url = $6
	`, serviceID, key.BotAccountID, key.EventType, key.BroadcasterUserID, string(transport), webhookURL)

	interest, err := scanInterest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInterestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interest: %w", err)
	}
	return interest, nil
}

func (r *InterestRepo) GetByID(ctx context.Context, serviceID, id uuid.UUID) (*domain.Interest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+interestColumns+` FROM interests WHERE service_id = $1 AND id = $2
	`, serviceID, id)

	interest, err := scanInterest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInterestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interest by id: %w", err)
	}
	return interest, nil
}

func (r *InterestRepo) Delete(ctx context.Context, serviceID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM interests WHERE service_id = $1 AND id = $2`, serviceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete interest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInterestNotFound
	}
	return nil
}

func (r *InterestRepo) TouchGroup(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE interests SET updated_at = $1
		WHERE service_id = $2 AND bot_account_id = $3 AND broadcaster_user_id = $4
	`, now, serviceID, botID, broadcasterUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch interest group: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *InterestRepo) ListByKey(ctx context.Context, key domain.InterestKey) ([]domain.Interest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+interestColumns+` FROM interests
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3
	`, key.BotAccountID, key.EventType, key.BroadcasterUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interests by key: %w", err)
	}
	defer rows.Close()

	return collectInterests(rows)
}

func (r *InterestRepo) CountByKey(ctx context.Context, key domain.InterestKey) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM interests
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3
	`, key.BotAccountID, key.EventType, key.BroadcasterUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interests by key: %w", err)
	}
	return count, nil
}

func (r *InterestRepo) ListAll(ctx context.Context) ([]domain.Interest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+interestColumns+` FROM interests ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interests: %w", err)
	}
	defer rows.Close()

	return collectInterests(rows)
}

func (r *InterestRepo) DeleteStale(ctx context.Context, cutoff time.Time) ([]domain.Interest, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM interests WHERE updated_at < $1
		RETURNING `+interestColumns,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale interests: %w", err)
	}
	defer rows.Close()

	return collectInterests(rows)
}

func collectInterests(rows pgx.Rows) ([]domain.Interest, error) {
	var interests []domain.Interest
	for rows.Next() {
		interest, err := scanInterest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interest: %w", err)
		}
		interests = append(interests, *interest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read interests: %w", err)
	}
	return interests, nil
}
