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

type ServiceAccountRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ServiceAccountRepository = (*ServiceAccountRepo)(nil)

func NewServiceAccountRepo(pool *pgxpool.Pool) *ServiceAccountRepo {
	return &ServiceAccountRepo{pool: pool}
}

const serviceColumns = `id, name, secret_hash, webhook_secret, bot_allowlist, enabled, created_at`

func scanServiceAccount(row pgx.Row) (*domain.ServiceAccount, error) {
	var s domain.ServiceAccount
	err := row.Scan(&s.ID, &s.Name, &s.SecretHash, &s.WebhookSecret, &s.BotAllowlist, &s.Enabled, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ServiceAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ServiceAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM service_accounts WHERE id = $1`, id)

	svc, err := scanServiceAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}
	return svc, nil
}

func (r *ServiceAccountRepo) List(ctx context.Context) ([]domain.ServiceAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serviceColumns+` FROM service_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list service accounts: %w", err)
	}
	defer rows.Close()

	var services []domain.ServiceAccount
	for rows.Next() {
		svc, err := scanServiceAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service account: %w", err)
		}
		services = append(services, *svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read service accounts: %w", err)
	}
	return services, nil
}
