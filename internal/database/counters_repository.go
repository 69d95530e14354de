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

type ServiceCounterRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ServiceCounterRepository = (*ServiceCounterRepo)(nil)

func NewServiceCounterRepo(pool *pgxpool.Pool) *ServiceCounterRepo {
	return &ServiceCounterRepo{pool: pool}
}

func (r *ServiceCounterRepo) IncrDelivered(ctx context.Context, serviceID uuid.UUID, n int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_counters (service_id, delivered, last_seen)
		VALUES ($1, $2, NOW())
		ON CONFLICT (service_id) DO UPDATE SET
			delivered = service_counters.delivered + EXCLUDED.delivered,
			last_seen = NOW()
	`, serviceID, n)
	if err != nil {
		return fmt.Errorf("failed to increment delivered counter: %w", err)
	}
	return nil
}

func (r *ServiceCounterRepo) IncrWebhookFailures(ctx context.Context, serviceID uuid.UUID, n int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_counters (service_id, webhook_failures, last_seen)
		VALUES ($1, $2, NOW())
		ON CONFLICT (service_id) DO UPDATE SET
			webhook_failures = service_counters.webhook_failures + EXCLUDED.webhook_failures,
			last_seen = NOW()
	`, serviceID, n)
	if err != nil {
		return fmt.Errorf("failed to increment webhook failure counter: %w", err)
	}
	return nil
}

func (r *ServiceCounterRepo) Get(ctx context.Context, serviceID uuid.UUID) (*domain.ServiceCounters, error) {
	var c domain.ServiceCounters
	err := r.pool.QueryRow(ctx, `
		SELECT service_id, delivered, webhook_failures, last_seen FROM service_counters WHERE service_id = $1
	`, serviceID).Scan(&c.ServiceID, &c.Delivered, &c.WebhookFailures, &c.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.ServiceCounters{ServiceID: serviceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service counters: %w", err)
	}
	return &c, nil
}
