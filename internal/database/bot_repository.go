package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwld/twitch-bridge/internal/crypto"
	"github.com/kwld/twitch-bridge/internal/domain"
)

// BotRepo persists bot identities. Tokens pass through the crypto service
// on every read and write so they never hit disk in the clear.
type BotRepo struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

var _ domain.BotAccountRepository = (*BotRepo)(nil)

func NewBotRepo(pool *pgxpool.Pool, cryptoService crypto.Service) *BotRepo {
	return &BotRepo{pool: pool, crypto: cryptoService}
}

const botColumns = `id, twitch_user_id, login, access_token, refresh_token, token_expiry, scopes, enabled, updated_at`

func (r *BotRepo) scanBot(row pgx.Row) (*domain.BotAccount, error) {
	var b domain.BotAccount
	err := row.Scan(&b.ID, &b.TwitchUserID, &b.Login, &b.AccessToken, &b.RefreshToken,
		&b.TokenExpiry, &b.Scopes, &b.Enabled, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if b.AccessToken, err = r.crypto.Decrypt(b.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if b.RefreshToken, err = r.crypto.Decrypt(b.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &b, nil
}

func (r *BotRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.BotAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bot_accounts WHERE id = $1`, id)

	bot, err := r.scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot account: %w", err)
	}
	return bot, nil
}

func (r *BotRepo) GetByTwitchUserID(ctx context.Context, twitchUserID string) (*domain.BotAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bot_accounts WHERE twitch_user_id = $1`, twitchUserID)

	bot, err := r.scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot account by twitch user id: %w", err)
	}
	return bot, nil
}

func (r *BotRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := r.crypto.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := r.crypto.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE bot_accounts SET access_token = $1, refresh_token = $2, token_expiry = $3, updated_at = NOW()
		WHERE id = $4
	`, encAccess, encRefresh, expiry, id)
	if err != nil {
		return fmt.Errorf("failed to update bot tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBotNotFound
	}
	return nil
}

func (r *BotRepo) Disable(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bot_accounts SET enabled = FALSE, access_token = '', refresh_token = '', updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to disable bot account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBotNotFound
	}
	return nil
}
