package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/registry"
)

const ensureTimeout = 30 * time.Second

type createInterestRequest struct {
	BotAccountID string `json:"bot_account_id"`
	EventType    string `json:"event_type"`
	Broadcaster  string `json:"broadcaster_user_id"`
	Transport    string `json:"transport"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

type interestResponse struct {
	ID                string `json:"id"`
	BotAccountID      string `json:"bot_account_id"`
	EventType         string `json:"event_type"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Transport         string `json:"transport"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toInterestResponse(i *domain.Interest) interestResponse {
	return interestResponse{
		ID:                i.ID.String(),
		BotAccountID:      i.Key.BotAccountID.String(),
		EventType:         i.Key.EventType,
		BroadcasterUserID: i.Key.BroadcasterUserID,
		Transport:         string(i.Transport),
		WebhookURL:        i.WebhookURL,
		CreatedAt:         i.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         i.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateInterest(c echo.Context) error {
	svc := currentService(c)

	var req createInterestRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid_body", "request body must be valid JSON")
	}

	botID, err := uuid.Parse(req.BotAccountID)
	if err != nil {
		return apperrors.ValidationError(apperrors.CodeBotNotAccessible, "bot_account_id must be a UUID")
	}
	if !svc.AllowsBot(botID) {
		return apperrors.ForbiddenError(apperrors.CodeBotNotAccessible, "service may not use this bot account")
	}
	bot, err := s.bots.GetByID(c.Request().Context(), botID)
	if err != nil {
		if errors.Is(err, domain.ErrBotNotFound) {
			return apperrors.ValidationError(apperrors.CodeBotNotAccessible, "unknown bot account")
		}
		return apperrors.InternalError("failed to load bot account", err)
	}
	if !bot.Enabled {
		return apperrors.ForbiddenError(apperrors.CodeBotNotAccessible, "bot account is disabled")
	}

	result, err := s.registry.Upsert(c.Request().Context(), svc.ID, registry.UpsertParams{
		BotAccountID: botID,
		EventType:    req.EventType,
		Broadcaster:  req.Broadcaster,
		Transport:    domain.Transport(req.Transport),
		WebhookURL:   req.WebhookURL,
	})
	if err != nil {
		return err
	}

	s.ensureAsync(result.EnsureKeys)

	// Upsert semantics: creating and re-declaring both answer 200.
	return c.JSON(http.StatusOK, toInterestResponse(result.Interest))
}

func (s *Server) handleDeleteInterest(c echo.Context) error {
	svc := currentService(c)

	interestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid_interest_id", "interest id must be a UUID")
	}

	key, lastForKey, err := s.registry.Delete(c.Request().Context(), svc.ID, interestID)
	if err != nil {
		if errors.Is(err, domain.ErrInterestNotFound) {
			return apperrors.NotFoundError("interest not found")
		}
		return apperrors.InternalError("failed to delete interest", err)
	}

	if lastForKey {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
			defer cancel()
			s.manager.Release(ctx, key)
		}()
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	svc := currentService(c)

	interestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid_interest_id", "interest id must be a UUID")
	}

	touched, err := s.registry.Heartbeat(c.Request().Context(), svc.ID, interestID)
	if err != nil {
		if errors.Is(err, domain.ErrInterestNotFound) {
			return apperrors.NotFoundError("interest not found")
		}
		return apperrors.InternalError("failed to refresh interest", err)
	}

	return c.JSON(http.StatusOK, map[string]any{"touched": touched})
}

// ensureAsync reconciles upstream subscriptions off the request path.
// Failures surface to services as subscription.error envelopes, not as API
// errors.
func (s *Server) ensureAsync(keys []domain.InterestKey) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
		defer cancel()
		for _, key := range keys {
			if err := s.manager.Ensure(ctx, key); err != nil {
				slog.Warn("Background ensure failed",
					"event_type", key.EventType,
					"broadcaster", key.BroadcasterUserID,
					"error", err,
				)
			}
		}
	}()
}
