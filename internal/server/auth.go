package server

import (
	"errors"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kwld/twitch-bridge/internal/crypto"
	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
)

const (
	headerServiceID     = "X-Service-Id"
	headerServiceSecret = "X-Service-Secret"
)

// requireService authenticates requests with service credentials from the
// X-Service-Id / X-Service-Secret headers and stores the account under the
// "service" context key.
func (s *Server) requireService(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		serviceID := c.Request().Header.Get(headerServiceID)
		secret := c.Request().Header.Get(headerServiceSecret)
		if serviceID == "" || secret == "" {
			return apperrors.UnauthorizedError(apperrors.CodeInvalidServiceCreds, "missing service credentials")
		}

		svc, err := s.authenticateService(c, serviceID, secret)
		if err != nil {
			return err
		}

		c.Set("service", svc)
		c.Set("serviceID", svc.ID.String())
		return next(c)
	}
}

func (s *Server) authenticateService(c echo.Context, serviceID, secret string) (*domain.ServiceAccount, error) {
	id, err := uuid.Parse(serviceID)
	if err != nil {
		return nil, apperrors.UnauthorizedError(apperrors.CodeInvalidServiceCreds, "invalid service credentials")
	}

	svc, err := s.services.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrServiceNotFound) {
			return nil, apperrors.UnauthorizedError(apperrors.CodeInvalidServiceCreds, "invalid service credentials")
		}
		return nil, apperrors.InternalError("failed to load service account", err)
	}

	if !crypto.VerifySecret(secret, svc.SecretHash) {
		return nil, apperrors.UnauthorizedError(apperrors.CodeInvalidServiceCreds, "invalid service credentials")
	}
	if !svc.Enabled {
		return nil, apperrors.ForbiddenError(apperrors.CodeInvalidServiceCreds, "service account disabled")
	}
	return svc, nil
}

// currentService returns the account set by requireService. Handlers behind
// the middleware can rely on it being present.
func currentService(c echo.Context) *domain.ServiceAccount {
	svc, _ := c.Get("service").(*domain.ServiceAccount)
	return svc
}
