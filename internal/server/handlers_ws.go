package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kwld/twitch-bridge/internal/crypto"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/token"
)

// Close codes surfaced to downstream clients after the upgrade.
const (
	closeInvalidToken    = 4401
	closeServiceDisabled = 4403
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleIssueWsToken(c echo.Context) error {
	svc := currentService(c)

	tok, ttl, err := s.tokens.Issue(c.Request().Context(), svc.ID)
	if err != nil {
		return apperrors.InternalError("failed to issue token", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"ws_token":   tok,
		"expires_in": int(ttl.Seconds()),
	})
}

// handleWebSocket upgrades first and authenticates second, so rejected
// clients receive a WebSocket close code instead of a bare HTTP error.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the HTTP error
	}

	serviceID, closeCode, reason := s.authenticateUpgrade(c)
	if closeCode != 0 {
		s.closeWith(conn, closeCode, reason)
		return nil
	}

	if err := s.hub.Register(serviceID, conn); err != nil {
		s.closeWith(conn, websocket.CloseTryAgainLater, "connection limit reached")
		return nil
	}

	slog.Info("Downstream client connected", "service_id", serviceID.String())

	// Inbound frames are not part of the protocol; the read loop only
	// notices disconnects and keeps control frames flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unregister(serviceID, conn)
	slog.Info("Downstream client disconnected", "service_id", serviceID.String())
	return nil
}

// authenticateUpgrade resolves the connecting service from a single-use
// token, falling back to legacy query credentials. A zero close code means
// success.
func (s *Server) authenticateUpgrade(c echo.Context) (uuid.UUID, int, string) {
	ctx := c.Request().Context()

	if tok := c.QueryParam("ws_token"); tok != "" {
		serviceID, err := s.tokens.Consume(ctx, tok)
		switch {
		case errors.Is(err, token.ErrExpiredToken):
			return uuid.Nil, closeInvalidToken, "token expired"
		case err != nil:
			return uuid.Nil, closeInvalidToken, "invalid token"
		}
		return s.checkServiceEnabled(c, serviceID)
	}

	// Legacy clients pass raw credentials in the query string.
	serviceID := c.QueryParam("service_id")
	secret := c.QueryParam("secret")
	if serviceID == "" || secret == "" {
		return uuid.Nil, closeInvalidToken, "missing credentials"
	}

	id, err := uuid.Parse(serviceID)
	if err != nil {
		return uuid.Nil, closeInvalidToken, "invalid credentials"
	}
	svc, err := s.services.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, closeInvalidToken, "invalid credentials"
	}
	if !crypto.VerifySecret(secret, svc.SecretHash) {
		return uuid.Nil, closeInvalidToken, "invalid credentials"
	}
	if !svc.Enabled {
		return uuid.Nil, closeServiceDisabled, "service disabled"
	}
	return svc.ID, 0, ""
}

func (s *Server) checkServiceEnabled(c echo.Context, serviceID uuid.UUID) (uuid.UUID, int, string) {
	svc, err := s.services.GetByID(c.Request().Context(), serviceID)
	if err != nil {
		return uuid.Nil, closeInvalidToken, "invalid token"
	}
	if !svc.Enabled {
		return uuid.Nil, closeServiceDisabled, "service disabled"
	}
	return svc.ID, 0, ""
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := s.clock.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
