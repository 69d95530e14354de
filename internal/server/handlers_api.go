package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

type eventTypeResponse struct {
	twitch.CatalogEntry
	Transports []domain.Transport `json:"upstream_transports"`
}

func (s *Server) handleListEventTypes(c echo.Context) error {
	out := make([]eventTypeResponse, 0, len(twitch.Catalog))
	for _, entry := range twitch.Catalog {
		out = append(out, eventTypeResponse{
			CatalogEntry: entry,
			Transports:   twitch.SupportedTransports(entry.Type),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"event_types": out})
}

func (s *Server) handleStats(c echo.Context) error {
	svc := currentService(c)

	interests := s.registry.ListByService(svc.ID)
	byTransport := map[string]int{}
	for _, interest := range interests {
		byTransport[string(interest.Transport)]++
	}

	stats := map[string]any{
		"service_id":             svc.ID.String(),
		"ws_connections":         s.hub.ClientCount(svc.ID),
		"interests":              len(interests),
		"interests_by_transport": byTransport,
	}

	counters, err := s.counters.Get(c.Request().Context(), svc.ID)
	if err != nil {
		return apperrors.InternalError("failed to load delivery counters", err)
	}
	stats["delivered"] = counters.Delivered
	stats["webhook_failures"] = counters.WebhookFailures
	if !counters.LastSeen.IsZero() {
		stats["last_delivery"] = counters.LastSeen.UTC().Format(time.RFC3339)
	}

	return c.JSON(http.StatusOK, stats)
}
