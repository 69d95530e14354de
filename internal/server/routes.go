package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints, no auth
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/health", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Service API, authenticated with service credentials
	api := s.echo.Group("/v1", s.requireService)
	api.POST("/interests", s.handleCreateInterest)
	api.DELETE("/interests/:id", s.handleDeleteInterest)
	api.POST("/interests/:id/heartbeat", s.handleHeartbeat)
	api.POST("/ws-token", s.handleIssueWsToken)
	api.GET("/event-types", s.handleListEventTypes)
	api.GET("/stats", s.handleStats)

	// Downstream WebSocket, auth happens after the upgrade so close codes
	// reach the client
	s.echo.GET("/ws/events", s.handleWebSocket)

	// Twitch webhook ingress, signature-authenticated, never behind the
	// service auth or any IP allowlist
	if s.ingress != nil {
		s.echo.POST("/webhooks/twitch/eventsub", s.ingress.Handle)
	}
}
