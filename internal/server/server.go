package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kwld/twitch-bridge/internal/config"
	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/eventsub"
	"github.com/kwld/twitch-bridge/internal/fanout"
	"github.com/kwld/twitch-bridge/internal/redis"
	"github.com/kwld/twitch-bridge/internal/registry"
	"github.com/kwld/twitch-bridge/internal/token"
)

// upstreamStatus reports the current EventSub session, empty when the
// websocket leg is down or unused.
type upstreamStatus interface {
	SessionID() string
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	registry  *registry.Registry
	manager   *eventsub.Manager
	hub       *fanout.Hub
	tokens    token.Store
	ingress   *Ingress
	services  domain.ServiceAccountRepository
	bots      domain.BotAccountRepository
	counters  domain.ServiceCounterRepository
	upstream  upstreamStatus
	db        *pgxpool.Pool
	redis     *redis.Client
	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	manager *eventsub.Manager,
	hub *fanout.Hub,
	tokens token.Store,
	ingress *Ingress,
	services domain.ServiceAccountRepository,
	bots domain.BotAccountRepository,
	counters domain.ServiceCounterRepository,
	upstream upstreamStatus,
	db *pgxpool.Pool,
	redisClient *redis.Client,
	clock clockwork.Clock,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("twitch_bridge"))
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    cfg,
		registry:  reg,
		manager:   manager,
		hub:       hub,
		tokens:    tokens,
		ingress:   ingress,
		services:  services,
		bots:      bots,
		counters:  counters,
		upstream:  upstream,
		db:        db,
		redis:     redisClient,
		clock:     clock,
		startTime: clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
