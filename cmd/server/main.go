package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/config"
	"github.com/kwld/twitch-bridge/internal/crypto"
	"github.com/kwld/twitch-bridge/internal/database"
	"github.com/kwld/twitch-bridge/internal/dedupe"
	"github.com/kwld/twitch-bridge/internal/eventsub"
	"github.com/kwld/twitch-bridge/internal/fanout"
	"github.com/kwld/twitch-bridge/internal/logging"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/redis"
	"github.com/kwld/twitch-bridge/internal/registry"
	"github.com/kwld/twitch-bridge/internal/server"
	"github.com/kwld/twitch-bridge/internal/token"
	"github.com/kwld/twitch-bridge/internal/twitch"
	"github.com/kwld/twitch-bridge/internal/version"
)

// dedupeCapacity bounds the in-memory dedupe window. Sized for sustained
// bursts well above normal EventSub volume within one window.
const dedupeCapacity = 100_000

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, bot tokens stored unencrypted")
		return crypto.NoopService{}
	}
	svc, err := crypto.NewAesGcm(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

// setupSharedState picks Redis-backed token and dedupe stores when a Redis
// URL is configured, in-memory ones otherwise.
func setupSharedState(cfg *config.Config, clock clockwork.Clock) (*redis.Client, token.Store, dedupe.Window) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, using in-memory token store and dedupe window")
		return nil, token.NewMemoryStore(clock), dedupe.NewMemoryWindow(clock, cfg.DedupeWindow, dedupeCapacity)
	}

	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return client, redis.NewTokenStore(client), redis.NewDedupeWindow(client, cfg.DedupeWindow)
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	build := version.Get()
	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, build.BuildTime, build.GoVersion).Set(1)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"version", build.Version,
		"webhook_ingress", cfg.WebhookConfigured(),
	)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient, tokenStore, window := setupSharedState(cfg, clock)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	cryptoSvc := setupCrypto(cfg)

	interestRepo := database.NewInterestRepo(pool)
	subRepo := database.NewSubscriptionRepo(pool)
	botRepo := database.NewBotRepo(pool, cryptoSvc)
	serviceRepo := database.NewServiceAccountRepo(pool)
	channelRepo := database.NewChannelStateRepo(pool)
	counterRepo := database.NewServiceCounterRepo(pool)

	refresher := twitch.NewTokenRefresher(botRepo, cfg.TwitchClientID, cfg.TwitchClientSecret, clock)
	twitchClient, err := twitch.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret, refresher, clock)
	if err != nil {
		slog.Error("Failed to create Twitch client", "error", err)
		os.Exit(1)
	}

	keys := registry.NewKeyLock()
	reg := registry.New(interestRepo, twitchClient, clock, keys)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := reg.Load(ctx); err != nil {
			cancel()
			slog.Error("Failed to load interest registry", "error", err)
			os.Exit(1)
		}
		cancel()
	}

	assets := twitch.NewChatAssetCache(twitchClient, clock)
	codec := fanout.NewCodec(clock, assets)
	hub := fanout.NewHub(clock, cfg.MaxWebSocketConnections)
	deliverer := fanout.NewDeliverer(counterRepo)
	dispatcher := fanout.NewDispatcher(reg, codec, hub, deliverer, serviceRepo, counterRepo)

	manager := eventsub.NewManager(
		twitchClient, subRepo, botRepo, reg, keys, dispatcher, channelRepo,
		clock, cfg.WebhookCallbackURL, cfg.WebhookSecret,
	)

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// With a webhook callback configured every upstream subscription uses
	// the webhook transport, so the websocket leg stays down.
	var session *eventsub.Session
	if !cfg.WebhookConfigured() {
		session = eventsub.NewSession(cfg.EventSubWsURL, manager, window, clock)
		go session.Run(rootCtx)
	}

	var ingress *server.Ingress
	if cfg.WebhookConfigured() {
		ingress = server.NewIngress(cfg.WebhookSecret, window, manager, clock)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		manager.EnsureSystemSubscriptions(ctx)
		if err := manager.ReconcileStartup(ctx); err != nil {
			slog.Error("Startup reconcile failed", "error", err)
		}
		cancel()
	}

	var gate registry.Gate
	if redisClient != nil {
		leader := redis.NewLeader(redisClient, "interest-prune", 2*time.Minute)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = leader.Release(ctx)
		}()
		gate = leader
	}
	pruner := registry.NewPruner(reg, manager, clock, gate)
	go pruner.Run(rootCtx)

	var srv *server.Server
	if session != nil {
		srv = server.NewServer(cfg, reg, manager, hub, tokenStore, ingress,
			serviceRepo, botRepo, counterRepo, session, pool, redisClient, clock)
	} else {
		// Pass nil explicitly to avoid a typed-nil interface.
		srv = server.NewServer(cfg, reg, manager, hub, tokenStore, ingress,
			serviceRepo, botRepo, counterRepo, nil, pool, redisClient, clock)
	}

	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopWorkers()
		hub.Stop()
		deliverer.Stop()
		close(done)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
