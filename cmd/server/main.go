package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attendsync/attendsync/internal/adapter/httpserver"
	"github.com/attendsync/attendsync/internal/adapter/postgres"
	"github.com/attendsync/attendsync/internal/adapter/provider"
	"github.com/attendsync/attendsync/internal/adapter/redis"
	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/config"
	"github.com/attendsync/attendsync/internal/platform/logging"
	"github.com/attendsync/attendsync/internal/platform/version"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupGateway(cfg *config.Config) *provider.Gateway {
	gateway, err := provider.NewGateway(provider.Config{
		BaseURL:       cfg.ProviderBaseURL,
		APIKey:        cfg.ProviderAPIKey,
		Timeout:       cfg.ProviderTimeout,
		RatePerSecond: cfg.ProviderRatePerSecond,
	})
	if err != nil {
		slog.Error("Failed to create provider gateway", "error", err)
		os.Exit(1)
	}
	return gateway
}

func orchestratorConfig(cfg *config.Config) app.OrchestratorConfig {
	oc := app.DefaultOrchestratorConfig()
	oc.Workers = cfg.SyncWorkers
	oc.Retry = cfg.SyncRetryPolicy()
	oc.CallTimeout = cfg.ProviderTimeout
	oc.LeaseTTL = cfg.LeaseTTL
	return oc
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client) []httpserver.HealthCheck {
	return []httpserver.HealthCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return postgres.Ping(ctx, pool) }},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}
}

func runGracefulShutdown(srv *httpserver.Server, reconciler *app.SyncReconciler, orchestrator *app.Orchestrator, stopBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		reconciler.Stop()
		orchestrator.Stop(shutdownCtx)
		stopBackground()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	streams := postgres.NewStreamRepo(pool)
	failures := postgres.NewFailureRepo(pool)
	members := redis.NewMembershipCache(redisClient, postgres.NewMembershipRepo(pool), cfg.MembershipCacheTTL)
	admins := postgres.NewAdminRepo(pool)

	notifier := redis.NewNotifier(redisClient, cfg.NotifyBuffer)
	go notifier.Run(bgCtx)

	orchestrator := app.NewOrchestrator(
		streams,
		setupGateway(cfg),
		redis.NewLease(redisClient),
		failures,
		notifier,
		clock,
		orchestratorConfig(cfg),
	)

	appSvc := app.NewService(streams, members, admins, orchestrator, clock)

	reconciler := app.NewSyncReconciler(
		streams,
		failures,
		orchestrator,
		app.NewLeaderElector(redisClient, instanceID()),
		cfg.ReconcileInterval,
		clock,
	)
	go reconciler.Start(bgCtx)

	srv := httpserver.NewServer(
		httpserver.Config{
			Port:              cfg.Port,
			JoinRatePerSecond: cfg.JoinRatePerSecond,
			JoinBurst:         cfg.JoinBurst,
		},
		appSvc,
		healthChecks(pool, redisClient),
	)

	done := runGracefulShutdown(srv, reconciler, orchestrator, stopBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
