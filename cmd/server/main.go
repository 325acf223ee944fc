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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/httpserver"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/postgres"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/redis"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/app"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/config"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/logging"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDBMetrics(reg))
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

// setupRedis returns nil when REDIS_URL is unset; the process then serves
// only its own connections.
func setupRedis(cfg *config.Config) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running single-instance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
	}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}

func runGracefulShutdown(ctx context.Context, srv *httpserver.Server, manager *broadcast.Manager) error {
	<-ctx.Done()
	slog.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing connections first ends long-lived stream handlers so Shutdown can drain.
	manager.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
		return err
	}
	return nil
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	registry := metrics.NewRegistry()

	pool := setupDB(cfg, registry)
	defer pool.Close()

	rdb := setupRedis(cfg)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	manager := broadcast.NewManager(clock, metrics.NewRealtimeMetrics(registry), cfg.HeartbeatInterval, cfg.MaxConnections)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var publisher domain.Publisher = manager
	if rdb != nil {
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		bus := redis.NewBus(rdb, manager, instanceID, metrics.NewBusMetrics(registry))
		publisher = bus
		g.Go(func() error { return bus.Start(ctx) })
	}

	repo := postgres.NewNotificationRepo(pool)
	materializer := app.NewMaterializer(repo, publisher, clock, metrics.NewMaterializeMetrics(registry))
	notifications := app.NewNotificationService(repo)

	srv := httpserver.NewServer(cfg, manager, materializer, notifications, registry, healthChecks(pool, rdb))

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return runGracefulShutdown(ctx, srv, manager) })

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
