package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/app"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/config"
)

type eventIngester interface {
	Materialize(ctx context.Context, event domain.DomainEvent) (*app.MaterializeResult, error)
}

type notificationService interface {
	List(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	manager       *broadcast.Manager
	events        eventIngester
	notifications notificationService

	upgrader     websocket.Upgrader
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the echo server. registry may be nil, in which case HTTP
// metrics and the /metrics endpoint are disabled.
func NewServer(cfg *config.Config, manager *broadcast.Manager, events eventIngester, notifications notificationService, registry *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:          e,
		config:        cfg,
		manager:       manager,
		events:        events,
		notifications: notifications,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		},
		registry:     registry,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}
	if registry != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(registry)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the full middleware chain, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
