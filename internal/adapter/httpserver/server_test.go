package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/app"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/config"
)

// --- Mock implementations ---

type mockEvents struct {
	materializeFn func(ctx context.Context, event domain.DomainEvent) (*app.MaterializeResult, error)
}

func (m *mockEvents) Materialize(ctx context.Context, event domain.DomainEvent) (*app.MaterializeResult, error) {
	if m.materializeFn != nil {
		return m.materializeFn(ctx, event)
	}
	return &app.MaterializeResult{}, nil
}

type mockNotifications struct {
	listFn        func(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error)
	markReadFn    func(ctx context.Context, userID string, id uuid.UUID) error
	markAllReadFn func(ctx context.Context, userID string) (int64, error)
}

func (m *mockNotifications) List(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, limit)
	}
	return []domain.NotificationRecord{}, nil
}

func (m *mockNotifications) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, userID, id)
	}
	return nil
}

func (m *mockNotifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, userID)
	}
	return 0, errors.New("not implemented")
}

// --- Test server ---

type testServerOptions struct {
	events        eventIngester
	notifications notificationService
	registry      *prometheus.Registry
	healthChecks  []HealthCheck
	config        *config.Config
}

func withEvents(e eventIngester) func(*testServerOptions) {
	return func(o *testServerOptions) { o.events = e }
}

func withNotifications(n notificationService) func(*testServerOptions) {
	return func(o *testServerOptions) { o.notifications = n }
}

func withRegistry(reg *prometheus.Registry) func(*testServerOptions) {
	return func(o *testServerOptions) { o.registry = reg }
}

func withHealthChecks(checks ...HealthCheck) func(*testServerOptions) {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withPollLimit(ratePerSecond float64, burst int) func(*testServerOptions) {
	return func(o *testServerOptions) {
		o.config.PollRateLimit = ratePerSecond
		o.config.PollRateBurst = burst
	}
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:            "test",
		Port:              "0",
		AppURL:            "https://app.example.com",
		HeartbeatInterval: time.Hour,
		MaxConnections:    10,
		PollRateLimit:     100,
		PollRateBurst:     100,
	}
}

func newTestServer(t *testing.T, opts ...func(*testServerOptions)) (*Server, *broadcast.Manager) {
	t.Helper()

	o := &testServerOptions{
		events:        &mockEvents{},
		notifications: &mockNotifications{},
		config:        testConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	mgr := broadcast.NewManager(clockwork.NewRealClock(), nil, o.config.HeartbeatInterval, o.config.MaxConnections)
	t.Cleanup(mgr.Stop)

	srv := NewServer(o.config, mgr, o.events, o.notifications, o.registry, o.healthChecks)
	return srv, mgr
}

// serve runs one request through the full middleware chain.
func serve(srv *Server, method, path, user, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, _ := newTestServer(t, withRegistry(reg))

	serve(srv, http.MethodGet, "/api/notifications", "u1", "")
	rec := serve(srv, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tasty_realtime_http_requests_total")
}

func TestNewServer_NoRegistryHidesMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorrelationHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/health/live", "", "")
	assert.NotEmpty(t, rec.Header().Get(correlationHeader))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(correlationHeader, "req-42")
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(correlationHeader))
}
