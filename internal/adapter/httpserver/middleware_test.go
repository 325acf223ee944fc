package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	apperrors "github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/errors"
)

func runWithErrorMiddleware(t *testing.T, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, ErrorHandlingMiddleware()(handler)(c))
	return rec
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestMiddlewareWithStructuredError(t *testing.T) {
	rec := runWithErrorMiddleware(t, func(c echo.Context) error {
		return apperrors.ValidationError("invalid input")
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, "invalid input", resp.Error)
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
}

func TestMiddlewareWithStandardError(t *testing.T) {
	rec := runWithErrorMiddleware(t, func(c echo.Context) error {
		return errors.New("standard error")
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, apperrors.TypeInternal, resp.Type)
}

func TestMiddlewareWithNoError(t *testing.T) {
	rec := runWithErrorMiddleware(t, func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestMiddlewareWithContext(t *testing.T) {
	rec := runWithErrorMiddleware(t, func(c echo.Context) error {
		return apperrors.NotFoundError("notification not found").
			WithField("notification_id", "n-1")
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, apperrors.TypeNotFound, resp.Type)
	assert.Equal(t, "n-1", resp.Context["notification_id"])
}

func TestMiddlewarePassesHTTPErrorsThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())

	err := ErrorHandlingMiddleware()(func(c echo.Context) error {
		return echo.ErrNotFound
	})(c)

	var httpErr *echo.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestMiddlewareMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   apperrors.ErrorType
	}{
		{
			name:       "notification not found",
			err:        fmt.Errorf("mark read: %w", domain.ErrNotificationNotFound),
			wantStatus: http.StatusNotFound,
			wantType:   apperrors.TypeNotFound,
		},
		{
			name:       "unknown connection",
			err:        fmt.Errorf("apply SUBSCRIBE: %w", domain.ErrUnknownConnection),
			wantStatus: http.StatusNotFound,
			wantType:   apperrors.TypeNotFound,
		},
		{
			name:       "unknown event type",
			err:        fmt.Errorf("%w: %q", domain.ErrUnknownEventType, "NOPE"),
			wantStatus: http.StatusBadRequest,
			wantType:   apperrors.TypeValidation,
		},
		{
			name:       "invalid event",
			err:        fmt.Errorf("%w: title is required", domain.ErrInvalidEvent),
			wantStatus: http.StatusBadRequest,
			wantType:   apperrors.TypeValidation,
		},
		{
			name:       "persistence failure",
			err:        errors.Join(&domain.PersistenceError{RecipientID: "u1", Err: errors.New("db down")}),
			wantStatus: http.StatusBadGateway,
			wantType:   apperrors.TypeExternal,
		},
		{
			name:       "connection limit",
			err:        fmt.Errorf("accept stream: %w", broadcast.ErrTooManyConnections),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   apperrors.TypeUnavailable,
		},
		{
			name:       "manager stopped",
			err:        broadcast.ErrManagerStopped,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   apperrors.TypeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runWithErrorMiddleware(t, func(c echo.Context) error { return tt.err })

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, decodeErrorResponse(t, rec).Type)
		})
	}
}

func TestMiddlewarePersistenceErrorNamesRecipient(t *testing.T) {
	rec := runWithErrorMiddleware(t, func(c echo.Context) error {
		return &domain.PersistenceError{RecipientID: "u9", Err: errors.New("timeout")}
	})

	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, "u9", resp.Context["recipient_id"])
	assert.NotContains(t, rec.Body.String(), "timeout")
}

func TestHandleErrorWithNil(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())

	assert.NoError(t, HandleError(c, nil))
}

func TestHandleErrorSkipsCommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)
	require.NoError(t, c.String(http.StatusOK, "partial"))

	require.NoError(t, HandleError(c, errors.New("late failure")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestRequireUser(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/api/notifications", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.TypeUnauthorized, decodeErrorResponse(t, rec).Type)

	rec = serve(srv, http.MethodGet, "/api/notifications", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
