package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/correlation"
	apperrors "github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/errors"
)

const (
	correlationHeader = "X-Correlation-ID"
	userIDHeader      = "X-User-ID"
	contextKeyUserID  = "userID"

	maxCorrelationIDLength = 64
)

// correlationMiddleware reuses a caller-supplied correlation ID or mints one,
// and echoes it in the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(correlationHeader))
		if id == "" || len(id) > maxCorrelationIDLength {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlationHeader, id)
		return next(c)
	}
}

// requireUser reads the caller identity set by the upstream auth proxy.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(userIDHeader))
		if id == "" {
			return apperrors.UnauthorizedError("missing user identity")
		}
		c.Set(contextKeyUserID, id)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(contextKeyUserID).(string)
	return id
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

// toStructuredError maps domain failures onto structured HTTP errors.
func toStructuredError(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	var persistErr *domain.PersistenceError
	switch {
	case errors.As(err, &persistErr):
		return apperrors.ExternalError("notification could not be stored", err).
			WithField("recipient_id", persistErr.RecipientID)
	case errors.Is(err, domain.ErrNotificationNotFound):
		return apperrors.NotFoundError("notification not found")
	case errors.Is(err, domain.ErrUnknownConnection):
		return apperrors.NotFoundError("connection not found")
	case errors.Is(err, domain.ErrUnknownEventType), errors.Is(err, domain.ErrInvalidEvent):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, broadcast.ErrTooManyConnections):
		return apperrors.UnavailableError("connection limit reached", err)
	case errors.Is(err, broadcast.ErrManagerStopped):
		return apperrors.UnavailableError("server is shutting down", err)
	}

	return apperrors.AsStructuredError(err)
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if id := userID(c); id != "" {
		attrs = append(attrs, "user_id", id)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeUnauthorized:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeConflict, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal, apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Dependency error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := toStructuredError(err)
	logError(c, structuredErr)

	if c.Response().Committed {
		return nil
	}
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}
