package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	apperrors "github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/errors"
)

const eventBodyLimit = "256K"

type notificationsResponse struct {
	Notifications []domain.NotificationRecord `json:"notifications"`
}

type markAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type ingestResponse struct {
	Records      int                 `json:"records"`
	Pushed       int                 `json:"pushed"`
	PushFailures int                 `json:"pushFailures"`
	Announced    domain.RealtimeType `json:"announced,omitempty"`
}

func (s *Server) registerNotificationRoutes() {
	g := s.echo.Group("/api", requireUser)
	g.GET("/notifications", s.handleListNotifications)
	g.POST("/notifications/read-all", s.handleMarkAllRead)
	g.POST("/notifications/:id/read", s.handleMarkRead)
	g.POST("/events", s.handleIngestEvent, middleware.BodyLimit(eventBodyLimit))
}

func (s *Server) handleListNotifications(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apperrors.ValidationError("limit must be a non-negative integer").WithField("limit", raw)
		}
		limit = n
	}

	records, err := s.notifications.List(c.Request().Context(), userID(c), limit)
	if err != nil {
		return apperrors.InternalError("failed to list notifications", err)
	}

	if err := c.JSON(http.StatusOK, notificationsResponse{Notifications: records}); err != nil {
		return fmt.Errorf("failed to write notifications response: %w", err)
	}
	return nil
}

func (s *Server) handleMarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid notification id")
	}

	if err := s.notifications.MarkRead(c.Request().Context(), userID(c), id); err != nil {
		return err
	}

	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to write mark-read response: %w", err)
	}
	return nil
}

func (s *Server) handleMarkAllRead(c echo.Context) error {
	n, err := s.notifications.MarkAllRead(c.Request().Context(), userID(c))
	if err != nil {
		return apperrors.InternalError("failed to mark notifications read", err)
	}

	if err := c.JSON(http.StatusOK, markAllReadResponse{Updated: n}); err != nil {
		return fmt.Errorf("failed to write mark-all-read response: %w", err)
	}
	return nil
}

// handleIngestEvent materializes a domain event raised by a collaborator. The
// caller is the actor unless the body names one.
func (s *Server) handleIngestEvent(c echo.Context) error {
	var event domain.DomainEvent
	if err := json.NewDecoder(c.Request().Body).Decode(&event); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) || errors.Is(err, domain.ErrUnknownEventType) || errors.Is(err, domain.ErrInvalidEvent) {
			return err
		}
		return apperrors.ValidationError("invalid request body")
	}
	if event.ActorID == "" {
		event.ActorID = userID(c)
	}

	result, err := s.events.Materialize(c.Request().Context(), event)
	if err != nil {
		return err
	}

	resp := ingestResponse{
		Records:      len(result.Records),
		Pushed:       result.Pushed,
		PushFailures: len(result.PushFailures),
		Announced:    result.Announced,
	}
	if err := c.JSON(http.StatusAccepted, resp); err != nil {
		return fmt.Errorf("failed to write ingest response: %w", err)
	}
	return nil
}
