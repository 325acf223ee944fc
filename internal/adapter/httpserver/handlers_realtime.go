package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/broadcast"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	apperrors "github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/errors"
)

var errForeignUserTopic = errors.New("cannot subscribe to another user's notifications")

func (s *Server) registerRealtimeRoutes() {
	g := s.echo.Group("/realtime", requireUser)
	g.GET("/ws", s.handleSocket)
	g.GET("/stream", s.handleStream)
	g.POST("/poll", s.handlePoll, newRateLimiter(s.config.PollRateLimit, s.config.PollRateBurst))
}

// topicGuard lets a user subscribe to any team topic and to their own user topic.
func topicGuard(userID string) broadcast.TopicGuard {
	own := domain.UserTopic(userID)
	return func(topic domain.TeamID) error {
		if topic.IsUserTopic() && topic != own {
			return errForeignUserTopic
		}
		return nil
	}
}

func (s *Server) handleSocket(c echo.Context) error {
	ctx := c.Request().Context()
	user := userID(c)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		slog.WarnContext(ctx, "Socket upgrade failed", "user_id", user, "error", err)
		return nil
	}

	if err := broadcast.ServeSocket(ctx, s.manager, conn, topicGuard(user), domain.UserTopic(user)); err != nil {
		slog.WarnContext(ctx, "Socket session ended with error", "user_id", user, "error", err)
	}
	return nil
}

func (s *Server) handleStream(c echo.Context) error {
	user := userID(c)
	guard := topicGuard(user)

	topics := []domain.TeamID{domain.UserTopic(user)}
	for _, raw := range c.QueryParams()["team"] {
		team := domain.TeamID(strings.TrimSpace(raw))
		if team == "" {
			continue
		}
		if err := guard(team); err != nil {
			return apperrors.ValidationError(err.Error()).WithField("team", raw)
		}
		topics = append(topics, team)
	}

	if err := broadcast.ServeStream(c.Request().Context(), s.manager, c.Response(), topics...); err != nil {
		return fmt.Errorf("serve stream: %w", err)
	}
	return nil
}

// handlePoll applies a control verb for polling clients. When the message names
// a live stream connection the verb is applied to it; otherwise the verb is only
// validated and acknowledged.
func (s *Server) handlePoll(c echo.Context) error {
	var msg domain.ControlMessage
	if err := c.Bind(&msg); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := msg.Validate(); err != nil {
		return apperrors.ValidationError(err.Error())
	}

	guard := topicGuard(userID(c))
	if msg.ConnectionID == "" {
		if msg.Type == domain.ControlSubscribe {
			if err := guard(msg.TeamID); err != nil {
				return apperrors.ValidationError(err.Error())
			}
		}
	} else if err := broadcast.ApplyControl(s.manager, msg, guard); err != nil {
		if errors.Is(err, errForeignUserTopic) {
			return apperrors.ValidationError(err.Error())
		}
		return fmt.Errorf("apply %s: %w", msg.Type, err)
	}

	if err := c.JSON(http.StatusOK, msg.Ack()); err != nil {
		return fmt.Errorf("failed to write poll response: %w", err)
	}
	return nil
}
