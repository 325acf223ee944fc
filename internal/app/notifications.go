package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// NotificationService serves a user's own notification records.
type NotificationService struct {
	repo domain.NotificationRepository
}

func NewNotificationService(repo domain.NotificationRepository) *NotificationService {
	return &NotificationService{repo: repo}
}

// List returns the user's most recent notifications, newest first.
// A non-positive limit selects the default; larger limits are capped.
func (s *NotificationService) List(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	records, err := s.repo.ListByRecipient(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	if records == nil {
		records = []domain.NotificationRecord{}
	}
	return records, nil
}

// MarkRead flags one notification as read. Another user's notification is
// reported as domain.ErrNotificationNotFound.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.repo.MarkRead(ctx, userID, id); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead flags every unread notification of the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read for %s: %w", userID, err)
	}
	slog.DebugContext(ctx, "Notifications marked read", "user_id", userID, "count", n)
	return n, nil
}
