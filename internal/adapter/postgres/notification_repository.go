package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

const (
	insertNotification = `
INSERT INTO notifications (id, type, recipient_id, team_id, title, message, data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`

	listNotificationsByRecipient = `
SELECT id, type, recipient_id, team_id, title, message, data, read, created_at
FROM notifications
WHERE recipient_id = $1
ORDER BY created_at DESC, id
LIMIT $2`

	markNotificationRead = `
UPDATE notifications SET read = TRUE
WHERE id = $1 AND recipient_id = $2`

	markAllNotificationsRead = `
UPDATE notifications SET read = TRUE
WHERE recipient_id = $1 AND NOT read`
)

// NotificationRepo stores NotificationRecords in PostgreSQL.
type NotificationRepo struct {
	pool *pgxpool.Pool
}

var _ domain.NotificationRepository = (*NotificationRepo)(nil)

func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

func (r *NotificationRepo) Create(ctx context.Context, n domain.NewNotification) (*domain.NotificationRecord, error) {
	data := n.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	record := domain.NotificationRecord{
		ID:          uuid.New(),
		Type:        n.Type,
		RecipientID: n.RecipientID,
		TeamID:      n.TeamID,
		Title:       n.Title,
		Message:     n.Message,
		Data:        data,
	}

	err := r.pool.QueryRow(ctx, insertNotification,
		record.ID, string(record.Type), record.RecipientID, string(record.TeamID), record.Title, record.Message, []byte(data),
	).Scan(&record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}

	return &record, nil
}

func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.NotificationRecord, error) {
	rows, err := r.pool.Query(ctx, listNotificationsByRecipient, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, fmt.Errorf("failed to scan notifications: %w", err)
	}
	return records, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, recipientID string, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, markNotificationRead, id, recipientID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, markAllNotificationsRead, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.CollectableRow) (domain.NotificationRecord, error) {
	var (
		rec     domain.NotificationRecord
		kind    string
		team    string
		payload []byte
	)
	err := row.Scan(&rec.ID, &kind, &rec.RecipientID, &team, &rec.Title, &rec.Message, &payload, &rec.Read, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.Type = domain.EventType(kind)
	rec.TeamID = domain.TeamID(team)
	rec.Data = payload
	return rec, nil
}
