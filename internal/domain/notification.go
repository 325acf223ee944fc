package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationRecord is the durable notification. This subsystem creates
// records and flips Read; it never deletes them.
type NotificationRecord struct {
	ID          uuid.UUID       `json:"id"`
	Type        EventType       `json:"type"`
	RecipientID string          `json:"recipientId"`
	TeamID      TeamID          `json:"teamId"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewNotification carries the fields needed to create a record.
type NewNotification struct {
	Type        EventType
	RecipientID string
	TeamID      TeamID
	Title       string
	Message     string
	Data        json.RawMessage
}

// NotificationRepository abstracts the durable notification store.
type NotificationRepository interface {
	Create(ctx context.Context, n NewNotification) (*NotificationRecord, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]NotificationRecord, error)
	MarkRead(ctx context.Context, recipientID string, id uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
}
