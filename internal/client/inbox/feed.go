package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds a shared fetch, which no single caller owns.
const refreshTimeout = 15 * time.Second

// Fetcher is the durable side of the inbox.
type Fetcher interface {
	ListNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context) error
}

// Feed keeps a Store converged with live events and the durable source.
type Feed struct {
	store   *Store
	fetcher Fetcher
	limit   int
	group   singleflight.Group
}

// NewFeed returns a Feed fetching up to limit records per refresh.
func NewFeed(store *Store, fetcher Fetcher, limit int) *Feed {
	return &Feed{store: store, fetcher: fetcher, limit: limit}
}

func (f *Feed) Store() *Store { return f.store }

// HandleEvent caches new-notification events. It reports whether ev added a
// notification the cache did not hold; other types are ignored.
func (f *Feed) HandleEvent(ev domain.RealtimeEvent) bool {
	if ev.Type != domain.RealtimeNewNotification {
		return false
	}
	var record domain.NotificationRecord
	if err := json.Unmarshal(ev.Payload, &record); err != nil {
		slog.Warn("Dropping undecodable notification", "team_id", ev.TeamID, "error", err)
		return false
	}
	if record.ID == uuid.Nil {
		slog.Warn("Dropping notification without id", "team_id", ev.TeamID)
		return false
	}
	if !f.store.AddNotification(record) {
		return false
	}
	slog.Debug("Notification cached", "notification_id", record.ID, "type", record.Type)
	return true
}

// Refresh refetches when the cache is stale or force is set. Concurrent
// calls share one fetch, which outlives any single caller's ctx. It reports
// whether a fetch ran.
func (f *Feed) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force && !f.store.ShouldRefetch() {
		return false, nil
	}
	results := f.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		records, err := f.fetcher.ListNotifications(fetchCtx, f.limit)
		if err != nil {
			return nil, err
		}
		f.store.SetNotifications(records)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("refresh notifications: %w", ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return false, fmt.Errorf("refresh notifications: %w", res.Err)
		}
		return true, nil
	}
}

// MarkAsRead flips the cached entry, then persists the read flag.
func (f *Feed) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	f.store.MarkAsRead(id)
	if err := f.fetcher.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("persist read flag: %w", err)
	}
	return nil
}

// MarkAllAsRead flips every cached entry, then persists the change.
func (f *Feed) MarkAllAsRead(ctx context.Context) error {
	f.store.MarkAllAsRead()
	if err := f.fetcher.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("persist read flags: %w", err)
	}
	return nil
}
