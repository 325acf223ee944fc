package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/correlation"
)

// MaterializeResult describes what one Materialize call achieved.
type MaterializeResult struct {
	// Records holds the notifications that were durably stored.
	Records []domain.NotificationRecord
	// Pushed counts live notification pushes accepted by the publisher.
	Pushed int
	// PushFailures holds one *domain.PublishError per failed live push.
	PushFailures []error
	// Announced is set when the team topic received a board event.
	Announced domain.RealtimeType
}

// Materializer turns domain events into durable notification records and
// best-effort live pushes.
type Materializer struct {
	repo      domain.NotificationRepository
	publisher domain.Publisher
	clock     clockwork.Clock
	metrics   *metrics.MaterializeMetrics
}

// NewMaterializer wires the notification pipeline. m may be nil.
func NewMaterializer(repo domain.NotificationRepository, publisher domain.Publisher, clock clockwork.Clock, m *metrics.MaterializeMetrics) *Materializer {
	return &Materializer{repo: repo, publisher: publisher, clock: clock, metrics: m}
}

// Materialize validates event, stores one record per notified recipient and
// pushes each stored record to its recipient's user topic. Task events are also
// announced to the team, skipping the originating connection.
//
// Persistence failures are returned joined as *domain.PersistenceError values
// alongside the partial result; push failures never fail the call.
func (m *Materializer) Materialize(ctx context.Context, event domain.DomainEvent) (*MaterializeResult, error) {
	ctx = correlation.Ensure(ctx)
	start := m.clock.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.ProcessingDuration.Observe(m.clock.Since(start).Seconds())
		}
	}()

	if err := event.Validate(); err != nil {
		m.countEvent(event.Type, "invalid")
		return nil, err
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		m.countEvent(event.Type, "invalid")
		return nil, fmt.Errorf("%w: encode data: %v", domain.ErrInvalidEvent, err)
	}

	result := &MaterializeResult{}
	var persistErrs []error

	for _, recipient := range event.NotifiedRecipients() {
		record, err := m.repo.Create(ctx, domain.NewNotification{
			Type:        event.Type,
			RecipientID: recipient,
			TeamID:      event.TeamID,
			Title:       event.Title,
			Message:     event.Message,
			Data:        data,
		})
		if err != nil {
			slog.ErrorContext(ctx, "Failed to persist notification", "recipient_id", recipient, "event_type", event.Type, "error", err)
			m.countRecord("error")
			persistErrs = append(persistErrs, &domain.PersistenceError{RecipientID: recipient, Err: err})
			continue
		}
		m.countRecord("ok")
		result.Records = append(result.Records, *record)
	}

	for _, record := range result.Records {
		topic := domain.UserTopic(record.RecipientID)
		if err := m.push(ctx, topic, domain.RealtimeNewNotification, record, ""); err != nil {
			result.PushFailures = append(result.PushFailures, err)
			continue
		}
		result.Pushed++
	}

	if change, ok := event.BoardChange(); ok {
		if err := m.push(ctx, event.TeamID, change, taskChange(event), event.OriginConnectionID); err != nil {
			result.PushFailures = append(result.PushFailures, err)
		} else {
			result.Announced = change
		}
	}

	outcome := "ok"
	if len(persistErrs) > 0 {
		outcome = "persistence_error"
	}
	m.countEvent(event.Type, outcome)

	slog.InfoContext(ctx, "Event materialized",
		"event_type", event.Type,
		"team_id", event.TeamID,
		"records", len(result.Records),
		"pushed", result.Pushed,
		"push_failures", len(result.PushFailures),
		"persist_failures", len(persistErrs),
	)

	return result, errors.Join(persistErrs...)
}

// push publishes one realtime event. Failures are logged, counted and returned
// as *domain.PublishError for the caller to collect.
func (m *Materializer) push(ctx context.Context, topic domain.TeamID, kind domain.RealtimeType, payload any, exclude string) error {
	event, err := domain.NewRealtimeEvent(kind, topic, payload)
	if err == nil {
		err = m.publisher.Publish(ctx, topic, event, exclude)
	}
	if err != nil {
		slog.WarnContext(ctx, "Live push failed", "topic", topic, "type", kind, "error", err)
		m.countPush(kind, "error")
		return &domain.PublishError{Topic: topic, Err: err}
	}
	m.countPush(kind, "ok")
	return nil
}

func taskChange(event domain.DomainEvent) domain.TaskChange {
	change := domain.TaskChange{ActorID: event.ActorID, Cause: event.Type}
	switch d := event.Data.(type) {
	case *domain.TaskData:
		change.TaskID = d.TaskID
		change.BoardID = d.BoardID
	case *domain.CommentData:
		change.TaskID = d.TaskID
	}
	return change
}

func (m *Materializer) countEvent(t domain.EventType, result string) {
	if m.metrics == nil {
		return
	}
	if !t.Known() {
		t = "unknown"
	}
	m.metrics.EventsProcessed.WithLabelValues(string(t), result).Inc()
}

func (m *Materializer) countRecord(result string) {
	if m.metrics != nil {
		m.metrics.RecordsCreated.WithLabelValues(result).Inc()
	}
}

func (m *Materializer) countPush(kind domain.RealtimeType, result string) {
	if m.metrics == nil {
		return
	}
	label := "team"
	if kind == domain.RealtimeNewNotification {
		label = "notification"
	}
	m.metrics.LivePushes.WithLabelValues(label, result).Inc()
}
