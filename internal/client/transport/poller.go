package transport

import (
	"context"
	"fmt"

	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

// HTTPPoller is the polling tier. Each poll refetches the caller's recent
// notifications; the client store drops the ones it already holds.
type HTTPPoller struct {
	api   *APIClient
	limit int
}

func NewHTTPPoller(api *APIClient, limit int) *HTTPPoller {
	return &HTTPPoller{api: api, limit: limit}
}

// Subscribe registers the verb with the server, which acknowledges it.
func (p *HTTPPoller) Subscribe(ctx context.Context, team domain.TeamID) error {
	_, err := p.api.Control(ctx, domain.ControlMessage{Type: domain.ControlSubscribe, TeamID: team})
	return err
}

func (p *HTTPPoller) Unsubscribe(ctx context.Context, team domain.TeamID) error {
	_, err := p.api.Control(ctx, domain.ControlMessage{Type: domain.ControlUnsubscribe, TeamID: team})
	return err
}

// Poll returns the fetched notifications as new-notification events.
func (p *HTTPPoller) Poll(ctx context.Context) ([]domain.RealtimeEvent, error) {
	records, err := p.api.ListNotifications(ctx, p.limit)
	if err != nil {
		return nil, err
	}

	events := make([]domain.RealtimeEvent, 0, len(records))
	for _, record := range records {
		ev, err := domain.NewRealtimeEvent(domain.RealtimeNewNotification, domain.UserTopic(record.RecipientID), record)
		if err != nil {
			return nil, fmt.Errorf("encode notification %s: %w", record.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
