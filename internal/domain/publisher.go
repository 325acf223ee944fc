package domain

import "context"

// Publisher fans a realtime event out to every connection subscribed to topic,
// skipping excludeConnID. The in-process broadcast manager implements it; a
// cross-process bus can front per-process managers behind the same contract.
type Publisher interface {
	Publish(ctx context.Context, topic TeamID, event RealtimeEvent, excludeConnID string) error
}
