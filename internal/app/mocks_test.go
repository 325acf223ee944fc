package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

// memoryRepo is an in-memory NotificationRepository. Recipients listed in
// failFor make Create fail.
type memoryRepo struct {
	mu      sync.Mutex
	records []domain.NotificationRecord
	failFor map[string]error
	now     func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{failFor: map[string]error{}, now: time.Now}
}

func (r *memoryRepo) Create(_ context.Context, n domain.NewNotification) (*domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[n.RecipientID]; ok {
		return nil, err
	}
	rec := domain.NotificationRecord{
		ID:          uuid.New(),
		Type:        n.Type,
		RecipientID: n.RecipientID,
		TeamID:      n.TeamID,
		Title:       n.Title,
		Message:     n.Message,
		Data:        n.Data,
		CreatedAt:   r.now(),
	}
	r.records = append(r.records, rec)
	return &rec, nil
}

func (r *memoryRepo) ListByRecipient(_ context.Context, recipientID string, limit int) ([]domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationRecord
	for _, rec := range r.records {
		if rec.RecipientID == recipientID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) MarkRead(_ context.Context, recipientID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].ID == id && r.records[i].RecipientID == recipientID {
			r.records[i].Read = true
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

func (r *memoryRepo) MarkAllRead(_ context.Context, recipientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.records {
		if r.records[i].RecipientID == recipientID && !r.records[i].Read {
			r.records[i].Read = true
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) count(recipientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.RecipientID == recipientID {
			n++
		}
	}
	return n
}

type published struct {
	topic   domain.TeamID
	event   domain.RealtimeEvent
	exclude string
}

// recordingPublisher captures publishes; topics in failFor return an error.
type recordingPublisher struct {
	mu      sync.Mutex
	calls   []published
	failFor map[domain.TeamID]bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic domain.TeamID, event domain.RealtimeEvent, exclude string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[topic] {
		return errors.New("bus unavailable")
	}
	p.calls = append(p.calls, published{topic: topic, event: event, exclude: exclude})
	return nil
}

// fakeConn is a minimal broadcast.Conn collecting frames.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}
func (c *fakeConn) Ping() error  { return nil }
func (c *fakeConn) Close(string) {}
func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
