package inbox

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

const (
	DefaultRetentionCount = 100
	DefaultStaleThreshold = 2 * time.Minute
)

// Notification is a cached record plus the moment this client first saw it.
type Notification struct {
	domain.NotificationRecord
	ReceivedAt time.Time `json:"receivedAt"`
}

type StoreConfig struct {
	RetentionCount int
	StaleThreshold time.Duration
	Clock          clockwork.Clock
	// Sync shares adds and reads with sibling stores. Optional.
	Sync Sync
}

// Store holds at most RetentionCount notifications, newest first. Ids are
// unique; on collision the entry already cached wins.
type Store struct {
	retention int
	stale     time.Duration
	clock     clockwork.Clock
	sync      Sync
	origin    string
	detach    func()

	mu        sync.Mutex
	items     []*Notification
	index     map[uuid.UUID]*Notification
	unread    int
	lastFetch time.Time
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Store{
		retention: cfg.RetentionCount,
		stale:     cfg.StaleThreshold,
		clock:     cfg.Clock,
		sync:      cfg.Sync,
		origin:    uuid.NewString(),
		index:     make(map[uuid.UUID]*Notification),
	}
	if s.sync != nil {
		s.detach = s.sync.Subscribe(s.applyPeer)
	}
	return s
}

// Close detaches the store from its Sync.
func (s *Store) Close() {
	if s.detach != nil {
		s.detach()
	}
}

// SetNotifications merges a fetched batch and records a successful fetch.
func (s *Store) SetNotifications(batch []domain.NotificationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, record := range batch {
		if _, ok := s.index[record.ID]; ok {
			continue
		}
		n := &Notification{NotificationRecord: record, ReceivedAt: now}
		s.items = append(s.items, n)
		s.index[record.ID] = n
	}
	s.sortAndTrim()
	s.unread = s.countUnread()
	s.lastFetch = now
}

// AddNotification inserts a live-pushed record. It reports false when the id
// is already cached or the record is too old to be retained.
func (s *Store) AddNotification(record domain.NotificationRecord) bool {
	n, ok := s.add(record)
	if ok {
		s.publish(SyncMessage{Kind: SyncAdded, Notification: &n})
	}
	return ok
}

func (s *Store) add(record domain.NotificationRecord) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[record.ID]; ok {
		return Notification{}, false
	}
	n := &Notification{NotificationRecord: record, ReceivedAt: s.clock.Now()}
	s.items = append(s.items, n)
	s.index[record.ID] = n
	if !n.Read {
		s.unread++
	}
	s.sortAndTrim()

	if _, kept := s.index[record.ID]; !kept {
		return Notification{}, false
	}
	return *n, true
}

// MarkAsRead flips one cached entry. Callers persist the change separately.
func (s *Store) MarkAsRead(id uuid.UUID) bool {
	if !s.markRead(id) {
		return false
	}
	s.publish(SyncMessage{Kind: SyncRead, ID: id})
	return true
}

func (s *Store) markRead(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.index[id]
	if !ok || n.Read {
		return false
	}
	n.Read = true
	s.unread--
	return true
}

// MarkAllAsRead flips every cached entry and returns how many changed.
func (s *Store) MarkAllAsRead() int {
	changed := s.markAllRead()
	if changed > 0 {
		s.publish(SyncMessage{Kind: SyncReadAll})
	}
	return changed
}

func (s *Store) markAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, n := range s.items {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	s.unread = 0
	return changed
}

// ShouldRefetch reports whether the cache was never filled or its last
// successful fetch is older than the stale threshold.
func (s *Store) ShouldRefetch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFetch.IsZero() || s.clock.Since(s.lastFetch) > s.stale
}

// Notifications returns a copy of the cache, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	for i, n := range s.items {
		out[i] = *n
	}
	return out
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// sortAndTrim orders by creation time, newest first, and evicts the oldest
// entries beyond the retention bound. Callers hold mu.
func (s *Store) sortAndTrim() {
	slices.SortStableFunc(s.items, func(a, b *Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if c := b.ReceivedAt.Compare(a.ReceivedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	if len(s.items) <= s.retention {
		return
	}
	for _, evicted := range s.items[s.retention:] {
		delete(s.index, evicted.ID)
		if !evicted.Read {
			s.unread--
		}
	}
	clear(s.items[s.retention:])
	s.items = s.items[:s.retention]
}

func (s *Store) countUnread() int {
	unread := 0
	for _, n := range s.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

func (s *Store) publish(msg SyncMessage) {
	if s.sync == nil {
		return
	}
	msg.Origin = s.origin
	s.sync.Publish(msg)
}

// applyPeer mirrors a sibling's change without publishing it again.
func (s *Store) applyPeer(msg SyncMessage) {
	if msg.Origin == s.origin {
		return
	}
	switch msg.Kind {
	case SyncAdded:
		if msg.Notification != nil {
			s.add(msg.Notification.NotificationRecord)
		}
	case SyncRead:
		s.markRead(msg.ID)
	case SyncReadAll:
		s.markAllRead()
	}
}
