package inbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(minute int, read bool) domain.NotificationRecord {
	return domain.NotificationRecord{
		ID:          uuid.New(),
		Type:        domain.EventTaskAssigned,
		RecipientID: "u1",
		TeamID:      "team-7",
		Title:       fmt.Sprintf("notification %d", minute),
		Read:        read,
		CreatedAt:   epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(items []Notification) []uuid.UUID {
	out := make([]uuid.UUID, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func newTestStore(retention int) (*Store, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	return NewStore(StoreConfig{RetentionCount: retention, Clock: clock}), clock
}

func TestStore_AddNotification(t *testing.T) {
	store, _ := newTestStore(10)
	unread := record(1, false)
	read := record(2, true)

	assert.True(t, store.AddNotification(unread))
	assert.True(t, store.AddNotification(read))
	assert.False(t, store.AddNotification(unread), "duplicate id is a no-op")

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, store.UnreadCount())
	assert.Equal(t, []uuid.UUID{read.ID, unread.ID}, ids(store.Notifications()))
}

func TestStore_RetentionEvictsOldest(t *testing.T) {
	store, _ := newTestStore(3)
	var records []domain.NotificationRecord
	for minute := range 5 {
		r := record(minute, false)
		records = append(records, r)
		store.AddNotification(r)
	}

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 3, store.UnreadCount())
	assert.Equal(t, []uuid.UUID{records[4].ID, records[3].ID, records[2].ID}, ids(store.Notifications()))

	assert.False(t, store.AddNotification(record(-1, false)), "older than everything retained")
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 3, store.UnreadCount())
}

func TestStore_SetNotificationsKeepsCachedEntry(t *testing.T) {
	store, _ := newTestStore(10)
	live := record(5, false)
	require.True(t, store.AddNotification(live))
	require.True(t, store.MarkAsRead(live.ID))

	fetched := live
	fetched.Read = false
	older := record(1, false)
	store.SetNotifications([]domain.NotificationRecord{older, fetched, older})

	items := store.Notifications()
	require.Len(t, items, 2)
	assert.Equal(t, live.ID, items[0].ID)
	assert.True(t, items[0].Read, "cached read flag survives the refetch")
	assert.Equal(t, 1, store.UnreadCount())
}

func TestStore_SetNotificationsTruncates(t *testing.T) {
	store, _ := newTestStore(2)
	batch := []domain.NotificationRecord{record(1, false), record(3, true), record(2, false)}

	store.SetNotifications(batch)

	assert.Equal(t, []uuid.UUID{batch[1].ID, batch[2].ID}, ids(store.Notifications()))
	assert.Equal(t, 1, store.UnreadCount())
}

func TestStore_MarkAsRead(t *testing.T) {
	store, _ := newTestStore(10)
	a, b := record(1, false), record(2, false)
	store.AddNotification(a)
	store.AddNotification(b)

	assert.True(t, store.MarkAsRead(a.ID))
	assert.False(t, store.MarkAsRead(a.ID), "already read")
	assert.False(t, store.MarkAsRead(uuid.New()), "unknown id")
	assert.Equal(t, 1, store.UnreadCount())

	assert.Equal(t, 1, store.MarkAllAsRead())
	assert.Equal(t, 0, store.UnreadCount())
	assert.Equal(t, 0, store.MarkAllAsRead())
}

func TestStore_ShouldRefetch(t *testing.T) {
	store, clock := newTestStore(10)
	assert.True(t, store.ShouldRefetch(), "never fetched")

	store.SetNotifications(nil)
	assert.False(t, store.ShouldRefetch())

	clock.Advance(DefaultStaleThreshold)
	assert.False(t, store.ShouldRefetch(), "threshold is exclusive")

	clock.Advance(time.Second)
	assert.True(t, store.ShouldRefetch())

	store.AddNotification(record(1, false))
	assert.True(t, store.ShouldRefetch(), "live pushes do not count as a fetch")
}

// A notification pushed live and later refetched is cached once, keeping the
// read state of the first insertion unless it was marked read in between.
func TestStore_LivePushThenRefetch(t *testing.T) {
	t.Run("read state of first insertion", func(t *testing.T) {
		store, _ := newTestStore(10)
		n := record(1, false)
		require.True(t, store.AddNotification(n))

		refetched := n
		refetched.Read = true
		store.SetNotifications([]domain.NotificationRecord{refetched})

		items := store.Notifications()
		require.Len(t, items, 1)
		assert.False(t, items[0].Read)
		assert.Equal(t, 1, store.UnreadCount())
	})

	t.Run("marked read in between", func(t *testing.T) {
		store, _ := newTestStore(10)
		n := record(1, false)
		require.True(t, store.AddNotification(n))
		require.True(t, store.MarkAsRead(n.ID))

		store.SetNotifications([]domain.NotificationRecord{n})

		items := store.Notifications()
		require.Len(t, items, 1)
		assert.True(t, items[0].Read)
		assert.Equal(t, 0, store.UnreadCount())
	})

	t.Run("refetch first", func(t *testing.T) {
		store, _ := newTestStore(10)
		n := record(1, true)
		store.SetNotifications([]domain.NotificationRecord{n})

		pushed := n
		pushed.Read = false
		assert.False(t, store.AddNotification(pushed))
		assert.Equal(t, 0, store.UnreadCount())
	})
}

func TestStore_DedupAndBoundHoldForMixedSequences(t *testing.T) {
	store, _ := newTestStore(5)
	pool := make([]domain.NotificationRecord, 8)
	for i := range pool {
		pool[i] = record(i, i%3 == 0)
	}

	for round := range 4 {
		for i, r := range pool {
			if (i+round)%2 == 0 {
				store.AddNotification(r)
			}
		}
		store.SetNotifications(pool[round : round+4])

		items := store.Notifications()
		assert.LessOrEqual(t, len(items), 5)

		seen := make(map[uuid.UUID]bool)
		unread := 0
		for _, n := range items {
			assert.False(t, seen[n.ID], "duplicate id %s", n.ID)
			seen[n.ID] = true
			if !n.Read {
				unread++
			}
		}
		assert.Equal(t, unread, store.UnreadCount())
	}

	// The five newest survive.
	want := []uuid.UUID{pool[7].ID, pool[6].ID, pool[5].ID, pool[4].ID, pool[3].ID}
	assert.Equal(t, want, ids(store.Notifications()))
}

func TestStore_SyncMirrorsSiblings(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	hub := NewLocalSync()
	a := NewStore(StoreConfig{Clock: clock, Sync: hub})
	b := NewStore(StoreConfig{Clock: clock, Sync: hub})
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	n := record(1, false)
	require.True(t, a.AddNotification(n))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.UnreadCount())

	require.True(t, b.MarkAsRead(n.ID))
	assert.Equal(t, 0, a.UnreadCount())

	m := record(2, false)
	a.AddNotification(m)
	b.MarkAllAsRead()
	assert.Equal(t, 0, a.UnreadCount())

	b.Close()
	a.AddNotification(record(3, false))
	assert.Equal(t, 2, b.Len(), "detached store no longer mirrors")
}

func TestLocalSync_Unsubscribe(t *testing.T) {
	hub := NewLocalSync()
	var got []SyncKind
	unsubscribe := hub.Subscribe(func(msg SyncMessage) { got = append(got, msg.Kind) })

	hub.Publish(SyncMessage{Kind: SyncReadAll})
	unsubscribe()
	unsubscribe()
	hub.Publish(SyncMessage{Kind: SyncReadAll})

	assert.Equal(t, []SyncKind{SyncReadAll}, got)
}
