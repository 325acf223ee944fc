package inbox

import (
	"sync"

	"github.com/google/uuid"
)

type SyncKind string

const (
	SyncAdded   SyncKind = "added"
	SyncRead    SyncKind = "read"
	SyncReadAll SyncKind = "read_all"
)

// SyncMessage is one change shared between stores of the same user.
type SyncMessage struct {
	Origin       string        `json:"origin"`
	Kind         SyncKind      `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	ID           uuid.UUID     `json:"id,omitempty"`
}

// Sync is a local pub/sub between sibling stores. Subscribe returns a
// function that removes the subscription.
type Sync interface {
	Publish(msg SyncMessage)
	Subscribe(fn func(SyncMessage)) (unsubscribe func())
}

// LocalSync delivers messages synchronously to every subscriber in the
// process, the sender included.
type LocalSync struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(SyncMessage)
}

func NewLocalSync() *LocalSync {
	return &LocalSync{subs: make(map[int]func(SyncMessage))}
}

func (l *LocalSync) Publish(msg SyncMessage) {
	l.mu.RLock()
	subs := make([]func(SyncMessage), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

func (l *LocalSync) Subscribe(fn func(SyncMessage)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
		})
	}
}
