package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrDuplicateConnection  = errors.New("connection already registered")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrInvalidEvent         = errors.New("invalid event")
)

// PersistenceError reports that the durable write for one recipient failed.
// It is a hard failure for the caller of Materialize.
type PersistenceError struct {
	RecipientID string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist notification for %s: %v", e.RecipientID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PublishError reports that a live push could not be delivered. It is logged
// and swallowed; the recipient converges through a later fetch.
type PublishError struct {
	Topic TeamID
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
