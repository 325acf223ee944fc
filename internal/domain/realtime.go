package domain

import (
	"encoding/json"
	"fmt"
)

// RealtimeType is the vocabulary of events pushed to live connections.
type RealtimeType string

const (
	RealtimeTaskCreated     RealtimeType = "TASK_CREATED"
	RealtimeTaskUpdated     RealtimeType = "TASK_UPDATED"
	RealtimeTaskDeleted     RealtimeType = "TASK_DELETED"
	RealtimeNewNotification RealtimeType = "new-notification"
)

// Known reports whether t is part of the pushed vocabulary.
func (t RealtimeType) Known() bool {
	switch t {
	case RealtimeTaskCreated, RealtimeTaskUpdated, RealtimeTaskDeleted, RealtimeNewNotification:
		return true
	}
	return false
}

// RealtimeEvent is the envelope every transport tier emits.
type RealtimeEvent struct {
	Type    RealtimeType    `json:"type"`
	TeamID  TeamID          `json:"teamId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRealtimeEvent encodes payload into an envelope.
func NewRealtimeEvent(t RealtimeType, team TeamID, payload any) (RealtimeEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return RealtimeEvent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return RealtimeEvent{Type: t, TeamID: team, Payload: data}, nil
}

// TaskChange is the payload of TASK_* board events.
type TaskChange struct {
	TaskID  string    `json:"taskId"`
	BoardID string    `json:"boardId,omitempty"`
	ActorID string    `json:"actorId,omitempty"`
	Cause   EventType `json:"cause"`
}

// ControlType names the verbs of the client control protocol.
type ControlType string

const (
	ControlSubscribe   ControlType = "SUBSCRIBE"
	ControlUnsubscribe ControlType = "UNSUBSCRIBE"
	ControlAck         ControlType = "ACK"
	ControlError       ControlType = "ERROR"
)

// ControlMessage travels upstream over the socket or the polling endpoint,
// and downstream as an acknowledgement.
type ControlMessage struct {
	Type         ControlType `json:"type"`
	TeamID       TeamID      `json:"teamId,omitempty"`
	ConnectionID string      `json:"connectionId,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Validate checks an inbound control verb.
func (m ControlMessage) Validate() error {
	switch m.Type {
	case ControlSubscribe, ControlUnsubscribe:
	default:
		return fmt.Errorf("unsupported control verb %q", m.Type)
	}
	if m.TeamID == "" {
		return fmt.Errorf("teamId is required for %s", m.Type)
	}
	return nil
}

// Ack builds the acknowledgement for m.
func (m ControlMessage) Ack() ControlMessage {
	return ControlMessage{Type: ControlAck, TeamID: m.TeamID, ConnectionID: m.ConnectionID}
}

// Reject builds an error reply for m.
func (m ControlMessage) Reject(err error) ControlMessage {
	return ControlMessage{Type: ControlError, TeamID: m.TeamID, ConnectionID: m.ConnectionID, Error: err.Error()}
}
