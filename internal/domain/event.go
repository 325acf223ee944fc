package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType is the closed set of domain events collaborators may raise.
type EventType string

const (
	EventTaskAssigned  EventType = "TASK_ASSIGNED"
	EventTaskUpdated   EventType = "TASK_UPDATED"
	EventTaskCommented EventType = "TASK_COMMENTED"
	EventForumReply    EventType = "FORUM_REPLY"
	EventMention       EventType = "MENTION"
	EventBoardInvite   EventType = "BOARD_INVITE"
)

// EventData is the typed payload of a DomainEvent. Each EventType has exactly
// one schema (see eventSchemas).
type EventData interface {
	validate() error
}

// TaskData accompanies task-scoped events. Change selects the board event
// announced to the team; it defaults to TASK_UPDATED.
type TaskData struct {
	TaskID  string       `json:"taskId"`
	BoardID string       `json:"boardId,omitempty"`
	Change  RealtimeType `json:"change,omitempty"`
}

func (d *TaskData) validate() error {
	if d.TaskID == "" {
		return errors.New("taskId is required")
	}
	switch d.Change {
	case "", RealtimeTaskCreated, RealtimeTaskUpdated, RealtimeTaskDeleted:
		return nil
	default:
		return fmt.Errorf("change %q is not a board event", d.Change)
	}
}

// CommentData accompanies comment and mention events.
type CommentData struct {
	TaskID    string `json:"taskId"`
	CommentID string `json:"commentId"`
}

func (d *CommentData) validate() error {
	if d.TaskID == "" || d.CommentID == "" {
		return errors.New("taskId and commentId are required")
	}
	return nil
}

// ForumData accompanies forum reply events.
type ForumData struct {
	ThreadID string `json:"threadId"`
	PostID   string `json:"postId"`
}

func (d *ForumData) validate() error {
	if d.ThreadID == "" || d.PostID == "" {
		return errors.New("threadId and postId are required")
	}
	return nil
}

// BoardData accompanies board invitations.
type BoardData struct {
	BoardID string `json:"boardId"`
	Role    string `json:"role,omitempty"`
}

func (d *BoardData) validate() error {
	if d.BoardID == "" {
		return errors.New("boardId is required")
	}
	return nil
}

var eventSchemas = map[EventType]func() EventData{
	EventTaskAssigned:  func() EventData { return &TaskData{} },
	EventTaskUpdated:   func() EventData { return &TaskData{} },
	EventTaskCommented: func() EventData { return &CommentData{} },
	EventForumReply:    func() EventData { return &ForumData{} },
	EventMention:       func() EventData { return &CommentData{} },
	EventBoardInvite:   func() EventData { return &BoardData{} },
}

// Known reports whether t belongs to the closed event set.
func (t EventType) Known() bool {
	_, ok := eventSchemas[t]
	return ok
}

// DecodeEventData decodes raw into the schema registered for t. Unknown
// fields are rejected.
func DecodeEventData(t EventType, raw json.RawMessage) (EventData, error) {
	newData, ok := eventSchemas[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}

	data := newData()
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return data, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: data for %s: %v", ErrInvalidEvent, t, err)
	}
	return data, nil
}

// DomainEvent is raised by collaborators whenever a state change should
// notify users. It is immutable once validated.
type DomainEvent struct {
	Type       EventType
	TeamID     TeamID
	ActorID    string
	Recipients []string
	Title      string
	Message    string
	Data       EventData

	// OriginConnectionID is the connection that caused the event, if any.
	// Team announcements skip it so the originator gets no echo.
	OriginConnectionID string
}

type domainEventJSON struct {
	Type               EventType       `json:"type"`
	TeamID             TeamID          `json:"teamId"`
	ActorID            string          `json:"actorId,omitempty"`
	Recipients         []string        `json:"recipients"`
	Title              string          `json:"title"`
	Message            string          `json:"message"`
	Data               json.RawMessage `json:"data,omitempty"`
	OriginConnectionID string          `json:"originConnectionId,omitempty"`
}

func (e DomainEvent) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if e.Data != nil {
		encoded, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		data = encoded
	}
	return json.Marshal(domainEventJSON{
		Type:               e.Type,
		TeamID:             e.TeamID,
		ActorID:            e.ActorID,
		Recipients:         e.Recipients,
		Title:              e.Title,
		Message:            e.Message,
		Data:               data,
		OriginConnectionID: e.OriginConnectionID,
	})
}

func (e *DomainEvent) UnmarshalJSON(b []byte) error {
	var raw domainEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	data, err := DecodeEventData(raw.Type, raw.Data)
	if err != nil {
		return err
	}

	*e = DomainEvent{
		Type:               raw.Type,
		TeamID:             raw.TeamID,
		ActorID:            raw.ActorID,
		Recipients:         raw.Recipients,
		Title:              raw.Title,
		Message:            raw.Message,
		Data:               data,
		OriginConnectionID: raw.OriginConnectionID,
	}
	return nil
}

// Validate checks the event against the closed type set and the schema for
// its type.
func (e DomainEvent) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.TeamID == "" {
		return fmt.Errorf("%w: teamId is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if e.Data == nil {
		return fmt.Errorf("%w: data is required for %s", ErrInvalidEvent, e.Type)
	}
	if !dataMatches(e.Type, e.Data) {
		return fmt.Errorf("%w: %s does not carry %T", ErrInvalidEvent, e.Type, e.Data)
	}
	if err := e.Data.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	for _, r := range e.Recipients {
		if r == "" {
			return fmt.Errorf("%w: empty recipient", ErrInvalidEvent)
		}
	}
	return nil
}

func dataMatches(t EventType, d EventData) bool {
	switch d.(type) {
	case *TaskData:
		return t == EventTaskAssigned || t == EventTaskUpdated
	case *CommentData:
		return t == EventTaskCommented || t == EventMention
	case *ForumData:
		return t == EventForumReply
	case *BoardData:
		return t == EventBoardInvite
	}
	return false
}

// NotifiedRecipients returns the distinct recipients, excluding the actor who
// caused the event. Input order is preserved.
func (e DomainEvent) NotifiedRecipients() []string {
	seen := make(map[string]struct{}, len(e.Recipients))
	out := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		if r == e.ActorID {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// BoardChange returns the board event a team should see for this domain
// event, or false when the event does not change a board.
func (e DomainEvent) BoardChange() (RealtimeType, bool) {
	switch d := e.Data.(type) {
	case *TaskData:
		if d.Change != "" {
			return d.Change, true
		}
		return RealtimeTaskUpdated, true
	case *CommentData:
		if e.Type == EventTaskCommented {
			return RealtimeTaskUpdated, true
		}
	}
	return "", false
}
