package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/correlation"
)

const (
	// StreamConnectedEvent is the first frame of every stream; it carries the connection ID.
	StreamConnectedEvent = "connected"
	// StreamClosedEvent is written when the manager closes the stream.
	StreamClosedEvent = "close"
)

var errStreamingUnsupported = errors.New("response writer does not support flushing")

// streamWriteTimeout bounds each frame written to a stream client.
var streamWriteTimeout = writeDeadline

type streamFrame struct {
	data []byte
	ping bool
}

// StreamConn adapts a server-sent event response to the Conn contract. Frames are
// buffered here and written by the HTTP handler goroutine running ServeStream.
type StreamConn struct {
	id        string
	frames    chan streamFrame
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func NewStreamConn(id string) *StreamConn {
	return &StreamConn{
		id:     id,
		frames: make(chan streamFrame, messageBufferSize),
		done:   make(chan struct{}),
	}
}

func (sc *StreamConn) ID() string        { return sc.id }
func (sc *StreamConn) Transport() string { return "stream" }

// Send queues frame as an SSE event named after the envelope's type.
func (sc *StreamConn) Send(frame []byte) error {
	return sc.enqueue(streamFrame{data: formatEvent(eventName(frame), frame)})
}

// Ping queues an SSE comment. The stream has no upstream channel, so a
// successful flush of the comment counts as the pong.
func (sc *StreamConn) Ping() error {
	return sc.enqueue(streamFrame{data: []byte(": ping\n\n"), ping: true})
}

func (sc *StreamConn) Close(reason string) {
	sc.closeOnce.Do(func() {
		sc.reason = reason
		close(sc.done)
	})
}

func (sc *StreamConn) enqueue(f streamFrame) error {
	select {
	case <-sc.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case sc.frames <- f:
		return nil
	default:
		return ErrSlowClient
	}
}

// ServeStream registers an SSE connection, subscribes topics, and writes frames
// until the request context ends or the manager closes the connection.
func ServeStream(ctx context.Context, m *Manager, w http.ResponseWriter, topics ...domain.TeamID) error {
	if _, ok := w.(http.Flusher); !ok {
		return errStreamingUnsupported
	}

	id := uuid.NewString()
	ctx = correlation.WithConnection(correlation.Ensure(ctx), id)

	sc := NewStreamConn(id)
	if err := m.Accept(sc); err != nil {
		return fmt.Errorf("accept stream: %w", err)
	}
	defer m.Disconnect(id)

	for _, topic := range topics {
		if err := m.Subscribe(id, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	write := func(frame []byte) error {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	hello, err := json.Marshal(domain.ControlMessage{Type: domain.ControlAck, ConnectionID: id})
	if err != nil {
		return fmt.Errorf("marshal connected frame: %w", err)
	}
	if err := write(formatEvent(StreamConnectedEvent, hello)); err != nil {
		return fmt.Errorf("write connected frame: %w", err)
	}

	slog.InfoContext(ctx, "Stream connected", "topics", len(topics))

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "Stream client went away")
			return nil
		case <-sc.done:
			reason, _ := json.Marshal(map[string]string{"reason": sc.reason})
			_ = write(formatEvent(StreamClosedEvent, reason))
			return nil
		case f := <-sc.frames:
			// A stalled reader trips the deadline; the deferred Disconnect evicts it.
			if err := write(f.data); err != nil {
				slog.DebugContext(ctx, "Stream write failed", "error", err)
				return nil
			}
			if f.ping {
				m.Pong(id)
			}
		}
	}
}

func formatEvent(name string, data []byte) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", name, data)
}

// eventName extracts the envelope type so stream clients can dispatch on the
// SSE event name. Frames without one are sent as "message".
func eventName(frame []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Type == "" {
		return "message"
	}
	return head.Type
}
