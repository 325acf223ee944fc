package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/correlation"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
	maxControlMessage = 4096
)

// SocketConn adapts a gorilla WebSocket to the Conn contract. A single writer
// goroutine drains the outbound buffer so Send and Ping never block.
type SocketConn struct {
	id         string
	connection *websocket.Conn
	clock      clockwork.Clock
	send       chan []byte
	ping       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	reason     string
	wg         sync.WaitGroup
}

// NewSocketConn wraps connection and starts its writer goroutine.
func NewSocketConn(id string, connection *websocket.Conn, clock clockwork.Clock) *SocketConn {
	sc := &SocketConn{
		id:         id,
		connection: connection,
		clock:      clock,
		send:       make(chan []byte, messageBufferSize),
		ping:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	sc.wg.Add(1)
	go sc.run()
	return sc
}

func (sc *SocketConn) ID() string        { return sc.id }
func (sc *SocketConn) Transport() string { return "socket" }

func (sc *SocketConn) Send(frame []byte) error {
	select {
	case <-sc.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case sc.send <- frame:
		return nil
	default:
		return ErrSlowClient
	}
}

// Ping queues a ping frame. A ping already queued satisfies the request.
func (sc *SocketConn) Ping() error {
	select {
	case <-sc.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case sc.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close asks the writer to send a close frame with reason and release the socket.
func (sc *SocketConn) Close(reason string) {
	sc.closeOnce.Do(func() {
		sc.reason = reason
		close(sc.done)
	})
}

// Wait blocks until the writer goroutine has exited.
func (sc *SocketConn) Wait() {
	sc.wg.Wait()
}

func (sc *SocketConn) run() {
	defer sc.wg.Done()

	for {
		select {
		case msg := <-sc.send:
			sc.updateWriteDeadline()
			if err := sc.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Socket write failed", "connection_id", sc.id, "error", err)
				sc.Close("write failed")
				_ = sc.connection.Close()
				return
			}
		case <-sc.ping:
			sc.updateWriteDeadline()
			if err := sc.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.Close("ping failed")
				_ = sc.connection.Close()
				return
			}
		case <-sc.done:
			// Only the writer touches the socket, so the close frame cannot race a data frame.
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sc.reason)
			sc.updateWriteDeadline()
			_ = sc.connection.WriteMessage(websocket.CloseMessage, closeMsg)
			_ = sc.connection.Close()
			return
		}
	}
}

func (sc *SocketConn) updateWriteDeadline() {
	_ = sc.connection.SetWriteDeadline(sc.clock.Now().Add(writeDeadline))
}

// TopicGuard authorizes a subscription requested by the peer. A nil guard allows every topic.
type TopicGuard func(topic domain.TeamID) error

// ServeSocket registers connection with the manager, subscribes the initial topics,
// and runs the control read loop until the peer goes away. The connection is
// removed from the manager before ServeSocket returns.
func ServeSocket(ctx context.Context, m *Manager, connection *websocket.Conn, guard TopicGuard, topics ...domain.TeamID) error {
	id := uuid.NewString()
	ctx = correlation.WithConnection(correlation.Ensure(ctx), id)

	sc := NewSocketConn(id, connection, m.Clock())
	if err := m.Accept(sc); err != nil {
		sc.Close("rejected")
		sc.Wait()
		return fmt.Errorf("accept socket: %w", err)
	}
	defer func() {
		m.Disconnect(id)
		sc.Close("client disconnected")
		sc.Wait()
	}()

	for _, topic := range topics {
		if err := m.Subscribe(id, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	pongWait := 2*m.HeartbeatInterval() + writeDeadline
	extend := func() { _ = connection.SetReadDeadline(m.Clock().Now().Add(pongWait)) }
	extend()
	connection.SetReadLimit(maxControlMessage)
	connection.SetPongHandler(func(string) error {
		extend()
		m.Pong(id)
		return nil
	})

	slog.InfoContext(ctx, "Socket connected", "topics", len(topics))

	for {
		_, data, err := connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Socket read ended", "error", err)
			}
			return nil
		}
		extend()

		reply := applyControl(ctx, m, id, guard, data)
		frame, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("marshal control reply: %w", err)
		}
		if err := sc.Send(frame); err != nil {
			slog.WarnContext(ctx, "Control reply dropped", "error", err)
			return nil
		}
	}
}

// applyControl decodes one control verb, applies it to connID and builds the reply.
func applyControl(ctx context.Context, m *Manager, connID string, guard TopicGuard, data []byte) domain.ControlMessage {
	var msg domain.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ControlMessage{Type: domain.ControlError, ConnectionID: connID, Error: "malformed control message"}
	}
	msg.ConnectionID = connID
	if err := ApplyControl(m, msg, guard); err != nil {
		slog.DebugContext(ctx, "Control verb rejected", "type", msg.Type, "team_id", msg.TeamID, "error", err)
		return msg.Reject(err)
	}
	return msg.Ack()
}

// ApplyControl performs a SUBSCRIBE or UNSUBSCRIBE verb for msg.ConnectionID.
// Subscriptions must pass guard when one is given.
func ApplyControl(m *Manager, msg domain.ControlMessage, guard TopicGuard) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type == domain.ControlUnsubscribe {
		return m.Unsubscribe(msg.ConnectionID, msg.TeamID)
	}
	if guard != nil {
		if err := guard(msg.TeamID); err != nil {
			return err
		}
	}
	return m.Subscribe(msg.ConnectionID, msg.TeamID)
}
