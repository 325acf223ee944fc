package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

const (
	socketPath         = "/realtime/ws"
	socketWriteTimeout = 5 * time.Second
	socketCloseTimeout = time.Second
)

// DialSocket returns the WebSocket tier for endpoint.
func DialSocket(endpoint Endpoint) Dialer {
	return func(ctx context.Context, handler EventHandler) (Channel, error) {
		target, err := endpoint.socketURL(socketPath)
		if err != nil {
			return nil, err
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, endpoint.headers())
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial socket: %w", &StatusError{StatusCode: resp.StatusCode})
			}
			return nil, fmt.Errorf("dial socket: %w", err)
		}

		sc := &socketChannel{conn: conn, handler: handler, done: make(chan struct{})}
		go sc.readLoop()
		return sc, nil
	}
}

type socketChannel struct {
	conn    *websocket.Conn
	handler EventHandler
	writeMu sync.Mutex

	mu            sync.Mutex
	err           error
	closedLocally bool
	done          chan struct{}
	doneOnce      sync.Once
}

func (sc *socketChannel) Subscribe(ctx context.Context, team domain.TeamID) error {
	return sc.control(ctx, domain.ControlMessage{Type: domain.ControlSubscribe, TeamID: team})
}

func (sc *socketChannel) Unsubscribe(ctx context.Context, team domain.TeamID) error {
	return sc.control(ctx, domain.ControlMessage{Type: domain.ControlUnsubscribe, TeamID: team})
}

// control writes a verb without waiting for the acknowledgement. Rejections
// arrive asynchronously and are logged by the read loop.
func (sc *socketChannel) control(ctx context.Context, msg domain.ControlMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}

	deadline := time.Now().Add(socketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(deadline)
	if err := sc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &ConnectionError{Tier: "socket", Err: err}
	}
	return nil
}

func (sc *socketChannel) Done() <-chan struct{} { return sc.done }

func (sc *socketChannel) Err() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.err
}

func (sc *socketChannel) Close() error {
	sc.mu.Lock()
	already := sc.closedLocally
	sc.closedLocally = true
	sc.mu.Unlock()
	if already {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	_ = sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketCloseTimeout))
	if err := sc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

func (sc *socketChannel) readLoop() {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			sc.finish(err)
			return
		}
		sc.dispatch(data)
	}
}

func (sc *socketChannel) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Debug("Dropping malformed socket frame", "error", err)
		return
	}

	switch domain.ControlType(head.Type) {
	case domain.ControlAck:
		return
	case domain.ControlError:
		var msg domain.ControlMessage
		_ = json.Unmarshal(data, &msg)
		slog.Warn("Server rejected control verb", "team_id", msg.TeamID, "error", msg.Error)
		return
	}

	var ev domain.RealtimeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Debug("Dropping undecodable socket event", "error", err)
		return
	}
	sc.handler(ev)
}

func (sc *socketChannel) finish(err error) {
	sc.mu.Lock()
	if !sc.closedLocally {
		sc.err = &ConnectionError{Tier: "socket", Err: err}
	}
	sc.mu.Unlock()
	_ = sc.conn.Close()
	sc.doneOnce.Do(func() { close(sc.done) })
}
