package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tmaxmax/go-sse"
)

const (
	streamPath = "/realtime/stream"

	streamConnectedEvent = "connected"
	streamClosedEvent    = "close"
	streamDefaultEvent   = "message"
)

// DialStream returns the server-sent event tier for endpoint. Subscriptions
// are sent through the polling endpoint, addressed to the stream's connection ID.
func DialStream(endpoint Endpoint) Dialer {
	api := NewAPIClient(endpoint)
	base := endpoint.client()

	return func(ctx context.Context, handler EventHandler) (Channel, error) {
		// The stream outlives ctx; ctx only bounds the handshake.
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, cancel)

		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint.url(streamPath), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build stream request: %w", err)
		}
		req.Header = endpoint.headers()
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		client := *base
		client.Timeout = 0
		resp, err := client.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open stream: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			err := readStatusError(resp)
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("open stream: %w", err)
		}

		events := newEventReader(resp.Body)
		connID, err := readHello(events)
		if err == nil && !stop() {
			err = ctx.Err()
		}
		if err != nil {
			resp.Body.Close()
			events.stop()
			cancel()
			return nil, fmt.Errorf("open stream: %w", err)
		}

		sc := &streamChannel{
			api:     api,
			id:      connID,
			body:    resp.Body,
			cancel:  cancel,
			handler: handler,
			done:    make(chan struct{}),
		}
		go sc.readLoop(events)
		return sc, nil
	}
}

func readHello(r *eventReader) (string, error) {
	ev, err := r.next()
	if err != nil {
		return "", fmt.Errorf("read connected frame: %w", err)
	}
	if ev.name != streamConnectedEvent {
		return "", fmt.Errorf("unexpected first event %q", ev.name)
	}
	var hello domain.ControlMessage
	if err := json.Unmarshal(ev.data, &hello); err != nil {
		return "", fmt.Errorf("decode connected frame: %w", err)
	}
	if hello.ConnectionID == "" {
		return "", errors.New("connected frame carries no connection id")
	}
	return hello.ConnectionID, nil
}

type streamChannel struct {
	api     *APIClient
	id      string
	body    io.Closer
	cancel  context.CancelFunc
	handler EventHandler

	mu            sync.Mutex
	err           error
	closedLocally bool
	done          chan struct{}
	doneOnce      sync.Once
}

// ConnectionID is the server-side identity of the stream.
func (sc *streamChannel) ConnectionID() string { return sc.id }

func (sc *streamChannel) Subscribe(ctx context.Context, team domain.TeamID) error {
	return sc.control(ctx, domain.ControlMessage{Type: domain.ControlSubscribe, TeamID: team, ConnectionID: sc.id})
}

func (sc *streamChannel) Unsubscribe(ctx context.Context, team domain.TeamID) error {
	return sc.control(ctx, domain.ControlMessage{Type: domain.ControlUnsubscribe, TeamID: team, ConnectionID: sc.id})
}

func (sc *streamChannel) control(ctx context.Context, msg domain.ControlMessage) error {
	reply, err := sc.api.Control(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type == domain.ControlError {
		return fmt.Errorf("%s %s rejected: %s", msg.Type, msg.TeamID, reply.Error)
	}
	return nil
}

func (sc *streamChannel) Done() <-chan struct{} { return sc.done }

func (sc *streamChannel) Err() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.err
}

func (sc *streamChannel) Close() error {
	sc.mu.Lock()
	sc.closedLocally = true
	sc.mu.Unlock()

	sc.cancel()
	if err := sc.body.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func (sc *streamChannel) readLoop(r *eventReader) {
	defer r.stop()
	for {
		ev, err := r.next()
		if err != nil {
			sc.finish(err)
			return
		}

		switch ev.name {
		case streamClosedEvent:
			var closing struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(ev.data, &closing)
			sc.finish(fmt.Errorf("server closed stream: %s", closing.Reason))
			return
		case streamConnectedEvent:
			continue
		}

		var realtime domain.RealtimeEvent
		if err := json.Unmarshal(ev.data, &realtime); err != nil {
			slog.Debug("Dropping undecodable stream event", "event", ev.name, "error", err)
			continue
		}
		sc.handler(realtime)
	}
}

func (sc *streamChannel) finish(err error) {
	sc.mu.Lock()
	if !sc.closedLocally {
		sc.err = &ConnectionError{Tier: "stream", Err: err}
	}
	sc.mu.Unlock()
	sc.doneOnce.Do(func() { close(sc.done) })
	sc.cancel()
}

type sseEvent struct {
	name string
	data []byte
}

// eventReader pulls dispatched events off a stream body. Comment-only blocks
// such as keep-alive pings never surface.
type eventReader struct {
	pull func() (sse.Event, error, bool)
	stop func()
}

func newEventReader(r io.Reader) *eventReader {
	pull, stop := iter.Pull2(sse.Read(r, nil))
	return &eventReader{pull: pull, stop: stop}
}

func (r *eventReader) next() (sseEvent, error) {
	ev, err, ok := r.pull()
	if !ok {
		return sseEvent{}, io.EOF
	}
	if err != nil {
		return sseEvent{}, err
	}
	name := ev.Type
	if name == "" {
		name = streamDefaultEvent
	}
	return sseEvent{name: name, data: []byte(ev.Data)}, nil
}
