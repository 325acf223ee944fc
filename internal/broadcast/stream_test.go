package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

type sseEvent struct {
	name    string
	data    string
	comment bool
}

// readSSE reads one event or comment block from r.
func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return ev
		case strings.HasPrefix(line, ":"):
			ev.comment = true
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, mgr *Manager, topics ...domain.TeamID) (*bufio.Reader, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeStream(r.Context(), mgr, w, topics...)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	hello := readSSE(t, reader)
	require.Equal(t, StreamConnectedEvent, hello.name)

	var msg domain.ControlMessage
	require.NoError(t, json.Unmarshal([]byte(hello.data), &msg))
	require.NotEmpty(t, msg.ConnectionID)
	return reader, msg.ConnectionID
}

func TestServeStream_DeliversNamedEvents(t *testing.T) {
	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	t.Cleanup(mgr.Stop)
	reader, connID := openStream(t, mgr, "team-7")

	subs, err := mgr.Subscriptions(connID)
	require.NoError(t, err)
	assert.Equal(t, []domain.TeamID{"team-7"}, subs)

	delivered, err := mgr.PublishRaw("team-7", []byte(`{"type":"TASK_DELETED","teamId":"team-7"}`), "")
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	ev := readSSE(t, reader)
	assert.Equal(t, "TASK_DELETED", ev.name)
	assert.Equal(t, domain.RealtimeTaskDeleted, decodeFrame(t, ev.data).Type)
}

func TestServeStream_ControlThroughConnectionID(t *testing.T) {
	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	t.Cleanup(mgr.Stop)
	reader, connID := openStream(t, mgr)

	require.NoError(t, ApplyControl(mgr, domain.ControlMessage{Type: domain.ControlSubscribe, TeamID: "team-3", ConnectionID: connID}, nil))
	_, err := mgr.PublishRaw("team-3", []byte(`{"type":"TASK_UPDATED"}`), "")
	require.NoError(t, err)

	assert.Equal(t, "TASK_UPDATED", readSSE(t, reader).name)
}

func TestServeStream_FlushedPingCountsAsPong(t *testing.T) {
	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	t.Cleanup(mgr.Stop)
	reader, _ := openStream(t, mgr)

	for range 3 {
		mgr.HeartbeatSweep()
		assert.True(t, readSSE(t, reader).comment)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, mgr.ConnectionCount())
}

func TestServeStream_CloseEventOnShutdown(t *testing.T) {
	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	reader, _ := openStream(t, mgr)

	mgr.Stop()

	ev := readSSE(t, reader)
	assert.Equal(t, StreamClosedEvent, ev.name)
	assert.Contains(t, ev.data, reasonShutdown)
}

func TestStreamConn_FramesAndBackpressure(t *testing.T) {
	sc := NewStreamConn("s1")
	require.NoError(t, sc.Send([]byte(`{"type":"new-notification"}`)))
	f := <-sc.frames
	assert.Equal(t, "event: new-notification\ndata: {\"type\":\"new-notification\"}\n\n", string(f.data))

	require.NoError(t, sc.Send([]byte(`not-json`)))
	f = <-sc.frames
	assert.True(t, strings.HasPrefix(string(f.data), "event: message\n"))

	for range messageBufferSize {
		require.NoError(t, sc.Ping())
	}
	assert.ErrorIs(t, sc.Send([]byte(`{}`)), ErrSlowClient)

	sc.Close("bye")
	assert.ErrorIs(t, sc.Ping(), ErrConnectionClosed)
}

func TestServeStream_StalledReaderIsReleased(t *testing.T) {
	previous := streamWriteTimeout
	streamWriteTimeout = 200 * time.Millisecond
	t.Cleanup(func() { streamWriteTimeout = previous })

	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	t.Cleanup(mgr.Stop)

	returned := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(returned)
		_ = ServeStream(r.Context(), mgr, w, "team-7")
	}))
	t.Cleanup(server.Close)

	conn, err := net.Dial("tcp", server.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if tcp, ok := conn.(*net.TCPConn); ok {
		require.NoError(t, tcp.SetReadBuffer(4096))
	}
	_, err = fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", server.Listener.Addr())
	require.NoError(t, err)

	// Read up to the hello, then stop reading.
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: "+StreamConnectedEvent) {
			break
		}
	}

	frame := []byte(fmt.Sprintf(`{"type":"TASK_UPDATED","teamId":"team-7","pad":%q}`, strings.Repeat("x", 128<<10)))
	require.Eventually(t, func() bool {
		_, _ = mgr.PublishRaw("team-7", frame, "")
		select {
		case <-returned:
			return true
		default:
			return false
		}
	}, 15*time.Second, 10*time.Millisecond, "handler stays blocked on a reader that stopped")

	assert.Equal(t, 0, mgr.ConnectionCount())
}
