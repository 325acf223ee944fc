package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

// fakeConn records everything the manager does to it.
type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	pings   int
	closed  bool
	reason  string
	sendErr error
	pingErr error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) closeReason() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// testManager runs a manager whose ticker never fires during the test.
func testManager(t *testing.T, maxConnections int) (*Manager, *metrics.RealtimeMetrics) {
	t.Helper()
	m := metrics.NewRealtimeMetrics(prometheus.NewRegistry())
	mgr := NewManager(clockwork.NewRealClock(), m, time.Hour, maxConnections)
	t.Cleanup(mgr.Stop)
	return mgr, m
}

func acceptAll(t *testing.T, mgr *Manager, conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, mgr.Accept(c))
	}
}

func TestManager_AcceptRejectsDuplicates(t *testing.T) {
	mgr, m := testManager(t, 10)
	conn := newFakeConn("c1")

	require.NoError(t, mgr.Accept(conn))
	err := mgr.Accept(conn)
	require.ErrorIs(t, err, domain.ErrDuplicateConnection)

	assert.Equal(t, 1, mgr.ConnectionCount())
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("other")), 0)
}

func TestManager_AcceptEnforcesMaxConnections(t *testing.T) {
	mgr, _ := testManager(t, 2)
	acceptAll(t, mgr, newFakeConn("c1"), newFakeConn("c2"))

	extra := newFakeConn("c3")
	err := mgr.Accept(extra)
	require.ErrorIs(t, err, ErrTooManyConnections)

	closed, _ := extra.closeReason()
	assert.True(t, closed, "rejected connection should be closed")
	assert.Equal(t, 2, mgr.ConnectionCount())
}

func TestManager_SubscriptionNetEffect(t *testing.T) {
	mgr, _ := testManager(t, 10)
	conn := newFakeConn("c1")
	acceptAll(t, mgr, conn)

	require.NoError(t, mgr.Subscribe("c1", "team-7"))
	require.NoError(t, mgr.Subscribe("c1", "team-7"))
	assert.Equal(t, 1, mgr.SubscriberCount("team-7"))

	require.NoError(t, mgr.Unsubscribe("c1", "team-7"))
	assert.Equal(t, 0, mgr.SubscriberCount("team-7"))

	subs, err := mgr.Subscriptions("c1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestManager_UnsubscribeNonMemberIsNoop(t *testing.T) {
	mgr, _ := testManager(t, 10)
	acceptAll(t, mgr, newFakeConn("c1"))

	require.NoError(t, mgr.Subscribe("c1", "team-1"))
	require.NoError(t, mgr.Unsubscribe("c1", "team-2"))

	subs, err := mgr.Subscriptions("c1")
	require.NoError(t, err)
	assert.Equal(t, []domain.TeamID{"team-1"}, subs)
}

func TestManager_UnknownConnection(t *testing.T) {
	mgr, _ := testManager(t, 10)

	assert.ErrorIs(t, mgr.Subscribe("ghost", "team-7"), domain.ErrUnknownConnection)
	assert.ErrorIs(t, mgr.Unsubscribe("ghost", "team-7"), domain.ErrUnknownConnection)
	_, err := mgr.Subscriptions("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownConnection)
}

func TestManager_PublishDeliversOncePerSubscriber(t *testing.T) {
	mgr, m := testManager(t, 10)
	a, b, outsider := newFakeConn("a"), newFakeConn("b"), newFakeConn("outsider")
	acceptAll(t, mgr, a, b, outsider)

	require.NoError(t, mgr.Subscribe("a", "team-7"))
	require.NoError(t, mgr.Subscribe("b", "team-7"))
	require.NoError(t, mgr.Subscribe("outsider", "team-8"))

	delivered, err := mgr.PublishRaw("team-7", []byte(`{"type":"TASK_UPDATED"}`), "")
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, outsider.received())
	assert.InDelta(t, 2, testutil.ToFloat64(m.Deliveries), 0)
}

func TestManager_PublishExcludesOrigin(t *testing.T) {
	mgr, _ := testManager(t, 10)
	origin, peer := newFakeConn("origin"), newFakeConn("peer")
	acceptAll(t, mgr, origin, peer)
	require.NoError(t, mgr.Subscribe("origin", "team-7"))
	require.NoError(t, mgr.Subscribe("peer", "team-7"))

	event, err := domain.NewRealtimeEvent(domain.RealtimeTaskUpdated, "team-7", domain.TaskChange{TaskID: "t-1"})
	require.NoError(t, err)
	require.NoError(t, mgr.Publish(context.Background(), "team-7", event, "origin"))

	assert.Equal(t, 0, origin.received())
	assert.Equal(t, 1, peer.received())
}

func TestManager_PublishIsolatesFailures(t *testing.T) {
	mgr, m := testManager(t, 10)
	healthy, broken := newFakeConn("healthy"), newFakeConn("broken")
	broken.sendErr = ErrSlowClient
	acceptAll(t, mgr, healthy, broken)
	require.NoError(t, mgr.Subscribe("healthy", "team-7"))
	require.NoError(t, mgr.Subscribe("broken", "team-7"))
	require.NoError(t, mgr.Subscribe("broken", "team-9"))

	delivered, err := mgr.PublishRaw("team-7", []byte(`{}`), "")
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, healthy.received())
	closed, _ := broken.closeReason()
	assert.True(t, closed)
	assert.Equal(t, 1, mgr.ConnectionCount())
	assert.Equal(t, 0, mgr.SubscriberCount("team-9"), "failed connection loses every subscription")
	assert.InDelta(t, 1, testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("slow_client")), 0)
}

func TestManager_PublishToEmptyTeam(t *testing.T) {
	mgr, _ := testManager(t, 10)

	delivered, err := mgr.PublishRaw("nobody", []byte(`{}`), "")
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestManager_HeartbeatRemovesSilentConnectionWithinTwoSweeps(t *testing.T) {
	mgr, m := testManager(t, 10)
	silent, responsive := newFakeConn("silent"), newFakeConn("responsive")
	acceptAll(t, mgr, silent, responsive)
	require.NoError(t, mgr.Subscribe("silent", "team-7"))

	mgr.HeartbeatSweep()
	assert.Equal(t, 1, silent.pingCount())
	assert.Equal(t, 2, mgr.ConnectionCount(), "first sweep only pings")

	mgr.Pong("responsive")
	mgr.HeartbeatSweep()

	closed, reason := silent.closeReason()
	assert.True(t, closed)
	assert.Equal(t, reasonHeartbeatTimeout, reason)
	assert.Equal(t, 1, mgr.ConnectionCount())
	assert.Equal(t, 0, mgr.SubscriberCount("team-7"))
	assert.Equal(t, 2, responsive.pingCount())
	assert.InDelta(t, 1, testutil.ToFloat64(m.HeartbeatEvictions), 0)
}

func TestManager_PingErrorRemovesImmediately(t *testing.T) {
	mgr, _ := testManager(t, 10)
	conn := newFakeConn("c1")
	conn.pingErr = errors.New("broken pipe")
	acceptAll(t, mgr, conn)

	mgr.HeartbeatSweep()

	assert.Equal(t, 0, mgr.ConnectionCount())
}

func TestManager_TickerDrivesHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mgr := NewManager(clock, nil, 30*time.Second, 10)
	t.Cleanup(mgr.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Heartbeat and queue-depth tickers.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))

	conn := newFakeConn("c1")
	require.NoError(t, mgr.Accept(conn))

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return conn.pingCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_DisconnectIsSynchronous(t *testing.T) {
	mgr, _ := testManager(t, 10)
	conn := newFakeConn("c1")
	acceptAll(t, mgr, conn)
	require.NoError(t, mgr.Subscribe("c1", "team-7"))

	mgr.Disconnect("c1")
	mgr.Disconnect("c1")

	assert.Equal(t, 0, mgr.ConnectionCount())
	assert.Equal(t, 0, mgr.SubscriberCount("team-7"))
	closed, _ := conn.closeReason()
	assert.True(t, closed)
}

func TestManager_StopClosesAllConnections(t *testing.T) {
	mgr := NewManager(clockwork.NewRealClock(), nil, time.Hour, 10)
	a, b := newFakeConn("a"), newFakeConn("b")
	acceptAll(t, mgr, a, b)

	mgr.Stop()

	for _, c := range []*fakeConn{a, b} {
		closed, reason := c.closeReason()
		assert.True(t, closed)
		assert.Equal(t, reasonShutdown, reason)
	}

	late := newFakeConn("late")
	assert.ErrorIs(t, mgr.Accept(late), ErrManagerStopped)
	closed, _ := late.closeReason()
	assert.True(t, closed)
	assert.Equal(t, -1, mgr.ConnectionCount())
}
