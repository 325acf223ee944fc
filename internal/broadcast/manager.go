package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
)

const (
	commandTimeout  = 5 * time.Second
	stopTimeout     = 10 * time.Second
	depthInterval   = 1 * time.Second
	commandCapacity = 256

	reasonShutdown         = "server shutting down"
	reasonHeartbeatTimeout = "heartbeat timeout"
)

var (
	ErrSlowClient         = errors.New("client send buffer full")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrManagerStopped     = errors.New("broadcast manager stopped")
	ErrTooManyConnections = errors.New("connection limit reached")
	errCommandTimedOut    = errors.New("manager command timed out")
)

// Conn is a live transport handle owned by the Manager once accepted.
// Send and Ping must not block; Close may be called more than once.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Ping() error
	Close(reason string)
}

// connection is the registry record for one accepted Conn.
type connection struct {
	conn       Conn
	alive      bool
	subs       map[domain.TeamID]struct{}
	acceptedAt time.Time
}

type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type acceptCmd struct {
	baseManagerCmd
	conn  Conn
	reply chan error
}

type subscribeCmd struct {
	baseManagerCmd
	connID string
	team   domain.TeamID
	remove bool
	reply  chan error
}

type publishCmd struct {
	baseManagerCmd
	team    domain.TeamID
	frame   []byte
	exclude string
	reply   chan int
}

type sweepCmd struct {
	baseManagerCmd
	reply chan struct{}
}

type pongCmd struct {
	baseManagerCmd
	connID string
}

type disconnectCmd struct {
	baseManagerCmd
	connID string
	reply  chan struct{}
}

type countCmd struct {
	baseManagerCmd
	team  domain.TeamID
	reply chan int
}

type subscriptionsCmd struct {
	baseManagerCmd
	connID string
	reply  chan []domain.TeamID
}

type stopCmd struct {
	baseManagerCmd
}

// Manager is the connection registry and fan-out engine. All state is owned by the
// run goroutine; public methods are thin command senders.
type Manager struct {
	cmdCh             chan managerCmd
	clock             clockwork.Clock
	metrics           *metrics.RealtimeMetrics
	connections       map[string]*connection
	teams             map[domain.TeamID]map[string]*connection
	heartbeatInterval time.Duration
	maxConnections    int
	done              chan struct{}
	stopTimeout       time.Duration
}

// NewManager starts the manager loop.
// heartbeatInterval controls how often connections are pinged; a connection that has not
// answered the previous ping by the next sweep is removed.
// maxConnections bounds the registry (new connections beyond it are closed and rejected).
// m may be nil when metrics are not collected.
func NewManager(clock clockwork.Clock, m *metrics.RealtimeMetrics, heartbeatInterval time.Duration, maxConnections int) *Manager {
	mgr := &Manager{
		cmdCh:             make(chan managerCmd, commandCapacity),
		clock:             clock,
		metrics:           m,
		connections:       make(map[string]*connection),
		teams:             make(map[domain.TeamID]map[string]*connection),
		heartbeatInterval: heartbeatInterval,
		maxConnections:    maxConnections,
		done:              make(chan struct{}),
		stopTimeout:       stopTimeout,
	}
	go mgr.run()
	return mgr
}

// Clock returns the clock the manager and its transports share.
func (m *Manager) Clock() clockwork.Clock { return m.clock }

// HeartbeatInterval returns the sweep period, used by transports to size read deadlines.
func (m *Manager) HeartbeatInterval() time.Duration { return m.heartbeatInterval }

// Accept registers conn as alive with no subscriptions.
func (m *Manager) Accept(conn Conn) error {
	reply := make(chan error, 1)
	if err := m.enqueue(acceptCmd{conn: conn, reply: reply}); err != nil {
		conn.Close(reasonShutdown)
		return err
	}
	result, err := await(m, reply)
	if err != nil {
		return fmt.Errorf("accept %s: %w", conn.ID(), err)
	}
	return result
}

// Subscribe adds team to the connection's subscriptions. Subscribing twice is a no-op.
func (m *Manager) Subscribe(connID string, team domain.TeamID) error {
	return m.mutateSubscription(connID, team, false)
}

// Unsubscribe removes team from the connection's subscriptions. Removing a team the
// connection never joined is a no-op.
func (m *Manager) Unsubscribe(connID string, team domain.TeamID) error {
	return m.mutateSubscription(connID, team, true)
}

func (m *Manager) mutateSubscription(connID string, team domain.TeamID, remove bool) error {
	reply := make(chan error, 1)
	if err := m.enqueue(subscribeCmd{connID: connID, team: team, remove: remove, reply: reply}); err != nil {
		return err
	}
	result, err := await(m, reply)
	if err != nil {
		return err
	}
	return result
}

// Publish encodes event and delivers it to every subscriber of topic except excludeConnID.
// It satisfies domain.Publisher for single-process deployments.
func (m *Manager) Publish(ctx context.Context, topic domain.TeamID, event domain.RealtimeEvent, excludeConnID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	if _, err := m.PublishRaw(topic, frame, excludeConnID); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PublishRaw delivers an already encoded frame and returns the number of successful
// deliveries. Each subscriber gets exactly one attempt; a failing subscriber is
// deregistered without affecting the others.
func (m *Manager) PublishRaw(topic domain.TeamID, frame []byte, excludeConnID string) (int, error) {
	reply := make(chan int, 1)
	if err := m.enqueue(publishCmd{team: topic, frame: frame, exclude: excludeConnID, reply: reply}); err != nil {
		return 0, err
	}
	return await(m, reply)
}

// HeartbeatSweep runs one liveness pass immediately and waits for it to finish.
// The loop also runs it every heartbeat interval.
func (m *Manager) HeartbeatSweep() {
	reply := make(chan struct{}, 1)
	if err := m.enqueue(sweepCmd{reply: reply}); err != nil {
		return
	}
	if _, err := await(m, reply); err != nil {
		slog.Warn("Heartbeat sweep timed out", "timeout", commandTimeout)
	}
}

// Pong marks the connection alive. Transports call it when the peer answers a ping.
func (m *Manager) Pong(connID string) {
	_ = m.enqueue(pongCmd{connID: connID})
}

// Disconnect removes the connection and all its subscriptions before returning.
// Unknown IDs are ignored.
func (m *Manager) Disconnect(connID string) {
	reply := make(chan struct{}, 1)
	if err := m.enqueue(disconnectCmd{connID: connID, reply: reply}); err != nil {
		return
	}
	if _, err := await(m, reply); err != nil {
		slog.Warn("Disconnect timed out", "connection_id", connID, "timeout", commandTimeout)
	}
}

// ConnectionCount returns the number of registered connections, or -1 on timeout.
func (m *Manager) ConnectionCount() int {
	return m.count("")
}

// SubscriberCount returns the number of connections subscribed to team, or -1 on timeout.
func (m *Manager) SubscriberCount(team domain.TeamID) int {
	if team == "" {
		return 0
	}
	return m.count(team)
}

func (m *Manager) count(team domain.TeamID) int {
	reply := make(chan int, 1)
	if err := m.enqueue(countCmd{team: team, reply: reply}); err != nil {
		return -1
	}
	n, err := await(m, reply)
	if err != nil {
		return -1
	}
	return n
}

// Subscriptions returns the teams connID is subscribed to.
func (m *Manager) Subscriptions(connID string) ([]domain.TeamID, error) {
	reply := make(chan []domain.TeamID, 1)
	if err := m.enqueue(subscriptionsCmd{connID: connID, reply: reply}); err != nil {
		return nil, err
	}
	teams, err := await(m, reply)
	if err != nil {
		return nil, err
	}
	if teams == nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connID, domain.ErrUnknownConnection)
	}
	return teams, nil
}

// Done is closed once the manager loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Stop closes every connection and waits for the loop to exit or the stop timeout.
func (m *Manager) Stop() {
	if err := m.enqueue(stopCmd{}); err != nil {
		return
	}

	timeout := m.clock.NewTimer(m.stopTimeout)
	defer timeout.Stop()

	select {
	case <-m.done:
		slog.Info("Broadcast manager stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcast manager stop timeout exceeded", "timeout", m.stopTimeout)
	}
}

func (m *Manager) enqueue(cmd managerCmd) error {
	select {
	case <-m.done:
		return ErrManagerStopped
	default:
	}
	select {
	case m.cmdCh <- cmd:
		return nil
	case <-m.done:
		return ErrManagerStopped
	}
}

// await waits for a reply bounded by the command timeout.
func await[T any](m *Manager, reply <-chan T) (T, error) {
	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		var zero T
		return zero, ErrManagerStopped
	case <-timer.Chan():
		var zero T
		return zero, fmt.Errorf("%w after %v", errCommandTimedOut, commandTimeout)
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcast manager panic recovered", "panic", r)
			if m.metrics != nil {
				m.metrics.LoopPanics.Inc()
			}
			m.closeAll("internal error")
		}
	}()

	heartbeat := m.clock.NewTicker(m.heartbeatInterval)
	defer heartbeat.Stop()

	depthTicker := m.clock.NewTicker(depthInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(m.cmdCh)
			if m.metrics != nil {
				m.metrics.CommandQueueDepth.Set(float64(depth))
			}
			if depth > commandCapacity*4/5 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(m.cmdCh))
			}

		case <-heartbeat.Chan():
			m.handleSweep()

		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case acceptCmd:
				c.reply <- m.handleAccept(c.conn)
			case subscribeCmd:
				c.reply <- m.handleSubscribe(c)
			case publishCmd:
				c.reply <- m.handlePublish(c)
			case sweepCmd:
				m.handleSweep()
				c.reply <- struct{}{}
			case pongCmd:
				if rec, ok := m.connections[c.connID]; ok {
					rec.alive = true
				}
			case disconnectCmd:
				m.remove(c.connID, "client disconnected")
				c.reply <- struct{}{}
			case countCmd:
				if c.team == "" {
					c.reply <- len(m.connections)
				} else {
					c.reply <- len(m.teams[c.team])
				}
			case subscriptionsCmd:
				c.reply <- m.handleSubscriptions(c.connID)
			case stopCmd:
				slog.Info("Broadcast manager shutting down", "connections", len(m.connections))
				m.closeAll(reasonShutdown)
				return
			default:
				slog.Warn("Broadcast manager received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (m *Manager) handleAccept(conn Conn) error {
	id := conn.ID()
	if _, exists := m.connections[id]; exists {
		return fmt.Errorf("accept %s: %w", id, domain.ErrDuplicateConnection)
	}
	if m.maxConnections > 0 && len(m.connections) >= m.maxConnections {
		slog.Warn("Rejecting connection: max connections reached", "connection_id", id, "max_connections", m.maxConnections)
		conn.Close("too many connections")
		return fmt.Errorf("accept %s: %w (%d)", id, ErrTooManyConnections, m.maxConnections)
	}

	m.connections[id] = &connection{
		conn:       conn,
		alive:      true,
		subs:       make(map[domain.TeamID]struct{}),
		acceptedAt: m.clock.Now(),
	}
	if m.metrics != nil {
		m.metrics.ActiveConnections.WithLabelValues(transportOf(conn)).Inc()
	}

	slog.Debug("Connection accepted", "connection_id", id, "total_connections", len(m.connections))
	return nil
}

func (m *Manager) handleSubscribe(c subscribeCmd) error {
	rec, ok := m.connections[c.connID]
	if !ok {
		return fmt.Errorf("%s %s: %w", subscribeVerb(c.remove), c.connID, domain.ErrUnknownConnection)
	}

	if c.remove {
		if _, member := rec.subs[c.team]; !member {
			return nil
		}
		m.dropSubscription(c.connID, rec, c.team)
		slog.Debug("Unsubscribed", "connection_id", c.connID, "team_id", c.team)
		return nil
	}

	if _, member := rec.subs[c.team]; member {
		return nil
	}
	rec.subs[c.team] = struct{}{}
	members, ok := m.teams[c.team]
	if !ok {
		members = make(map[string]*connection)
		m.teams[c.team] = members
	}
	members[c.connID] = rec
	if m.metrics != nil {
		m.metrics.Subscriptions.Inc()
	}

	slog.Debug("Subscribed", "connection_id", c.connID, "team_id", c.team, "team_subscribers", len(members))
	return nil
}

func (m *Manager) dropSubscription(connID string, rec *connection, team domain.TeamID) {
	delete(rec.subs, team)
	if members, ok := m.teams[team]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.teams, team)
		}
	}
	if m.metrics != nil {
		m.metrics.Subscriptions.Dec()
	}
}

func (m *Manager) handlePublish(c publishCmd) int {
	members := m.teams[c.team]
	if len(members) == 0 {
		return 0
	}

	delivered := 0
	var failed []string
	for id, rec := range members {
		if id == c.exclude {
			continue
		}
		if err := rec.conn.Send(c.frame); err != nil {
			failed = append(failed, id)
			if m.metrics != nil {
				m.metrics.DeliveryFailures.WithLabelValues(failureReason(err)).Inc()
			}
			slog.Warn("Delivery failed, disconnecting", "connection_id", id, "team_id", c.team, "error", err)
			continue
		}
		delivered++
	}

	// Removal mutates m.teams, so it happens after the range.
	for _, id := range failed {
		m.remove(id, "delivery failed")
	}

	if m.metrics != nil {
		m.metrics.Deliveries.Add(float64(delivered))
	}
	return delivered
}

func (m *Manager) handleSweep() {
	var dead []string
	for id, rec := range m.connections {
		if !rec.alive {
			dead = append(dead, id)
			continue
		}
		rec.alive = false
		if err := rec.conn.Ping(); err != nil {
			slog.Debug("Ping failed", "connection_id", id, "error", err)
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		m.remove(id, reasonHeartbeatTimeout)
		if m.metrics != nil {
			m.metrics.HeartbeatEvictions.Inc()
		}
	}
	if len(dead) > 0 {
		slog.Info("Heartbeat sweep removed connections", "removed", len(dead), "remaining", len(m.connections))
	}
}

func (m *Manager) handleSubscriptions(connID string) []domain.TeamID {
	rec, ok := m.connections[connID]
	if !ok {
		return nil
	}
	teams := make([]domain.TeamID, 0, len(rec.subs))
	for team := range rec.subs {
		teams = append(teams, team)
	}
	return teams
}

// remove deregisters the connection and every subscription it holds in one step.
func (m *Manager) remove(connID, reason string) {
	rec, ok := m.connections[connID]
	if !ok {
		return
	}
	for team := range rec.subs {
		m.dropSubscription(connID, rec, team)
	}
	delete(m.connections, connID)
	rec.conn.Close(reason)

	if m.metrics != nil {
		m.metrics.ActiveConnections.WithLabelValues(transportOf(rec.conn)).Dec()
	}
	slog.Debug("Connection removed", "connection_id", connID, "reason", reason,
		"lifetime", m.clock.Since(rec.acceptedAt), "remaining_connections", len(m.connections))
}

// closeAll closes every connection with the given reason.
// Used during panic recovery and graceful shutdown.
func (m *Manager) closeAll(reason string) {
	for id := range m.connections {
		m.remove(id, reason)
	}
}

func subscribeVerb(remove bool) string {
	if remove {
		return "unsubscribe"
	}
	return "subscribe"
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSlowClient):
		return "slow_client"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "error"
	}
}

// transportOf labels a connection for metrics.
func transportOf(conn Conn) string {
	if t, ok := conn.(interface{ Transport() string }); ok {
		return t.Transport()
	}
	return "other"
}
