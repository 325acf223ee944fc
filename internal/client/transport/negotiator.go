package transport

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/retry"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultPollInterval   = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("negotiator already running")
	ErrNoTransport    = errors.New("no transport tier available")

	errConnectTimeout = errors.New("connect timed out")
)

// EventHandler receives every realtime event of the session.
type EventHandler func(domain.RealtimeEvent)

// Channel is a connected push tier.
type Channel interface {
	Subscribe(ctx context.Context, team domain.TeamID) error
	Unsubscribe(ctx context.Context, team domain.TeamID) error
	// Done is closed when the channel ends, locally or by the peer.
	Done() <-chan struct{}
	// Err reports why the channel ended. It is nil after a local Close.
	Err() error
	Close() error
}

// Dialer opens a push tier. ctx bounds the handshake only; handler receives
// pushed events for the whole lifetime of the returned channel.
type Dialer func(ctx context.Context, handler EventHandler) (Channel, error)

// Poller is the last-resort tier.
type Poller interface {
	Subscribe(ctx context.Context, team domain.TeamID) error
	Unsubscribe(ctx context.Context, team domain.TeamID) error
	Poll(ctx context.Context) ([]domain.RealtimeEvent, error)
}

// Config wires the tiers of a Negotiator. A nil tier is skipped.
type Config struct {
	Socket  Dialer
	Stream  Dialer
	Poller  Poller
	OnEvent EventHandler
	Clock   clockwork.Clock

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PollInterval   time.Duration

	// RetryPolicy retries each poll. With a policy, a poll that still fails is
	// logged and polling continues; without one, it ends Run in Failed.
	RetryPolicy *retry.Policy
}

// Negotiator runs the transport state machine of one client session.
type Negotiator struct {
	cfg     Config
	clock   clockwork.Clock
	running atomic.Bool

	mu        sync.Mutex
	state     State
	subs      map[domain.TeamID]struct{}
	active    Channel
	listeners []func(from, to State)
}

func NewNegotiator(cfg Config) *Negotiator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Negotiator{
		cfg:   cfg,
		clock: cfg.Clock,
		state: Unattempted,
		subs:  make(map[domain.TeamID]struct{}),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnStateChange registers fn to run after every transition. Callbacks run on
// the goroutine that made the transition and must not block.
func (n *Negotiator) OnStateChange(fn func(from, to State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Subscriptions returns the teams the session requires, sorted.
func (n *Negotiator) Subscriptions() []domain.TeamID {
	n.mu.Lock()
	defer n.mu.Unlock()
	teams := make([]domain.TeamID, 0, len(n.subs))
	for team := range n.subs {
		teams = append(teams, team)
	}
	slices.Sort(teams)
	return teams
}

// AddSubscription records team as required and subscribes it on the live
// tier, if any. Recorded teams are re-asserted on every reconnect.
func (n *Negotiator) AddSubscription(ctx context.Context, team domain.TeamID) error {
	n.mu.Lock()
	n.subs[team] = struct{}{}
	ch, polling := n.active, n.state == Polling
	n.mu.Unlock()

	switch {
	case ch != nil:
		return ch.Subscribe(ctx, team)
	case polling:
		return n.cfg.Poller.Subscribe(ctx, team)
	}
	return nil
}

// RemoveSubscription forgets team and unsubscribes it on the live tier, if any.
func (n *Negotiator) RemoveSubscription(ctx context.Context, team domain.TeamID) error {
	n.mu.Lock()
	delete(n.subs, team)
	ch, polling := n.active, n.state == Polling
	n.mu.Unlock()

	switch {
	case ch != nil:
		return ch.Unsubscribe(ctx, team)
	case polling:
		return n.cfg.Poller.Unsubscribe(ctx, team)
	}
	return nil
}

// Run negotiates and holds a transport until ctx ends or polling fails for
// good. A connected tier that drops restarts negotiation from the socket
// after ReconnectDelay; polling never climbs back up.
func (n *Negotiator) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.running.Store(false)

	for {
		ch, err := n.connect(ctx)
		if err != nil {
			return err
		}
		if ch == nil {
			return n.poll(ctx)
		}
		if err := n.hold(ctx, ch); err != nil {
			return err
		}

		n.setState(ConnectingSocket)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.clock.After(n.cfg.ReconnectDelay):
		}
	}
}

type tier struct {
	name       string
	connecting State
	connected  State
	dial       Dialer
}

// connect walks the push tiers top-down. It returns a nil channel when every
// push tier failed.
func (n *Negotiator) connect(ctx context.Context) (Channel, error) {
	tiers := []tier{
		{"socket", ConnectingSocket, SocketConnected, n.cfg.Socket},
		{"stream", ConnectingStream, StreamConnected, n.cfg.Stream},
	}

	for _, t := range tiers {
		if t.dial == nil {
			continue
		}
		n.setState(t.connecting)

		ch, err := n.attempt(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.WarnContext(ctx, "Transport tier unavailable", "tier", t.name, "error", err)
			continue
		}

		n.mu.Lock()
		n.active = ch
		n.mu.Unlock()
		n.setState(t.connected)
		n.resubscribe(ctx, t.name, ch.Subscribe)
		return ch, nil
	}
	return nil, nil
}

// attempt dials one tier within ConnectTimeout. A dial that completes after
// the attempt was abandoned is closed and its events are dropped.
func (n *Negotiator) attempt(ctx context.Context, t tier) (Channel, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abandoned atomic.Bool
	handler := func(ev domain.RealtimeEvent) {
		if !abandoned.Load() {
			n.emit(ev)
		}
	}

	type result struct {
		ch  Channel
		err error
	}
	results := make(chan result, 1)
	go func() {
		ch, err := t.dial(attemptCtx, handler)
		results <- result{ch: ch, err: err}
	}()

	timer := n.clock.NewTimer(n.cfg.ConnectTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-results:
		if r.err != nil {
			return nil, &ConnectionError{Tier: t.name, Err: r.err}
		}
		return r.ch, nil
	case <-timer.Chan():
		cause = errConnectTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	abandoned.Store(true)
	cancel()
	go func() {
		if r := <-results; r.ch != nil {
			_ = r.ch.Close()
		}
	}()
	return nil, &ConnectionError{Tier: t.name, Err: cause}
}

// hold blocks while ch is connected. It returns nil when the peer dropped the
// channel and ctx's error when the session ended. Either way ch is closed.
func (n *Negotiator) hold(ctx context.Context, ch Channel) error {
	select {
	case <-ctx.Done():
		n.detach(ch)
		_ = ch.Close()
		return ctx.Err()
	case <-ch.Done():
		n.detach(ch)
		slog.WarnContext(ctx, "Transport closed unexpectedly", "state", n.State(), "error", ch.Err())
		if err := ch.Close(); err != nil {
			slog.DebugContext(ctx, "Failed to release dropped transport", "error", err)
		}
		return nil
	}
}

func (n *Negotiator) poll(ctx context.Context) error {
	if n.cfg.Poller == nil {
		n.setState(Failed)
		return ErrNoTransport
	}
	n.setState(Polling)
	n.resubscribe(ctx, "poll", n.cfg.Poller.Subscribe)

	ticker := n.clock.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := n.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if n.cfg.RetryPolicy == nil {
				n.setState(Failed)
				return &ConnectionError{Tier: "poll", Err: err}
			}
			slog.WarnContext(ctx, "Poll failed, continuing on schedule", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (n *Negotiator) pollOnce(ctx context.Context) error {
	fetch := func() ([]domain.RealtimeEvent, error) { return n.cfg.Poller.Poll(ctx) }

	var events []domain.RealtimeEvent
	var err error
	if n.cfg.RetryPolicy == nil {
		events, err = fetch()
	} else {
		policy := *n.cfg.RetryPolicy
		if policy.Clock == nil {
			policy.Clock = n.clock
		}
		events, err = retry.Do(ctx, policy, ClassifyHTTP, fetch)
	}
	if err != nil {
		return err
	}

	for _, ev := range events {
		n.emit(ev)
	}
	return nil
}

func (n *Negotiator) resubscribe(ctx context.Context, tierName string, subscribe func(context.Context, domain.TeamID) error) {
	for _, team := range n.Subscriptions() {
		if err := subscribe(ctx, team); err != nil {
			slog.WarnContext(ctx, "Failed to re-assert subscription", "tier", tierName, "team_id", team, "error", err)
		}
	}
}

func (n *Negotiator) detach(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == ch {
		n.active = nil
	}
}

func (n *Negotiator) setState(to State) {
	n.mu.Lock()
	from := n.state
	if from == to {
		n.mu.Unlock()
		return
	}
	n.state = to
	listeners := slices.Clone(n.listeners)
	n.mu.Unlock()

	slog.Debug("Transport state changed", "from", from.String(), "to", to.String())
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (n *Negotiator) emit(ev domain.RealtimeEvent) {
	if n.cfg.OnEvent != nil {
		n.cfg.OnEvent(ev)
	}
}
