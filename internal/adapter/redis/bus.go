package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/adapter/metrics"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/correlation"
)

const (
	channelPrefix  = "realtime:"
	channelPattern = channelPrefix + "*"
)

// LocalRelay receives envelopes for the connections of this process.
type LocalRelay interface {
	PublishRaw(topic domain.TeamID, frame []byte, excludeConnID string) (int, error)
}

// envelope is the message carried on a realtime:<teamId> channel.
type envelope struct {
	Origin  string          `json:"origin"`
	TeamID  domain.TeamID   `json:"teamId"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

// Bus fans realtime events out to every process through Redis pub/sub.
// Delivery is best-effort: a process that is not subscribed misses the message.
type Bus struct {
	rdb        *goredis.Client
	local      LocalRelay
	instanceID string
	cb         circuitbreaker.CircuitBreaker[any]
	metrics    *metrics.BusMetrics
	ready      chan struct{}
	readyOnce  sync.Once
}

var _ domain.Publisher = (*Bus)(nil)

// NewBus builds a bus for this instance. m may be nil.
// The publish circuit opens at a 60% failure rate over at least 5 publishes in 10s
// and probes again after 30s.
func NewBus(rdb *goredis.Client, local LocalRelay, instanceID string, m *metrics.BusMetrics) *Bus {
	b := &Bus{
		rdb:        rdb,
		local:      local,
		instanceID: instanceID,
		metrics:    m,
		ready:      make(chan struct{}),
	}
	b.cb = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "realtime_bus",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if b.metrics != nil {
				b.metrics.CircuitState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()
	return b
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Publish sends event to every process subscribed to the bus.
func (b *Bus) Publish(ctx context.Context, topic domain.TeamID, event domain.RealtimeEvent, excludeConnID string) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	data, err := json.Marshal(envelope{Origin: b.instanceID, TeamID: topic, Exclude: excludeConnID, Event: frame})
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}

	if !b.cb.TryAcquirePermit() {
		b.countPublish("circuit_open")
		return fmt.Errorf("bus publish to %s: %w", topic, circuitbreaker.ErrOpen)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+string(topic), data).Err(); err != nil {
		b.cb.RecordError(err)
		b.countPublish("error")
		return fmt.Errorf("bus publish to %s: %w", topic, err)
	}
	b.cb.RecordSuccess()
	b.countPublish("ok")
	return nil
}

// Ready is closed once the first Start has an active pattern subscription.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Start relays bus messages to the local manager until ctx is cancelled. It may
// be called again after returning, for instance to resubscribe.
func (b *Bus) Start(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, channelPattern)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channelPattern, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	slog.Info("Realtime bus subscribed", "pattern", channelPattern, "instance_id", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(correlation.Ensure(ctx), msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bus) relay(ctx context.Context, msg *goredis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		slog.WarnContext(ctx, "Dropping malformed bus message", "channel", msg.Channel, "error", err)
		b.countRelay("malformed")
		return
	}
	if env.TeamID == "" {
		env.TeamID = domain.TeamID(strings.TrimPrefix(msg.Channel, channelPrefix))
	}

	// Connection IDs are only meaningful on the process that owns them.
	exclude := ""
	if env.Origin == b.instanceID {
		exclude = env.Exclude
	}

	delivered, err := b.local.PublishRaw(env.TeamID, env.Event, exclude)
	if err != nil {
		slog.WarnContext(ctx, "Bus relay failed", "team_id", env.TeamID, "error", err)
		b.countRelay("error")
		return
	}
	b.countRelay("ok")
	slog.DebugContext(ctx, "Bus message relayed", "team_id", env.TeamID, "origin", env.Origin, "delivered", delivered)
}

func (b *Bus) countPublish(result string) {
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(result).Inc()
	}
}

func (b *Bus) countRelay(result string) {
	if b.metrics != nil {
		b.metrics.Relayed.WithLabelValues(result).Inc()
	}
}
