// Command inbox-tail follows one user's realtime session from the terminal.
// It negotiates the best transport, keeps a notification inbox converged and
// prints every event as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/client/inbox"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/client/transport"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/config"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/logging"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/retry"
	"golang.org/x/sync/errgroup"
)

const refreshInterval = 30 * time.Second

type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(v); err != nil {
		slog.Warn("Failed to print event", "error", err)
	}
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	clock := clockwork.NewRealClock()
	header := http.Header{}
	header.Set("X-User-ID", cfg.UserID)
	endpoint := transport.Endpoint{BaseURL: cfg.RealtimeURL, Header: header}
	api := transport.NewAPIClient(endpoint)

	store := inbox.NewStore(inbox.StoreConfig{
		RetentionCount: cfg.RetentionCount,
		StaleThreshold: cfg.StaleThreshold,
		Clock:          clock,
	})
	feed := inbox.NewFeed(store, api, cfg.RetentionCount)
	out := &printer{enc: json.NewEncoder(os.Stdout)}

	negotiator := transport.NewNegotiator(transport.Config{
		Socket: transport.DialSocket(endpoint),
		Stream: transport.DialStream(endpoint),
		Poller: transport.NewHTTPPoller(api, cfg.RetentionCount),
		OnEvent: func(ev domain.RealtimeEvent) {
			// Polling replays cached notifications; only print ones the inbox lacked.
			if ev.Type == domain.RealtimeNewNotification && !feed.HandleEvent(ev) {
				return
			}
			out.print(ev)
		},
		Clock:          clock,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		PollInterval:   cfg.PollInterval,
		RetryPolicy: &retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   time.Second,
			MaxBackoff:       10 * time.Second,
			RateLimitBackoff: 30 * time.Second,
		},
	})
	negotiator.OnStateChange(func(from, to transport.State) {
		slog.Info("Transport state changed", "from", from.String(), "to", to.String())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, team := range cfg.Teams {
		if err := negotiator.AddSubscription(ctx, domain.TeamID(team)); err != nil {
			slog.Warn("Failed to subscribe", "team_id", team, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return negotiator.Run(gctx) })
	g.Go(func() error {
		ticker := clock.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			if _, err := feed.Refresh(gctx, false); err != nil && gctx.Err() == nil {
				slog.Warn("Inbox refresh failed", "error", err)
			}
			slog.Debug("Inbox", "cached", store.Len(), "unread", store.UnreadCount())
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.Chan():
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("Session ended", "error", err)
		os.Exit(1)
	}
}
