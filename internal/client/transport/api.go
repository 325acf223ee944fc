package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/domain"
	apperrors "github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/errors"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/retry"
	"github.com/tastycreative/tasty-creative-v2-sub018/internal/platform/version"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBody          = 64 << 10
)

// Endpoint locates the realtime server and carries the headers every request
// needs, such as the caller identity or a session cookie.
type Endpoint struct {
	BaseURL string
	Header  http.Header
	// Client performs plain requests. Streams use a copy without a timeout.
	Client *http.Client
}

func (e Endpoint) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: defaultRequestTimeout}
}

func (e Endpoint) url(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + path
}

// socketURL rewrites the base URL to the ws or wss scheme.
func (e Endpoint) socketURL(path string) (string, error) {
	u, err := url.Parse(e.url(path))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (e Endpoint) headers() http.Header {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("User-Agent", version.UserAgent())
	return h
}

// StatusError is a non-2xx reply from the realtime server.
type StatusError struct {
	StatusCode int
	Type       apperrors.ErrorType
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server replied %d", e.StatusCode)
	}
	return fmt.Sprintf("server replied %d: %s", e.StatusCode, e.Message)
}

// ClassifyHTTP decides whether a request failure is worth retrying. Client
// errors are permanent except rate limiting.
func ClassifyHTTP(err error) retry.Action {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return retry.Retry
	}
	switch {
	case statusErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
		return retry.Stop
	default:
		return retry.Retry
	}
}

// APIClient calls the realtime server's REST surface.
type APIClient struct {
	endpoint Endpoint
	client   *http.Client
}

func NewAPIClient(endpoint Endpoint) *APIClient {
	return &APIClient{endpoint: endpoint, client: endpoint.client()}
}

// Control sends a SUBSCRIBE or UNSUBSCRIBE verb through the polling endpoint.
func (c *APIClient) Control(ctx context.Context, msg domain.ControlMessage) (domain.ControlMessage, error) {
	var reply domain.ControlMessage
	if err := c.do(ctx, http.MethodPost, "/realtime/poll", msg, &reply); err != nil {
		return domain.ControlMessage{}, fmt.Errorf("%s %s: %w", msg.Type, msg.TeamID, err)
	}
	return reply, nil
}

// ListNotifications fetches the caller's most recent notifications.
func (c *APIClient) ListNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	path := "/api/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Notifications []domain.NotificationRecord `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return resp.Notifications, nil
}

// MarkRead flags one notification as read on the server.
func (c *APIClient) MarkRead(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodPost, "/api/notifications/"+id.String()+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead flags every notification of the caller as read on the server.
func (c *APIClient) MarkAllRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.url(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.endpoint.headers()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var body apperrors.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil {
		statusErr.Type = body.Type
		statusErr.Message = body.Error
	}
	return statusErr
}
