package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/observability"
	"github.com/antoniostano/fieldshare/internal/policy"
	"github.com/antoniostano/fieldshare/internal/reliability"
)

type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	Precision policy.LocationPrecision
	Logger    *logrus.Entry
	Metrics   *observability.Metrics
}

// Client talks to the booking backend.
type Client struct {
	baseURL   string
	token     string
	precision policy.LocationPrecision
	client    *http.Client
	log       *logrus.Entry
	metrics   *observability.Metrics
}

// StatusError is a non-2xx response from the booking backend.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("booking api %s status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether the backend signaled a transient condition.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Precision == 0 {
		cfg.Precision = policy.CoarseLocation
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:     strings.TrimSpace(cfg.Token),
		precision: cfg.Precision,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:     cfg.Logger.WithField("component", "uplink"),
		metrics: cfg.Metrics,
	}
}

// SendLocation pushes one sample, at most once. Failures are logged and
// counted here and never reach the caller.
func (c *Client) SendLocation(ctx context.Context, bookingID string, s location.Sample) Outcome {
	payload := NewLocationPayload(s)
	err := c.do(ctx, "location", http.MethodPost, bookingPath(bookingID, "location"), payload, nil)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"booking_id": bookingID,
			"lat":        c.precision.Coarsen(s.Latitude),
			"lon":        c.precision.Coarsen(s.Longitude),
		}).Warn("location update dropped")
		return Dropped
	}
	c.log.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"lat":        c.precision.Coarsen(s.Latitude),
		"lon":        c.precision.Coarsen(s.Longitude),
	}).Debug("location update delivered")
	return Delivered
}

// StopSharing tells the backend the booking's session is over.
func (c *Client) StopSharing(ctx context.Context, bookingID string) error {
	return c.do(ctx, "location_stop", http.MethodPost, bookingPath(bookingID, "location", "stop"), nil, nil)
}

// ListSessions returns the backend's view of who is currently sharing.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var out sessionsResponse
	if err := c.do(ctx, "location_sessions", http.MethodGet, "/location/sessions", nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []SessionSummary{}, nil
	}
	return out.Data, nil
}

func bookingPath(bookingID string, parts ...string) string {
	segs := append([]string{"", "bookings", url.PathEscape(bookingID)}, parts...)
	return strings.Join(segs, "/")
}

type dispatchedKey struct{}

// WithDispatched returns a context under which the client calls fn once the
// request has been written to the connection, before the response is read.
// fn may run more than once if the transport retries the write.
func WithDispatched(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, dispatchedKey{}, fn)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	started := time.Now()
	status, err := c.roundTrip(ctx, endpoint, method, path, body, out)
	c.metrics.ObserveUplink(endpoint, reliability.FailureClass(status), time.Since(started))
	return err
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	if fn, ok := ctx.Value(dispatchedKey{}).(func()); ok && fn != nil {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { fn() },
		})
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %s", policy.RedactSecret(err.Error(), c.token))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		text, _ := policy.RedactPII(strings.TrimSpace(string(raw)))
		return res.StatusCode, &StatusError{Endpoint: endpoint, StatusCode: res.StatusCode, Body: text}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return res.StatusCode, nil
}
