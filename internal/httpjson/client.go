// Package httpjson is the JSON-over-HTTP client shared by the risk providers
// and the swap aggregator.
//
// Each request runs under the retry policy: 429 and 5xx answers and transport
// failures are retried (honoring Retry-After), other 4xx answers are returned
// as faults.RejectedError without retry.
package httpjson

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
	"dustsweep/internal/retry"
)

// Default configuration values.
const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 512
	maxBody        = 8 << 20
)

// Client issues GET requests against one provider's base URL.
type Client struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	headers http.Header
	policy  retry.Policy
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithPolicy replaces the retry policy. The provider name is kept.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithMetrics records per-attempt latency and outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the provider called name.
func New(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		headers: make(http.Header),
		policy:  retry.Default(name),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = c.policy.WithProvider(name)
	onRetry := c.policy.OnRetry
	c.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.metrics.RecordRetry(c.name)
		c.logger.Debug("retrying provider request",
			zap.String("provider", c.name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// Get requests baseURL+path with query and decodes a JSON body into out.
// op labels the request in metrics.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return retry.Do(ctx, c.policy, retry.Read, func(ctx context.Context) error {
		start := time.Now()
		err := c.once(ctx, target, out)
		c.metrics.RecordProviderCall(c.name, op, time.Since(start), err)
		return err
	})
}

func (c *Client) once(ctx context.Context, target string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrapf(err, "%s: rate limiter", c.name)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &faults.UnavailableError{Provider: c.name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &faults.UnavailableError{Provider: c.name, Err: errors.Wrap(err, "read response")}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &faults.UnavailableError{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &faults.RejectedError{Provider: c.name, StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &faults.RejectedError{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			Body:       "malformed response: " + err.Error(),
		}
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
