// Package pagespeed calls an external PageSpeed-style measurement API and
// normalizes its responses into a stable metrics shape.
//
// The client owns per-call timeouts and retry with exponential backoff;
// concurrency and call spacing are the ratelimit gate's job, not ours.
package pagespeed

import (
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

	logx "sitepulse/pkg/logx"
)

type Config struct {
	// Endpoint is the measurement API URL, e.g. the PSI v5 runPagespeed URL.
	Endpoint string
	APIKey   string

	// Timeout boxes each individual attempt.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BackoffBase is doubled per retry: base * 2^k for the k-th retry.
	BackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	return c
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, custom pools).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithSleep replaces the inter-attempt sleep so tests can drive time.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock replaces the timestamp source for normalized results.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("pagespeed: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("pagespeed: invalid endpoint: %w", err)
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Fetch measures target with the given strategy, retrying transient failures
// up to the configured budget. A Retry-After hint from the server replaces
// the computed backoff for that wait.
func (c *Client) Fetch(ctx context.Context, target, strategy string) (*Metrics, error) {
	maxAttempts := 1 + c.cfg.MaxRetries

	var last *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffBase << (attempt - 1)
			if last != nil && last.RetryAfter > 0 {
				delay = last.RetryAfter
			}
			c.log.Debug("pagespeed retry",
				logx.String("target", target),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		m, err := c.attempt(ctx, target, strategy)
		if err == nil {
			return m, nil
		}

		var pe *Error
		if !errors.As(err, &pe) {
			return nil, err
		}
		pe.Attempts = attempt + 1
		if !pe.Retryable() {
			return nil, pe
		}
		last = pe
		c.log.Warn("pagespeed attempt failed",
			logx.String("target", target),
			logx.String("kind", pe.Kind.String()),
			logx.Int("attempt", attempt+1),
			logx.Err(pe.Unwrap()))
	}
	return nil, last
}

func (c *Client) attempt(ctx context.Context, target, strategy string) (*Metrics, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.requestURL(target, strategy), nil)
	if err != nil {
		return nil, &Error{Kind: KindClient, Target: target, err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Parent cancellation is not a call failure; surface it as-is.
		if ctx.Err() != nil && attemptCtx.Err() == nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Target: target, err: err}
		}
		return nil, &Error{Kind: KindNetwork, Target: target, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       KindRateLimited,
			Status:     resp.StatusCode,
			Target:     target,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			err:        errors.New("rate limited by measurement API"),
		}
	case resp.StatusCode >= 500:
		return nil, &Error{
			Kind:   KindServer,
			Status: resp.StatusCode,
			Target: target,
			err:    fmt.Errorf("measurement API error: %s", strings.TrimSpace(readSnippet(resp.Body))),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &Error{
			Kind:   KindClient,
			Status: resp.StatusCode,
			Target: target,
			err:    fmt.Errorf("measurement API rejected request: %s", strings.TrimSpace(readSnippet(resp.Body))),
		}
	}

	var payload vendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Kind: KindClient, Status: resp.StatusCode, Target: target, err: fmt.Errorf("malformed response: %w", err)}
	}

	m := normalize(&payload, target, strategy)
	m.FetchedAt = c.now()
	return m, nil
}

func (c *Client) requestURL(target, strategy string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("strategy", strategy)
	q.Set("category", "performance")
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	sep := "?"
	if strings.Contains(c.cfg.Endpoint, "?") {
		sep = "&"
	}
	return c.cfg.Endpoint + sep + q.Encode()
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
