package pagespeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "sitepulse/pkg/logx"
)

// sleepRecorder captures retry waits instead of actually sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, endpoint string, cfg Config, rec *sleepRecorder) *Client {
	t.Helper()
	cfg.Endpoint = endpoint
	opts := []Option{}
	if rec != nil {
		opts = append(opts, WithSleep(rec.sleep))
	}
	c, err := New(cfg, logx.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const minimalPayload = `{
	"lighthouseResult": {
		"categories": {"performance": {"score": 0.93}},
		"audits": {
			"largest-contentful-paint": {"numericValue": 1830.5},
			"total-blocking-time": {"numericValue": 120},
			"cumulative-layout-shift": {"numericValue": 0.04},
			"first-contentful-paint": {"numericValue": 900},
			"server-response-time": {"numericValue": 210}
		}
	},
	"loadingExperience": {
		"metrics": {
			"LARGEST_CONTENTFUL_PAINT_MS": {"percentile": 2100},
			"CUMULATIVE_LAYOUT_SHIFT_SCORE": {"percentile": 8}
		}
	}
}`

func TestFetchSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("strategy"); got != StrategyMobile {
			t.Errorf("strategy param = %q, want %q", got, StrategyMobile)
		}
		if got := r.URL.Query().Get("url"); got != "https://example.com/" {
			t.Errorf("url param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(minimalPayload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{MaxRetries: 3}, nil)
	m, err := c.Fetch(context.Background(), "https://example.com/", StrategyMobile)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Lab.PerformanceScore == nil || *m.Lab.PerformanceScore != 93 {
		t.Errorf("PerformanceScore = %v, want 93", m.Lab.PerformanceScore)
	}
	if m.Lab.LCPMillis == nil || *m.Lab.LCPMillis != 1830.5 {
		t.Errorf("LCPMillis = %v, want 1830.5", m.Lab.LCPMillis)
	}
	if m.Field.Coverage != CoverageURL {
		t.Errorf("Coverage = %q, want %q", m.Field.Coverage, CoverageURL)
	}
	if m.Field.CLSPercentile == nil || *m.Field.CLSPercentile != 0.08 {
		t.Errorf("CLSPercentile = %v, want 0.08", m.Field.CLSPercentile)
	}
	if m.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestFetchRetriesRateLimitedUpToBudget(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv.URL, Config{MaxRetries: 2, BackoffBase: 100 * time.Millisecond}, rec)

	_, err := c.Fetch(context.Background(), "https://example.com/", StrategyDesktop)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Fetch error = %v, want *Error", err)
	}
	if pe.Kind != KindRateLimited {
		t.Errorf("Kind = %v, want rate_limited", pe.Kind)
	}
	if got := calls.Load(); got != 3 { // 1 initial + 2 retries
		t.Errorf("attempts = %d, want 3", got)
	}
	if pe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", pe.Attempts)
	}
}

func TestFetchHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(minimalPayload))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv.URL, Config{MaxRetries: 3, BackoffBase: 10 * time.Millisecond}, rec)

	if _, err := c.Fetch(context.Background(), "https://example.com/", StrategyMobile); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.delays) != 1 {
		t.Fatalf("sleeps = %d, want 1", len(rec.delays))
	}
	if rec.delays[0] < 2*time.Second {
		t.Errorf("Retry-After wait = %v, want >= 2s", rec.delays[0])
	}
}

func TestFetchBackoffDoubles(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv.URL, Config{MaxRetries: 3, BackoffBase: 100 * time.Millisecond}, rec)

	_, err := c.Fetch(context.Background(), "https://example.com/", StrategyMobile)
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindServer {
		t.Fatalf("Fetch error = %v, want server *Error", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("sleeps = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

func TestFetchClientErrorIsTerminal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such document", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{MaxRetries: 5}, &sleepRecorder{})
	_, err := c.Fetch(context.Background(), "https://example.com/missing", StrategyMobile)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Fetch error = %v, want *Error", err)
	}
	if pe.Kind != KindClient {
		t.Errorf("Kind = %v, want client", pe.Kind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", got)
	}
	if IsRetryable(err) {
		t.Error("client error reported retryable")
	}
}

func TestFetchAttemptTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv.URL, Config{Timeout: 50 * time.Millisecond, MaxRetries: 1, BackoffBase: time.Millisecond}, rec)

	_, err := c.Fetch(context.Background(), "https://example.com/", StrategyMobile)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Fetch error = %v, want *Error", err)
	}
	if pe.Kind != KindTimeout {
		t.Errorf("Kind = %v, want timeout", pe.Kind)
	}
	if pe.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (timeouts are retried)", pe.Attempts)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
