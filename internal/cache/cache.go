// Package cache serves recent measurement results instead of re-invoking the
// external API. It is advisory: any storage hiccup is logged and treated as a
// miss, costing at worst one redundant external call.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"sitepulse/internal/pagespeed"
	logx "sitepulse/pkg/logx"
)

// DefaultWindow is how long a stored result is served before it is
// considered stale. Audit schedules are daily-scale, so a day of freshness
// avoids duplicate calls across restarts without masking real change.
const DefaultWindow = 24 * time.Hour

// Rows is the slice of the storage API the cache needs.
type Rows interface {
	GetResult(ctx context.Context, url, strategy string) (payload []byte, producedAt time.Time, ok bool, err error)
	PutResult(ctx context.Context, url, strategy string, payload []byte, producedAt time.Time) error
}

type Cache struct {
	rows      Rows
	window    time.Duration
	writeOnly bool
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Cache)

// WithClock replaces the freshness clock (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WriteOnly keeps persisting results but never serves them, for setups that
// want audit history without reuse.
func WriteOnly() Option {
	return func(c *Cache) { c.writeOnly = true }
}

func New(rows Rows, window time.Duration, log logx.Logger, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{rows: rows, window: window, log: log, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the stored metrics for (url, strategy) if their age is under
// the freshness window. Stale entries are reported as a miss, not erased;
// the next Put simply overwrites them.
func (c *Cache) Get(ctx context.Context, url, strategy string) (*pagespeed.Metrics, bool) {
	if c.writeOnly {
		return nil, false
	}
	payload, producedAt, ok, err := c.rows.GetResult(ctx, url, strategy)
	if err != nil {
		c.log.Warn("result cache read failed", logx.String("url", url), logx.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if c.now().Sub(producedAt) >= c.window {
		return nil, false
	}
	var m pagespeed.Metrics
	if err := json.Unmarshal(payload, &m); err != nil {
		c.log.Warn("result cache entry corrupt", logx.String("url", url), logx.Err(err))
		return nil, false
	}
	return &m, true
}

// Put stores m, unconditionally replacing any prior entry for its key.
func (c *Cache) Put(ctx context.Context, m *pagespeed.Metrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	producedAt := m.FetchedAt
	if producedAt.IsZero() {
		producedAt = c.now()
	}
	return c.rows.PutResult(ctx, m.Target, m.Strategy, payload, producedAt)
}

// Window reports the configured freshness window.
func (c *Cache) Window() time.Duration { return c.window }
