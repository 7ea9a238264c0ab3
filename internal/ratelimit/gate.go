// Package ratelimit provides the admission gate in front of the external
// metrics API: bounded concurrency plus a minimum interval between issued
// calls. The gate is shared process-wide because the upstream quota is per
// API account, not per schedule.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

type Config struct {
	// MaxConcurrent bounds how many wrapped calls may run at once.
	MaxConcurrent int
	// RequestsPerSecond sets the minimum spacing between call starts
	// (a limiter with burst 1, so there is no burst credit to accumulate).
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	return c
}

// Gate admits units of work under a concurrency ceiling and spaces their
// start times. It never retries and never inspects fn's error.
type Gate struct {
	cfg     Config
	permits chan struct{}
	limiter *rate.Limiter

	inFlight atomic.Int32
	waiting  atomic.Int32
}

func New(cfg Config) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:     cfg,
		permits: make(chan struct{}, cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Execute blocks until a concurrency slot is free and the spacing gate has
// elapsed, then invokes fn. fn's error (or ctx's, if cancelled while
// waiting) is returned unchanged.
func (g *Gate) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	g.waiting.Add(1)
	select {
	case g.permits <- struct{}{}:
		g.waiting.Add(-1)
	case <-ctx.Done():
		g.waiting.Add(-1)
		return ctx.Err()
	}
	defer func() { <-g.permits }()

	// Sleeps for the remaining gap since the last issue, if any.
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	return fn(ctx)
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	MaxConcurrent     int
	RequestsPerSecond float64
	InFlight          int
	Waiting           int
}

func (g *Gate) Snapshot() Snapshot {
	return Snapshot{
		MaxConcurrent:     g.cfg.MaxConcurrent,
		RequestsPerSecond: g.cfg.RequestsPerSecond,
		InFlight:          int(g.inFlight.Load()),
		Waiting:           int(g.waiting.Load()),
	}
}
