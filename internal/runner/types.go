package runner

import (
	"context"
	"time"

	"sitepulse/internal/pagespeed"
)

// Config holds the resolved runner settings. Durations are already parsed;
// the config package owns the string forms.
type Config struct {
	Enabled           bool
	CheckInterval     time.Duration
	MaxConcurrentRuns int
	BatchSize         int
	BatchDelay        time.Duration
	RetryOnFailure    bool
	RetryDelay        time.Duration
	StartupGrace      time.Duration

	// StrategyOverride forces every run to use this device strategy instead
	// of the schedule's own. Empty means "use the schedule's".
	StrategyOverride string
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	return c
}

// Fetcher measures one target URL with one device strategy. Satisfied by
// *pagespeed.Client.
type Fetcher interface {
	Fetch(ctx context.Context, target, strategy string) (*pagespeed.Metrics, error)
}

// Gate admits outbound measurement calls. Satisfied by *ratelimit.Gate.
type Gate interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// ResultCache is the fresh-result lookaside in front of the Fetcher.
// Satisfied by *cache.Cache. A nil cache disables reuse.
type ResultCache interface {
	Get(ctx context.Context, url, strategy string) (*pagespeed.Metrics, bool)
	Put(ctx context.Context, m *pagespeed.Metrics) error
}

// Event types published on the bus.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventScheduleSkipped    = "schedule.skipped"
)

// ExecutionEvent is the Data payload for execution.* events.
type ExecutionEvent struct {
	ScheduleID  string
	ExecutionID string
	Started     time.Time
	Duration    time.Duration

	URLsProcessed int
	URLsSucceeded int
	URLsFailed    int

	Error string
}
