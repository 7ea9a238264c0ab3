package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Schedule is a persisted audit definition.
type Schedule struct {
	ID          string
	Name        string
	Description string
	URLs        []string
	Strategy    string // device profile, e.g. "mobile" or "desktop"
	CronExpr    string
	Enabled     bool

	CreatedAt time.Time
	LastRun   *time.Time
	NextRun   *time.Time

	// Counters only ever increase. TotalRuns == SuccessfulRuns + FailedRuns
	// after every completed execution.
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
}

// SchedulePatch updates a subset of editable schedule fields.
// Nil fields are left untouched. Statistics are not editable here;
// see RecordRunOutcome.
type SchedulePatch struct {
	Name        *string
	Description *string
	URLs        *[]string
	Strategy    *string
	CronExpr    *string
	Enabled     *bool
	NextRun     *time.Time
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one run attempt of a schedule. A retry after failure is a new
// Execution, never a resumed one.
type Execution struct {
	ID         string
	ScheduleID string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     ExecutionStatus
	Error      string

	URLsProcessed int
	URLsSucceeded int
	URLsFailed    int

	Duration time.Duration
}

// ExecutionPatch finalizes an execution record.
type ExecutionPatch struct {
	Status        *ExecutionStatus
	Error         *string
	FinishedAt    *time.Time
	URLsProcessed *int
	URLsSucceeded *int
	URLsFailed    *int
	Duration      *time.Duration
}

// Store is the persistence API consumed by the runner and the cache.
type Store interface {
	// Schedules.
	CreateSchedule(ctx context.Context, s *Schedule) error
	UpdateSchedule(ctx context.Context, id string, p SchedulePatch) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]*Schedule, error)

	// RecordRunOutcome stamps lastRun/nextRun and bumps the run counters in
	// one statement so the schedule invariant holds under concurrency.
	RecordRunOutcome(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, success bool) error

	// Executions.
	RecordExecutionStart(ctx context.Context, scheduleID string) (string, error)
	UpdateExecution(ctx context.Context, id string, p ExecutionPatch) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error)

	// MarkInterruptedExecutions fails any execution still "running" that
	// started before the cutoff. Used by the startup sweep.
	MarkInterruptedExecutions(ctx context.Context, startedBefore time.Time, reason string) (int64, error)

	// Result cache rows.
	GetResult(ctx context.Context, url, strategy string) (payload []byte, producedAt time.Time, ok bool, err error)
	PutResult(ctx context.Context, url, strategy string, payload []byte, producedAt time.Time) error

	Close() error
}
