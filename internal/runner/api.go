package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sitepulse/internal/cronx"
	"sitepulse/internal/pagespeed"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

// ErrInvalidSchedule wraps every validation failure from the schedule CRUD
// surface so callers can distinguish bad input from store errors.
var ErrInvalidSchedule = errors.New("invalid schedule")

// CreateScheduleInput carries the caller-supplied fields of a new schedule.
type CreateScheduleInput struct {
	Name        string
	Description string
	URLs        []string
	Strategy    string
	CronExpr    string
	Enabled     bool
}

// UpdateScheduleInput patches a subset of schedule fields. Nil means "leave
// unchanged".
type UpdateScheduleInput struct {
	Name        *string
	Description *string
	URLs        *[]string
	Strategy    *string
	CronExpr    *string
	Enabled     *bool
}

// CreateSchedule validates the input eagerly, computes the first due time
// and persists the schedule. Invalid cron expressions and malformed URLs
// never reach the store.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*storage.Schedule, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if err := validateURLs(in.URLs); err != nil {
		return nil, err
	}
	strategy, err := normalizeStrategy(in.Strategy)
	if err != nil {
		return nil, err
	}
	expr, err := cronx.Parse(in.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	now := s.now()
	sc := &storage.Schedule{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		URLs:        in.URLs,
		Strategy:    strategy,
		CronExpr:    in.CronExpr,
		Enabled:     in.Enabled,
		CreatedAt:   now,
	}
	if next := expr.Next(now); !next.IsZero() {
		sc.NextRun = &next
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", sc.ID),
		logx.String("schedule", sc.Name),
		logx.String("cron", sc.CronExpr),
		logx.Int("urls", len(sc.URLs)),
		logx.Bool("enabled", sc.Enabled))
	return sc, nil
}

// UpdateSchedule validates and applies a partial update. Changing the cron
// expression recomputes the next due time.
func (s *Service) UpdateSchedule(ctx context.Context, id string, in UpdateScheduleInput) (*storage.Schedule, error) {
	patch := storage.SchedulePatch{
		Description: in.Description,
		Enabled:     in.Enabled,
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
		}
		patch.Name = &name
	}
	if in.URLs != nil {
		if err := validateURLs(*in.URLs); err != nil {
			return nil, err
		}
		patch.URLs = in.URLs
	}
	if in.Strategy != nil {
		strategy, err := normalizeStrategy(*in.Strategy)
		if err != nil {
			return nil, err
		}
		patch.Strategy = &strategy
	}
	if in.CronExpr != nil {
		expr, err := cronx.Parse(*in.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		patch.CronExpr = in.CronExpr
		if next := expr.Next(s.now()); !next.IsZero() {
			patch.NextRun = &next
		}
	}
	if err := s.store.UpdateSchedule(ctx, id, patch); err != nil {
		return nil, err
	}
	s.log.Info("schedule updated", logx.String("schedule_id", id))
	return s.store.GetSchedule(ctx, id)
}

// DeleteSchedule removes the schedule and disarms any pending retry. An
// in-flight run finishes on its own; its final bookkeeping writes fail
// harmlessly once the row is gone.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.retryTimers[id]; ok {
		t.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.String("schedule_id", id))
	return nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*storage.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// ListExecutions returns the most recent executions of a schedule, newest
// first, capped at limit.
func (s *Service) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*storage.Execution, error) {
	return s.store.ListExecutions(ctx, scheduleID, limit)
}

func (s *Service) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// RunNow starts an out-of-band run for the schedule, subject to the same
// overlap and concurrency rules as cron-triggered runs.
func (s *Service) RunNow(ctx context.Context, id string) error {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.tryStart(sc, time.Time{}, "manual")
	return nil
}

func validateURLs(urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: at least one url is required", ErrInvalidSchedule)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: url %q: %v", ErrInvalidSchedule, raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: url %q must be absolute http or https", ErrInvalidSchedule, raw)
		}
	}
	return nil
}

func normalizeStrategy(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return pagespeed.StrategyMobile, nil
	case pagespeed.StrategyMobile:
		return pagespeed.StrategyMobile, nil
	case pagespeed.StrategyDesktop:
		return pagespeed.StrategyDesktop, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidSchedule, raw)
	}
}
