package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"sitepulse/internal/cronx"
	"sitepulse/internal/pagespeed"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

// pair is one unit of work: a target URL measured with one device strategy.
type pair struct {
	url      string
	strategy string
}

// runSchedule executes one full audit run for sc and finalizes its
// bookkeeping. Per-URL failures are counted and logged but never abort the
// run; only infrastructure failures (or a panic in the run body) mark the
// whole execution failed.
func (s *Service) runSchedule(ctx context.Context, sc *storage.Schedule, reason string, minute time.Time) {
	cfg := s.config()
	start := s.now()
	log := s.log.With(logx.String("schedule_id", sc.ID), logx.String("schedule", sc.Name))

	execID, err := s.store.RecordExecutionStart(ctx, sc.ID)
	if err != nil {
		log.Error("failed to record execution start", logx.Err(err))
		s.failBeforeExecution(ctx, cfg, sc, log, reason, minute, start, err)
		return
	}
	log.Info("schedule run started",
		logx.String("execution_id", execID),
		logx.String("trigger", reason),
		logx.Int("urls", len(sc.URLs)))
	s.publish(EventExecutionStarted, ExecutionEvent{
		ScheduleID:  sc.ID,
		ExecutionID: execID,
		Started:     start,
	})

	var processed, succeeded, failed int
	runErr := s.runBody(ctx, cfg, sc, log, &processed, &succeeded, &failed)

	finish := s.now()
	duration := finish.Sub(start)
	nextRun := s.nextRunAfter(sc.CronExpr, finish)

	status := storage.ExecutionCompleted
	errText := ""
	if runErr != nil {
		status = storage.ExecutionFailed
		errText = runErr.Error()
	}
	patch := storage.ExecutionPatch{
		Status:        &status,
		FinishedAt:    &finish,
		URLsProcessed: &processed,
		URLsSucceeded: &succeeded,
		URLsFailed:    &failed,
		Duration:      &duration,
	}
	if errText != "" {
		patch.Error = &errText
	}
	if err := s.store.UpdateExecution(ctx, execID, patch); err != nil {
		log.Error("failed to finalize execution", logx.String("execution_id", execID), logx.Err(err))
	}
	if err := s.store.RecordRunOutcome(ctx, sc.ID, finish, nextRun, runErr == nil); err != nil {
		log.Error("failed to record run outcome", logx.Err(err))
	}

	evt := ExecutionEvent{
		ScheduleID:    sc.ID,
		ExecutionID:   execID,
		Started:       start,
		Duration:      duration,
		URLsProcessed: processed,
		URLsSucceeded: succeeded,
		URLsFailed:    failed,
		Error:         errText,
	}
	if runErr != nil {
		s.runsFailed.Add(1)
		log.Error("schedule run failed",
			logx.String("execution_id", execID),
			logx.Duration("duration", duration),
			logx.Err(runErr))
		s.publish(EventExecutionFailed, evt)
		if cfg.RetryOnFailure && reason != "retry" {
			s.armRetry(sc.ID)
		}
		return
	}
	s.runsCompleted.Add(1)
	log.Info("schedule run completed",
		logx.String("execution_id", execID),
		logx.Duration("duration", duration),
		logx.Int("urls_processed", processed),
		logx.Int("urls_succeeded", succeeded),
		logx.Int("urls_failed", failed))
	s.publish(EventExecutionCompleted, evt)
}

// failBeforeExecution settles a run whose execution record could not even be
// created: the attempt still counts as a failed run and the usual cooldown
// retry applies. Without a retry, the due minute is released so the next
// poll tick may attempt the schedule again.
func (s *Service) failBeforeExecution(ctx context.Context, cfg Config, sc *storage.Schedule, log logx.Logger, reason string, minute, start time.Time, cause error) {
	s.runsFailed.Add(1)
	finish := s.now()
	nextRun := s.nextRunAfter(sc.CronExpr, finish)
	if err := s.store.RecordRunOutcome(ctx, sc.ID, finish, nextRun, false); err != nil {
		log.Error("failed to record run outcome", logx.Err(err))
	}
	s.publish(EventExecutionFailed, ExecutionEvent{
		ScheduleID: sc.ID,
		Started:    start,
		Duration:   finish.Sub(start),
		Error:      cause.Error(),
	})
	if cfg.RetryOnFailure && reason != "retry" {
		s.armRetry(sc.ID)
		return
	}
	if reason == "cron" && !minute.IsZero() {
		s.mu.Lock()
		if s.lastFired[sc.ID].Equal(minute) {
			delete(s.lastFired, sc.ID)
		}
		s.mu.Unlock()
	}
}

// runBody fans the schedule's URLs out in fixed-size batches. Pairs within a
// batch run concurrently; batches run sequentially with BatchDelay between
// them. A panic anywhere in the body is converted into a run error.
func (s *Service) runBody(ctx context.Context, cfg Config, sc *storage.Schedule, log logx.Logger, processed, succeeded, failed *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during schedule run",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic during run: %v", r)
		}
	}()

	strategy := sc.Strategy
	if cfg.StrategyOverride != "" {
		strategy = cfg.StrategyOverride
	}
	if strategy == "" {
		strategy = pagespeed.StrategyMobile
	}

	pairs := make([]pair, 0, len(sc.URLs))
	for _, u := range sc.URLs {
		pairs = append(pairs, pair{url: u, strategy: strategy})
	}

	var mu sync.Mutex
	for i := 0; i < len(pairs); i += cfg.BatchSize {
		if i > 0 {
			if serr := s.sleep(ctx, cfg.BatchDelay); serr != nil {
				return fmt.Errorf("run interrupted between batches: %w", serr)
			}
		}
		batch := pairs[i:min(i+cfg.BatchSize, len(pairs))]
		var wg sync.WaitGroup
		for _, p := range batch {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				perr := s.safeProcessPair(ctx, log, p)
				mu.Lock()
				*processed++
				if perr != nil {
					*failed++
				} else {
					*succeeded++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return nil
}

// safeProcessPair contains a panic in the measurement path to the one pair
// it was processing.
func (s *Service) safeProcessPair(ctx context.Context, log logx.Logger, p pair) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while auditing url",
				logx.String("url", p.url),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic while auditing %s: %v", p.url, r)
		}
	}()
	return s.processPair(ctx, log, p)
}

// processPair resolves one url/strategy pair: serve from the cache when a
// fresh result exists, otherwise measure through the rate gate and persist.
func (s *Service) processPair(ctx context.Context, log logx.Logger, p pair) error {
	if s.cache != nil {
		if _, ok := s.cache.Get(ctx, p.url, p.strategy); ok {
			s.cacheHits.Add(1)
			log.Debug("fresh cached result, skipping fetch",
				logx.String("url", p.url),
				logx.String("strategy", p.strategy))
			return nil
		}
	}

	var metrics *pagespeed.Metrics
	err := s.gate.Execute(ctx, func(ctx context.Context) error {
		m, ferr := s.fetch.Fetch(ctx, p.url, p.strategy)
		if ferr != nil {
			return ferr
		}
		metrics = m
		return nil
	})
	if err != nil {
		s.pairsFailed.Add(1)
		log.Warn("url audit failed",
			logx.String("url", p.url),
			logx.String("strategy", p.strategy),
			logx.Err(err))
		return err
	}

	if s.cache != nil {
		if cerr := s.cache.Put(ctx, metrics); cerr != nil {
			log.Warn("failed to persist audit result",
				logx.String("url", p.url),
				logx.Err(cerr))
		}
	}
	s.pairsOK.Add(1)
	log.Debug("url audit completed",
		logx.String("url", p.url),
		logx.String("strategy", p.strategy))
	return nil
}

// nextRunAfter computes the next fire time of expr strictly after t.
// Returns nil when the expression is invalid or never fires again.
func (s *Service) nextRunAfter(raw string, t time.Time) *time.Time {
	expr, err := cronx.Parse(raw)
	if err != nil {
		return nil
	}
	next := expr.Next(t)
	if next.IsZero() {
		return nil
	}
	return &next
}
