package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sitepulse/internal/cronx"
	"sitepulse/internal/eventbus"
	"sitepulse/internal/runtime/supervisor"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

// Service is the schedule runner. One instance owns the poll loop, the
// in-flight run registry and the retry timers.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	cache ResultCache
	fetch Fetcher
	gate  Gate
	bus   eventbus.Bus
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	sup    *supervisor.Supervisor
	stopCh chan struct{}

	// runCtx outlives Stop so in-flight executions finish on their own.
	runCtx context.Context

	active      map[string]struct{} // schedule ids with a run in flight
	lastFired   map[string]time.Time
	retryTimers map[string]*time.Timer
	runWG       sync.WaitGroup

	polls         atomic.Uint64
	runsStarted   atomic.Uint64
	runsCompleted atomic.Uint64
	runsFailed    atomic.Uint64
	runsDeferred  atomic.Uint64
	pairsOK       atomic.Uint64
	pairsFailed   atomic.Uint64
	cacheHits     atomic.Uint64
}

type Option func(*Service)

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep substitutes the inter-batch pause, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// WithBus attaches an event bus for execution lifecycle events.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(cfg Config, store storage.Store, fetch Fetcher, gate Gate, cache ResultCache, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg.withDefaults(),
		store:       store,
		cache:       cache,
		fetch:       fetch,
		gate:        gate,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
		active:      make(map[string]struct{}),
		lastFired:   make(map[string]time.Time),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start sweeps stale executions and begins polling. It returns immediately;
// the poll loop runs under an internal supervisor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		s.log.Warn("runner already started")
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("runner disabled")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx = context.WithoutCancel(ctx)
	cfg := s.cfg
	s.mu.Unlock()

	cutoff := s.now().Add(-cfg.StartupGrace)
	n, err := s.store.MarkInterruptedExecutions(ctx, cutoff, "interrupted by restart")
	if err != nil {
		s.log.Error("startup sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("marked interrupted executions from previous run", logx.Int64("count", n))
	}

	s.sup = supervisor.New(s.runCtx, supervisor.WithLogger(s.log))
	s.sup.Go("runner.poll", s.pollLoop)
	s.log.Info("runner started",
		logx.Duration("check_interval", cfg.CheckInterval),
		logx.Int("max_concurrent_runs", cfg.MaxConcurrentRuns))
	return nil
}

// Stop stops the poll loop and cancels armed retries, then waits up to the
// context deadline for in-flight executions to drain. Executions that do not
// finish in time keep running; the process is expected to exit shortly after.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.stopCh = nil
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
	}
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("runner stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("runner stopped with executions still in flight")
		return ctx.Err()
	}
}

// Apply swaps the runner configuration. The poll interval takes effect on
// the next tick; Enabled transitions require a restart by the caller.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("runner config applied",
		logx.Duration("check_interval", cfg.CheckInterval),
		logx.Int("max_concurrent_runs", cfg.MaxConcurrentRuns))
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) pollLoop(ctx context.Context) error {
	for {
		timer := time.NewTimer(s.config().CheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.pollOnce(ctx)
	}
}

// pollOnce scans enabled schedules and launches those due at the current
// minute.
func (s *Service) pollOnce(ctx context.Context) {
	s.polls.Add(1)
	now := s.now()
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.log.Warn("failed to list schedules", logx.Err(err))
		return
	}
	for _, sc := range schedules {
		expr, err := cronx.Parse(sc.CronExpr)
		if err != nil {
			s.log.Warn("schedule has invalid cron expression",
				logx.String("schedule_id", sc.ID),
				logx.String("cron", sc.CronExpr),
				logx.Err(err))
			continue
		}
		if !expr.DueAt(now) {
			continue
		}
		s.tryStart(sc, now.Truncate(time.Minute), "cron")
	}
}

// tryStart launches a run for sc unless it is already running, already fired
// this minute, or the concurrency ceiling is reached. A ceiling hit is a
// deferral: the schedule stays eligible on the next poll tick while the
// minute still matches.
func (s *Service) tryStart(sc *storage.Schedule, minute time.Time, reason string) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if _, running := s.active[sc.ID]; running {
		s.mu.Unlock()
		s.log.Debug("schedule already running, skipping", logx.String("schedule_id", sc.ID))
		return
	}
	if reason == "cron" && s.lastFired[sc.ID].Equal(minute) {
		s.mu.Unlock()
		return
	}
	if len(s.active) >= s.cfg.MaxConcurrentRuns {
		ceiling := s.cfg.MaxConcurrentRuns
		s.mu.Unlock()
		s.runsDeferred.Add(1)
		s.log.Info("concurrency ceiling reached, deferring schedule",
			logx.String("schedule_id", sc.ID),
			logx.Int("max_concurrent_runs", ceiling))
		s.publish(EventScheduleSkipped, ExecutionEvent{ScheduleID: sc.ID})
		return
	}
	s.active[sc.ID] = struct{}{}
	if reason == "cron" {
		s.lastFired[sc.ID] = minute
	}
	runCtx := s.runCtx
	// Add while still holding the lock: once the stopCh check passed, Stop
	// must not observe an empty WaitGroup before this run is registered.
	s.runWG.Add(1)
	s.mu.Unlock()

	s.runsStarted.Add(1)
	go func() {
		defer s.runWG.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, sc.ID)
			s.mu.Unlock()
		}()
		s.runSchedule(runCtx, sc, reason, minute)
	}()
}

// armRetry schedules a one-shot re-run after a whole-run failure. At most
// one retry is armed per schedule; a pending retry is not extended.
func (s *Service) armRetry(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	if _, armed := s.retryTimers[scheduleID]; armed {
		return
	}
	delay := s.cfg.RetryDelay
	s.log.Info("retry armed",
		logx.String("schedule_id", scheduleID),
		logx.Duration("delay", delay))
	s.retryTimers[scheduleID] = time.AfterFunc(delay, func() { s.fireRetry(scheduleID) })
}

func (s *Service) fireRetry(scheduleID string) {
	s.mu.Lock()
	delete(s.retryTimers, scheduleID)
	stopped := s.stopCh == nil
	ctx := s.runCtx
	s.mu.Unlock()
	if stopped {
		return
	}
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.log.Warn("retry dropped, schedule gone",
			logx.String("schedule_id", scheduleID),
			logx.Err(err))
		return
	}
	if !sc.Enabled {
		s.log.Debug("retry dropped, schedule disabled", logx.String("schedule_id", scheduleID))
		return
	}
	s.tryStart(sc, time.Time{}, "retry")
}

func (s *Service) publish(typ string, data ExecutionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
