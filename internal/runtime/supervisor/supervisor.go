// Package supervisor owns the daemon's long-lived goroutines: every
// background loop runs named and panic-guarded under a shared context so a
// single bad run cannot take the process down silently.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "sitepulse/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	wg     sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context is the shared context all supervised goroutines observe.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs fn as a named, panic-guarded goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			s.active.Add(-1)
			s.wg.Done()
		}()

		err := fn(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.log.Warn("goroutine exited with error",
				logx.String("name", name),
				logx.Duration("ran", time.Since(start)),
				logx.Err(err))
		}
	}()
}

// Stop cancels the shared context and waits for supervised goroutines,
// bounded by ctx's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: %d goroutine(s) still running: %w", s.active.Load(), ctx.Err())
	}
}

// Counters is a best-effort operational view, not a synchronization primitive.
type Counters struct {
	Active  int64
	Started uint64
	Panics  uint64
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}
