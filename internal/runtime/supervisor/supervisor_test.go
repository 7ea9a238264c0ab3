package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "sitepulse/pkg/logx"
)

func TestGoAndStopWaits(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))

	var finished atomic.Bool
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before goroutine finished")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Errorf("Counters = %+v", c)
	}
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	block := make(chan struct{})
	defer close(block)
	s.Go("stuck", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))

	s.Go("bad", func(ctx context.Context) error {
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.Counters(); c.Panics != 1 {
		t.Errorf("Panics = %d, want 1", c.Panics)
	}
}
