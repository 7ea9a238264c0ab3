package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteBoundsConcurrency(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxConcurrent: 3, RequestsPerSecond: 10000})

	var cur, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Execute(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&cur, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&cur, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestExecuteMinimumSpacing(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxConcurrent: 1, RequestsPerSecond: 20}) // 50ms apart

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := g.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	// First call is immediate; the remaining four must each wait ~50ms.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Fatalf("5 calls at 20 rps took %v, want >= ~200ms", elapsed)
	}
}

func TestExecutePropagatesError(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxConcurrent: 1, RequestsPerSecond: 10000})

	want := errors.New("boom")
	if err := g.Execute(context.Background(), func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Execute error = %v, want %v", err, want)
	}
	// A failed call must release its slot.
	if err := g.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute after failure: %v", err)
	}
}

func TestExecuteCancelledWhileQueued(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxConcurrent: 1, RequestsPerSecond: 10000})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Execute(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute on cancelled ctx = %v, want context.Canceled", err)
	}
	close(release)
}
