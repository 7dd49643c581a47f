package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSpacing(t *testing.T) {
	l := New(Config{RequestsPerSecond: 20})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		release, err := l.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		release()
	}
	// first grant is immediate, the remaining four are 50ms apart
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("5 acquisitions at 20rps took %v, want >= 180ms", elapsed)
	}
}

func TestAcquireRespectsMaxConcurrent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1000, MaxConcurrent: 2})
	ctx := context.Background()

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrent slots = %d, want <= 2", peak)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1000, MaxConcurrent: 1})
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while the only slot is held")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	release()
	release()

	// a double release must not have freed a second slot
	r1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer r1()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("second slot granted after double release")
	}
}

func TestWaitObserver(t *testing.T) {
	var calls int32
	l := New(Config{RequestsPerSecond: 100}, WithWaitObserver(func(time.Duration) {
		atomic.AddInt32(&calls, 1)
	}))
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		release()
	}
	if calls != 3 {
		t.Errorf("observer calls = %d, want 3", calls)
	}
}
