package guard

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manual time source for deterministic window tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCancellationLimiter_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewCancellationLimiter(3, 10*time.Second, clock.Now)

	// Three cancellations within the window are allowed.
	for i := 0; i < 3; i++ {
		if !limiter.TryCancel("exec-001") {
			t.Fatalf("call %d unexpectedly limited", i+1)
		}
		clock.Advance(time.Second)
	}

	// The fourth within the same window is rejected.
	if limiter.TryCancel("exec-001") {
		t.Fatal("4th call within window should be limited")
	}

	// Once the window elapses past the first request, budget frees up.
	clock.Advance(8 * time.Second)
	if !limiter.TryCancel("exec-001") {
		t.Fatal("call after window elapsed should be allowed")
	}
}

func TestCancellationLimiter_PerContextBudgets(t *testing.T) {
	clock := newFakeClock()
	limiter := NewCancellationLimiter(1, time.Minute, clock.Now)

	if !limiter.TryCancel("exec-a") {
		t.Fatal("first call for exec-a limited")
	}
	if limiter.TryCancel("exec-a") {
		t.Fatal("second call for exec-a should be limited")
	}

	// A different context has its own budget.
	if !limiter.TryCancel("exec-b") {
		t.Fatal("exec-b should be unaffected by exec-a's budget")
	}
}

func TestCancellationLimiter_ZeroLimitDisables(t *testing.T) {
	limiter := NewCancellationLimiter(0, time.Second, nil)

	for i := 0; i < 100; i++ {
		if !limiter.TryCancel("exec-001") {
			t.Fatal("zero limit must disable rate limiting")
		}
	}
}

func TestCancellationLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	limiter := NewCancellationLimiter(1, time.Minute, clock.Now)

	if !limiter.TryCancel("exec-001") {
		t.Fatal("first call limited")
	}
	if limiter.TryCancel("exec-001") {
		t.Fatal("second call should be limited")
	}

	limiter.Reset("exec-001")
	if !limiter.TryCancel("exec-001") {
		t.Fatal("call after reset should be allowed")
	}
}

func TestCancellationLimiter_Concurrent(t *testing.T) {
	clock := newFakeClock()
	limiter := NewCancellationLimiter(50, time.Minute, clock.Now)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- limiter.TryCancel("exec-001")
		}()
	}
	wg.Wait()
	close(allowed)

	var count int
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Errorf("allowed %d requests, want exactly 50", count)
	}
}
