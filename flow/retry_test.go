package flow

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// stubClock satisfies Clock without real sleeping: After records the
// requested delay and returns an already-fired channel.
type stubClock struct {
	mu     sync.Mutex
	t      time.Time
	delays []time.Duration
}

func newStubClock() *stubClock {
	return &stubClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.t = c.t.Add(d)
	fired := c.t
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

func (c *stubClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	clock := newStubClock()
	calls := 0
	err := Retry(context.Background(), clock, RetryPolicy{MaxRetries: 3, Backoff: time.Second}, func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(clock.recorded()) != 0 {
		t.Errorf("expected no backoff waits, got %v", clock.recorded())
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	clock := newStubClock()
	calls := 0
	var retries []int
	err := Retry(context.Background(), clock, RetryPolicy{
		MaxRetries:        5,
		Backoff:           100 * time.Millisecond,
		BackoffMultiplier: 2,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, delay time.Duration) {
		retries = append(retries, attempt)
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	got := clock.recorded()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, got[i], want[i])
		}
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("retry callbacks = %v, want [1 2]", retries)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	clock := newStubClock()
	cause := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), clock, RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return cause
	}, nil)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error is not RetryExhaustedError: %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("exhausted error does not unwrap to the last cause")
	}
}

func TestRetry_MaxDelayCap(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, BackoffMultiplier: 10, MaxDelay: 5 * time.Second}
	if d := p.DelayFor(1); d != time.Second {
		t.Errorf("DelayFor(1) = %v, want 1s", d)
	}
	if d := p.DelayFor(2); d != 5*time.Second {
		t.Errorf("DelayFor(2) = %v, want 5s (capped)", d)
	}
}

func TestRetry_BackoffNeverOverflows(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, BackoffMultiplier: 10}
	for _, attempt := range []int{50, 500, math.MaxInt32} {
		d := p.DelayFor(attempt)
		if d < 0 {
			t.Errorf("DelayFor(%d) = %v, overflowed", attempt, d)
		}
	}
	capped := RetryPolicy{Backoff: time.Second, BackoffMultiplier: 10, MaxDelay: time.Minute}
	if d := capped.DelayFor(1000); d != time.Minute {
		t.Errorf("DelayFor(1000) = %v, want 1m", d)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	// A blocking clock that never fires forces the ctx.Done branch.
	blocked := blockedClock{}
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, blocked, RetryPolicy{MaxRetries: 3, Backoff: time.Hour}, func(ctx context.Context) error {
			calls++
			return errors.New("fail")
		}, nil)
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry did not observe cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

type blockedClock struct{}

func (blockedClock) Now() time.Time { return time.Time{} }

func (blockedClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}
