package guard

import (
	"sync"
	"time"
)

// CancellationLimiter enforces at most N cancellation requests per sliding
// time window per context ID.
//
// A burst of cancellation requests against one execution is an abuse
// signal, not a bug: repeated cancels are idempotent, so a caller issuing
// hundreds of them is either broken or hostile. The limiter makes the
// orchestrator ignore the excess without blocking.
//
// Safe for concurrent use.
type CancellationLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	seen   map[string][]time.Time
}

// NewCancellationLimiter creates a limiter allowing limit requests per
// window for each context ID. A limit of zero disables limiting. The now
// function is the injectable time source; nil defaults to time.Now.
func NewCancellationLimiter(limit int, window time.Duration, now func() time.Time) *CancellationLimiter {
	if now == nil {
		now = time.Now
	}
	return &CancellationLimiter{
		limit:  limit,
		window: window,
		now:    now,
		seen:   make(map[string][]time.Time),
	}
}

// TryCancel records a cancellation request for contextID and reports
// whether it is within budget. Returns false once the limit is exceeded
// within the window; returns true again once the window has elapsed.
func (l *CancellationLimiter) TryCancel(contextID string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.seen[contextID][:0]
	for _, ts := range l.seen[contextID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.seen[contextID] = kept
		return false
	}

	l.seen[contextID] = append(kept, now)
	return true
}

// Reset forgets all recorded requests for contextID. Called when an
// execution reaches a terminal state so the map does not grow without
// bound.
func (l *CancellationLimiter) Reset(contextID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seen, contextID)
}
