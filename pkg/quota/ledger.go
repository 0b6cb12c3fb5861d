package quota

import (
	"context"
	"sync"
	"time"
)

// Ledger records issued requests and enforced cool-downs. The tracker
// consults it while holding its own lock; implementations shared between
// processes must make Reserve atomic on their side.
type Ledger interface {
	// Reserve records a request at now if fewer than limit requests were
	// recorded in (now-window, now]. When the window is full it records
	// nothing and returns the earliest time a slot frees up.
	Reserve(ctx context.Context, class Class, now time.Time, window time.Duration, limit int) (ok bool, retryAt time.Time, err error)

	// Count returns the number of requests recorded in (now-window, now].
	Count(ctx context.Context, class Class, now time.Time, window time.Duration) (int, error)

	// ExtendCooldown moves the cool-down end for class to until, unless a
	// later end is already recorded. now is the caller's clock reading
	// when the cool-down was decided.
	ExtendCooldown(ctx context.Context, class Class, now, until time.Time) error

	// Cooldown returns the recorded cool-down end, zero if none.
	Cooldown(ctx context.Context, class Class) (time.Time, error)
}

// MemoryLedger keeps the request log in process memory.
type MemoryLedger struct {
	mu        sync.Mutex
	requests  map[Class][]time.Time
	cooldowns map[Class]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		requests:  make(map[Class][]time.Time),
		cooldowns: make(map[Class]time.Time),
	}
}

var _ Ledger = (*MemoryLedger)(nil)

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, class Class, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.pruneLocked(class, now, window)
	if limit > 0 && len(times) >= limit {
		// Entries are appended in order, so the first one leaves the window first.
		return false, times[0].Add(window), nil
	}
	l.requests[class] = append(times, now)
	return true, time.Time{}, nil
}

// Count implements Ledger.
func (l *MemoryLedger) Count(_ context.Context, class Class, now time.Time, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(class, now, window)), nil
}

// ExtendCooldown implements Ledger.
func (l *MemoryLedger) ExtendCooldown(_ context.Context, class Class, _, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.cooldowns[class]) {
		l.cooldowns[class] = until
	}
	return nil
}

// Cooldown implements Ledger.
func (l *MemoryLedger) Cooldown(_ context.Context, class Class) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldowns[class], nil
}

// pruneLocked drops entries at or before now-window.
func (l *MemoryLedger) pruneLocked(class Class, now time.Time, window time.Duration) []time.Time {
	times := l.requests[class]
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		times = append(times[:0:0], times[i:]...)
		l.requests[class] = times
	}
	return times
}
