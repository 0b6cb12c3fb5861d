package quota

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/quota-fetch/pkg/clock"
)

// Prometheus metrics for quota tracking.
var (
	quotaInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qfetch_quota_in_flight",
		Help: "Requests currently holding a quota permit by class",
	}, []string{"class"})

	quotaWindowRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qfetch_quota_window_requests",
		Help: "Requests issued in the current sliding window by class",
	}, []string{"class"})

	quotaWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qfetch_quota_wait_seconds",
		Help:    "Time spent waiting for a quota permit by class",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"class"})

	quotaTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_quota_timeouts_total",
		Help: "Total permits abandoned after exceeding the maximum wait",
	}, []string{"class"})

	quotaRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_quota_rate_limited_total",
		Help: "Total rate-limit rejections reported by the remote service",
	}, []string{"class"})
)

// waitForRelease means only a released permit can unblock the caller.
const waitForRelease time.Duration = -1

// Config configures a Tracker.
type Config struct {
	// Limits per class. Classes without an entry are rejected by Acquire.
	Limits map[Class]Limits

	// Window is the sliding window length (default: one hour).
	Window time.Duration

	// MaxWait bounds a single Acquire call (default: 10 minutes).
	MaxWait time.Duration

	// Ledger stores the request log (default: in-memory).
	Ledger Ledger

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// Rand returns a value in [0,1) for cool-down jitter (default: math/rand/v2).
	Rand func() float64
}

type classState struct {
	limits   Limits
	inFlight int
	last     time.Time
	strikes  int
	spacing  *rate.Limiter
}

// Tracker gates remote calls so each class stays within its budget.
// One Tracker is shared by every worker drawing from the same account.
type Tracker struct {
	mu      sync.Mutex
	changed chan struct{}
	classes map[Class]*classState

	window  time.Duration
	maxWait time.Duration
	ledger  Ledger
	clock   clock.Clock
	rand    func() float64
	logger  zerolog.Logger
}

// NewTracker creates a quota tracker.
func NewTracker(cfg Config, logger zerolog.Logger) (*Tracker, error) {
	if len(cfg.Limits) == 0 {
		return nil, fmt.Errorf("at least one quota class is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	classes := make(map[Class]*classState, len(cfg.Limits))
	for class, lim := range cfg.Limits {
		if lim.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("quota %s: max_concurrent must be > 0 (got %d)", class, lim.MaxConcurrent)
		}
		if lim.HourlyLimit < 0 {
			return nil, fmt.Errorf("quota %s: hourly_limit must be >= 0 (got %d)", class, lim.HourlyLimit)
		}
		if lim.CooldownBase <= 0 {
			lim.CooldownBase = time.Second
		}
		if lim.CooldownMax < lim.CooldownBase {
			lim.CooldownMax = lim.CooldownBase
		}
		st := &classState{limits: lim}
		if lim.MinSpacing > 0 {
			st.spacing = rate.NewLimiter(rate.Every(lim.MinSpacing), 1)
		}
		classes[class] = st
	}

	return &Tracker{
		changed: make(chan struct{}),
		classes: classes,
		window:  cfg.Window,
		maxWait: cfg.MaxWait,
		ledger:  cfg.Ledger,
		clock:   cfg.Clock,
		rand:    cfg.Rand,
		logger:  logger,
	}, nil
}

// Permit is held for the duration of one remote call.
type Permit struct {
	tracker *Tracker
	class   Class
	once    sync.Once
}

// Class returns the quota class the permit was granted for.
func (p *Permit) Class() Class { return p.class }

// Release returns the permit. Calls after the first are no-ops.
func (p *Permit) Release() {
	p.once.Do(func() { p.tracker.release(p.class) })
}

// MaxConcurrent returns the in-flight cap for class, or 0 if unknown.
func (t *Tracker) MaxConcurrent(class Class) int {
	st, ok := t.classes[class]
	if !ok {
		return 0
	}
	return st.limits.MaxConcurrent
}

// Acquire blocks until a request for class may be issued, then returns a
// permit that must be released exactly once. It fails with a
// *QuotaTimeoutError after the configured maximum wait and with the
// context's error if ctx is done first.
func (t *Tracker) Acquire(ctx context.Context, class Class) (*Permit, error) {
	st, ok := t.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	start := t.clock.Now()
	deadline := start.Add(t.maxWait)
	logged := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t.mu.Lock()
		now := t.clock.Now()
		wait, err := t.tryAcquireLocked(ctx, class, st, now)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if wait == 0 {
			t.mu.Unlock()
			quotaWaitSeconds.WithLabelValues(string(class)).Observe(now.Sub(start).Seconds())
			return &Permit{tracker: t, class: class}, nil
		}
		changed := t.changed
		t.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			quotaTimeoutsTotal.WithLabelValues(string(class)).Inc()
			t.logger.Error().
				Str("class", string(class)).
				Dur("waited", now.Sub(start)).
				Msg("Quota wait exceeded maximum")
			return nil, &QuotaTimeoutError{Class: class, Waited: now.Sub(start)}
		}

		d := wait
		if d == waitForRelease || d > remaining {
			d = remaining
		}
		if !logged {
			t.logger.Debug().
				Str("class", string(class)).
				Dur("wait", d).
				Msg("Waiting for quota")
			logged = true
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-t.clock.After(d):
		}
	}
}

// tryAcquireLocked grants a permit and returns 0, or returns how long to
// wait before trying again. Concurrency, cool-down, spacing and the sliding
// window are independent constraints; all must pass.
func (t *Tracker) tryAcquireLocked(ctx context.Context, class Class, st *classState, now time.Time) (time.Duration, error) {
	if st.inFlight >= st.limits.MaxConcurrent {
		return waitForRelease, nil
	}

	cooldown, err := t.ledger.Cooldown(ctx, class)
	if err != nil {
		return 0, fmt.Errorf("quota %s: %w", class, err)
	}
	if now.Before(cooldown) {
		return cooldown.Sub(now), nil
	}

	if st.spacing != nil {
		if tokens := st.spacing.TokensAt(now); tokens < 1 {
			d := time.Duration((1 - tokens) / float64(st.spacing.Limit()) * float64(time.Second))
			// Round up so a simulated clock advanced by d is always enough.
			return (d/time.Millisecond + 1) * time.Millisecond, nil
		}
	}

	ok, retryAt, err := t.ledger.Reserve(ctx, class, now, t.window, st.limits.HourlyLimit)
	if err != nil {
		return 0, fmt.Errorf("quota %s: %w", class, err)
	}
	if !ok {
		d := retryAt.Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}
		return d, nil
	}

	if st.spacing != nil {
		st.spacing.AllowN(now, 1)
	}
	st.inFlight++
	st.last = now
	quotaInFlight.WithLabelValues(string(class)).Set(float64(st.inFlight))
	quotaWindowRequests.WithLabelValues(string(class)).Inc()
	return 0, nil
}

func (t *Tracker) release(class Class) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.classes[class]
	if st.inFlight > 0 {
		st.inFlight--
	}
	quotaInFlight.WithLabelValues(string(class)).Set(float64(st.inFlight))
	t.broadcastLocked()
}

// broadcastLocked wakes every waiter so it re-evaluates its constraints.
func (t *Tracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// ReportRateLimited records that the remote service rejected a call for
// class. Subsequent Acquire calls wait until the later of retryAfter and an
// exponential backoff with jitter has elapsed. It returns the enforced
// cool-down end.
func (t *Tracker) ReportRateLimited(ctx context.Context, class Class, retryAfter time.Duration) (time.Time, error) {
	st, ok := t.classes[class]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st.strikes++
	backoff := t.backoffLocked(st)
	wait := backoff
	if retryAfter > wait {
		wait = retryAfter
	}
	now := t.clock.Now()
	until := now.Add(wait)

	if err := t.ledger.ExtendCooldown(ctx, class, now, until); err != nil {
		return time.Time{}, fmt.Errorf("quota %s: %w", class, err)
	}
	quotaRateLimitedTotal.WithLabelValues(string(class)).Inc()

	t.logger.Warn().
		Str("class", string(class)).
		Int("strikes", st.strikes).
		Dur("retry_after", retryAfter).
		Dur("backoff", backoff).
		Time("cooldown_until", until).
		Msg("Remote rate limit reported - cooling down")

	t.broadcastLocked()
	return until, nil
}

// backoffLocked computes base*2^(strikes-1) capped at max, with ±20% jitter.
func (t *Tracker) backoffLocked(st *classState) time.Duration {
	exp := math.Pow(2, float64(st.strikes-1))
	d := time.Duration(float64(st.limits.CooldownBase) * exp)
	if d > st.limits.CooldownMax || d <= 0 {
		d = st.limits.CooldownMax
	}
	return time.Duration(float64(d) * (0.8 + t.rand()*0.4))
}

// ReportSuccess resets the rate-limit strike count for class.
func (t *Tracker) ReportSuccess(class Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.classes[class]; ok {
		st.strikes = 0
	}
}

// State returns a snapshot of the counters for class.
func (t *Tracker) State(ctx context.Context, class Class) (QuotaState, error) {
	st, ok := t.classes[class]
	if !ok {
		return QuotaState{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	count, err := t.ledger.Count(ctx, class, now, t.window)
	if err != nil {
		return QuotaState{}, fmt.Errorf("quota %s: %w", class, err)
	}
	cooldown, err := t.ledger.Cooldown(ctx, class)
	if err != nil {
		return QuotaState{}, fmt.Errorf("quota %s: %w", class, err)
	}
	quotaWindowRequests.WithLabelValues(string(class)).Set(float64(count))

	return QuotaState{
		Class:         class,
		WindowCount:   count,
		InFlight:      st.inFlight,
		LastRequest:   st.last,
		CooldownUntil: cooldown,
	}, nil
}
