package fetch

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/quota-fetch/pkg/remote"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qfetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for one retry budget.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// RetryPolicy holds the two independent retry budgets of a chunk call.
type RetryPolicy struct {
	// Transient covers network and 5xx failures. Backoff is slept locally.
	Transient RetryConfig

	// RateLimited covers 429s. Only MaxAttempts is used: the wait is the
	// cool-down the quota tracker enforces on the next Acquire.
	RateLimited RetryConfig

	// Rand returns a float in [0,1) for jitter. Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns the default retry budgets.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Transient: RetryConfig{
			MaxAttempts:       4,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		RateLimited: RetryConfig{
			MaxAttempts: 6,
		},
		Rand: rand.Float64,
	}
}

// backoff returns the jittered delay before retry n (1-based).
func (p RetryPolicy) backoff(n int) time.Duration {
	cfg := p.Transient
	d := cfg.InitialBackoff
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * cfg.BackoffMultiplier)
		if d > cfg.MaxBackoff {
			d = cfg.MaxBackoff
			break
		}
	}
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	// ±20% jitter
	return time.Duration(float64(d) * (0.8 + r()*0.4))
}

func observeRetry(class remote.ErrorClass, backoff time.Duration) {
	retriesTotal.WithLabelValues(string(class)).Inc()
	if backoff > 0 {
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(backoff.Seconds())
	}
}

func observeExhausted(class remote.ErrorClass) {
	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
}
