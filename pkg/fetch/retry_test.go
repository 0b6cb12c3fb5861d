package fetch

import (
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{
		Transient: RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
		},
		Rand: func() float64 { return 0.5 },
	}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	policy := DefaultRetryPolicy()

	policy.Rand = func() float64 { return 0 }
	if got := policy.backoff(1); got != 800*time.Millisecond {
		t.Errorf("min jitter backoff = %v, want 800ms", got)
	}

	policy.Rand = func() float64 { return 0.999999 }
	got := policy.backoff(1)
	if got < 1199*time.Millisecond || got > 1200*time.Millisecond {
		t.Errorf("max jitter backoff = %v, want ~1.2s", got)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Transient.MaxAttempts <= 1 || p.RateLimited.MaxAttempts <= 1 {
		t.Errorf("default budgets too small: %+v", p)
	}
	if p.Transient.InitialBackoff > p.Transient.MaxBackoff {
		t.Errorf("initial backoff %v exceeds max %v", p.Transient.InitialBackoff, p.Transient.MaxBackoff)
	}
}
