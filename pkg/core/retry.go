package core

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how often a failed call is repeated and how long to
// wait between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	// Jitter adds up to this fraction of the computed delay at random.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy returns three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += rand.Float64() * p.Jitter * backoff
	}
	return time.Duration(backoff)
}

// RetryHook is called before each retry with the attempt that failed, its
// error and the delay about to be slept.
type RetryHook func(attempt int, err error, delay time.Duration)

// Retry calls fn until it succeeds, the policy is exhausted, or shouldRetry
// rejects the error. Sleeps between attempts end early when ctx is done, in
// which case ctx.Err() is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, shouldRetry func(error) bool, onRetry RetryHook, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.attempts()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || shouldRetry == nil || !shouldRetry(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
