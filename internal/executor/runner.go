package executor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds in-place retries of NetworkError.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultRetryConfig returns the retry policy used by the operator.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Attempter runs a single attempt.
type Attempter interface {
	Execute(ctx context.Context, requestID uint64) (*Outcome, error)
}

// Runner retries attempts that failed with NetworkError. Every retry starts
// again from Preparing with a fresh signature fetch. RoundNotReady is returned
// at once with its RetryAfter; the caller reschedules the request.
type Runner struct {
	exec  Attempter
	retry RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wraps exec with the retry policy.
func NewRunner(exec Attempter, retry RetryConfig) *Runner {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = 1
	}
	return &Runner{exec: exec, retry: retry, sleep: sleepContext}
}

// Run executes attempts until one confirms, fails terminally, the retry budget
// is spent or ctx is cancelled. The last failure is returned.
func (r *Runner) Run(ctx context.Context, requestID uint64) (*Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		out, err := r.exec.Execute(ctx, requestID)
		if err == nil {
			return out, nil
		}
		lastErr = err

		f, ok := AsFailure(err)
		if !ok || !f.Retryable() || f.Class == ClassRoundNotReady || attempt == r.retry.MaxAttempts {
			return nil, err
		}

		wait := r.backoff(attempt)
		if f.RetryAfter > wait {
			wait = f.RetryAfter
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, newFailure(requestID, ClassCancelled, f.Step, err)
		}
	}
	return nil, lastErr
}

func (r *Runner) backoff(attempt int) time.Duration {
	backoff := float64(r.retry.InitialBackoff) * math.Pow(r.retry.BackoffMultiplier, float64(attempt-1))
	if r.retry.MaxBackoff > 0 && backoff > float64(r.retry.MaxBackoff) {
		backoff = float64(r.retry.MaxBackoff)
	}
	if r.retry.Jitter > 0 {
		backoff += backoff * r.retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
