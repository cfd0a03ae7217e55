package durable

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryStrategy decides the delay before the next activity attempt. The
// attempt index starts at 0.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay by Factor per attempt, capped at Max.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(e.Base) * math.Pow(factor, float64(attempt)))
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// RetryPolicy bounds activity attempts. Failures marked NonRetryable and
// context cancellation stop the loop early.
type RetryPolicy struct {
	MaxAttempts int
	Strategy    RetryStrategy
	// Timeout bounds each attempt when positive.
	Timeout time.Duration
}

// DefaultRetryPolicy makes three attempts with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Strategy: ExponentialBackoffStrategy{
			Base:   200 * time.Millisecond,
			Factor: 2,
			Max:    5 * time.Second,
		},
	}
}

func (p RetryPolicy) run(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	strategy := p.Strategy
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = p.attempt(ctx, fn)
		if err == nil || IsNonRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if waitErr := sleep(ctx, clock, strategy.SleepDuration(attempt, err)); waitErr != nil {
			return err
		}
	}
	return err
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleep(ctx context.Context, clock clockwork.Clock, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
