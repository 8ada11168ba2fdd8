// Package retry implements the throttle-aware backoff policy shared by
// resource fetching and action execution.
//
// Every provider call is wrapped in Do. Which failures are retried is decided
// by a Classifier: listing/describe calls and idempotent actions retry on
// throttling and timeout-class errors, while non-idempotent actions retry only
// on throttling (a throttled call was rejected before it ran, so repeating it
// is safe). A call that is still throttled when the attempt budget runs out
// fails with a ThrottleExceeded error carrying the exact attempt count.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the total number of calls allowed, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`

	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" mapstructure:"initial_interval"`

	// MaxInterval caps any single wait.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`

	// Multiplier grows the interval after each retry.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`

	// Jitter is the randomization factor applied to each interval (0..1).
	Jitter float64 `json:"jitter" yaml:"jitter" mapstructure:"jitter" validate:"gte=0,lte=1"`

	// MaxElapsedTime bounds the whole retry loop. Zero disables it.
	MaxElapsedTime time.Duration `json:"max_elapsed_time" yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`

	// OnRetry is called before each wait.
	OnRetry func(operation string, attempt int, err error, wait time.Duration) `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// Classifier decides whether err may be retried.
type Classifier func(err error) bool

// Fetch retries throttled and timeout-class errors. Used for list and
// describe calls, which have no side effects.
func Fetch(err error) bool {
	return engine.IsRetryable(err)
}

// ForAction returns the classifier for an action with the given declared
// idempotency.
func ForAction(idempotent bool) Classifier {
	if idempotent {
		return Fetch
	}
	return engine.IsThrottled
}

// Result reports how a call went.
type Result struct {
	// Attempts is the number of times the operation was invoked.
	Attempts int
}

// Do runs fn until it succeeds, fails with an error the classifier rejects,
// or the policy is exhausted. The returned Result always carries the number of
// invocations made, including on failure.
func Do[T any](
	ctx context.Context,
	p Policy,
	operation string,
	retryable Classifier,
	fn func(ctx context.Context) (T, error),
) (T, Result, error) {
	if retryable == nil {
		retryable = Fetch
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var (
		attempts int
		lastErr  error
	)

	op := func() (T, error) {
		attempts++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(operation, attempts, err, wait)
		}))
	}

	res, err := backoff.Retry(ctx, op, opts...)
	result := Result{Attempts: attempts}
	if err == nil {
		return res, result, nil
	}

	// Context cancellation surfaces as-is.
	if lastErr == nil || !errors.Is(err, lastErr) {
		return res, result, err
	}

	if engine.IsThrottled(lastErr) && retryable(lastErr) {
		return res, result, engine.NewThrottleExceededError(operation, attempts, lastErr)
	}
	return res, result, lastErr
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	return b
}
