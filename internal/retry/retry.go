// Package retry is the single retry policy used by every outbound call site:
// risk providers, node RPC, swap aggregator, bundler and gas price feed.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"dustsweep/internal/faults"
)

// Kind tells the policy whether the wrapped call has side effects.
type Kind int

const (
	// Read is an idempotent call (quotes, prices, risk data, RPC reads).
	Read Kind = iota
	// Write has side effects upstream. It is attempted once unless RetryOnWrite is set.
	Write
)

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMultiplier     = 2.0
	DefaultMaxDelay       = 8 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

// Policy describes capped exponential backoff: delay = BaseDelay * Multiplier^attempt.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	Multiplier  float64
	MaxDelay    time.Duration

	// AttemptTimeout bounds every single attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration

	// RetryOnWrite allows retrying Write calls. Keep false for broadcasts.
	RetryOnWrite bool

	// Provider names the remote side for timeout errors and logs.
	Provider string

	// Classify decides whether an error is retryable. Defaults to faults.IsRetryable.
	Classify func(error) bool

	// OnRetry is an optional hook for logging and metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Default returns the package defaults for provider.
func Default(provider string) Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		Multiplier:     DefaultMultiplier,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
		Provider:       provider,
	}
}

// WithProvider returns a copy of p naming provider.
func (p Policy) WithProvider(provider string) Policy {
	p.Provider = provider
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Classify == nil {
		p.Classify = faults.IsRetryable
	}
	return p
}

// Do runs fn under the policy.
func Do(ctx context.Context, p Policy, kind Kind, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, kind, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue runs fn under the policy and returns its value from the first successful attempt.
func DoValue[T any](ctx context.Context, p Policy, kind Kind, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		result  T
		lastErr error
		attempt int
	)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	hinted := &hintedBackOff{BackOff: exp}
	attempts := p.MaxAttempts
	if kind == Write && !p.RetryOnWrite {
		attempts = 1
	}
	var b backoff.BackOff = backoff.WithMaxRetries(hinted, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	operation := func() error {
		attempt++
		v, err := runBounded(ctx, p, fn)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if !p.Classify(err) {
			return backoff.Permanent(err)
		}
		if d, ok := faults.RetryAfter(err); ok {
			hinted.hint = d
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return result, errors.WithSecondaryError(errors.Wrapf(ctxErr, "%s: gave up after %d attempt(s)", p.Provider, attempt), lastErr)
	}
	if lastErr != nil {
		return result, lastErr
	}
	return result, err
}

// runBounded applies the per-attempt timeout and converts a local deadline into a TimeoutError.
func runBounded[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	v, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return v, &faults.TimeoutError{Provider: p.Provider, Op: "request", After: p.AttemptTimeout}
	}
	return v, err
}

// hintedBackOff stretches the next delay to a provider-supplied Retry-After.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}
