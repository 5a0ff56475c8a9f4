package kv

import (
	"fmt"
	randv2 "math/rand/v2"
	"strings"
	"time"
)

const (
	RetryNone        = "none"
	RetryLimited     = "limited"
	RetryExponential = "exponential"
)

// RetryPolicy names a strategy and its bounds. Every operation builds
// its own strategy from it, a strategy is never shared.
type RetryPolicy struct {
	Strategy   string
	Attempts   int64
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewRetryFactory turns the policy into the factory expected by
// WithThreadSafeMapRetry. Unbounded policies are rejected.
func NewRetryFactory(policy RetryPolicy) (func() RetryStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(policy.Strategy)) {
	case RetryNone:
		return NoRetry, nil
	case RetryLimited:
		if policy.Attempts <= 0 || policy.Backoff <= 0 {
			return nil, fmt.Errorf("%w: limited retry needs attempts and backoff, got %d and %s",
				ErrXKvInvalidRetry, policy.Attempts, policy.Backoff)
		}
		return func() RetryStrategy {
			return LimitedRetry(policy.Backoff, policy.Attempts)
		}, nil
	case RetryExponential:
		if policy.Attempts <= 0 || policy.Backoff <= 0 {
			return nil, fmt.Errorf("%w: exponential retry needs attempts and backoff, got %d and %s",
				ErrXKvInvalidRetry, policy.Attempts, policy.Backoff)
		}
		if policy.MaxBackoff > 0 && policy.MaxBackoff < policy.Backoff {
			return nil, fmt.Errorf("%w: max backoff %s below backoff %s",
				ErrXKvInvalidRetry, policy.MaxBackoff, policy.Backoff)
		}
		return func() RetryStrategy {
			return ExponentialBackoffRetry(policy.Attempts, policy.Backoff, policy.MaxBackoff, 2.0, 0.1)
		}, nil
	default:
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", ErrXKvInvalidRetry, policy.Strategy)
}

type noRetry struct{}

func (noRetry) Next() time.Duration {
	return 0
}

func NoRetry() RetryStrategy {
	return noRetry{}
}

// limitedRetry waits the same backoff before each of its attempts.
type limitedRetry struct {
	backoff time.Duration
	left    int64
}

func (retry *limitedRetry) Next() time.Duration {
	if retry.left <= 0 {
		return 0
	}
	retry.left--
	return retry.backoff
}

func LimitedRetry(backoff time.Duration, attempts int64) RetryStrategy {
	if backoff <= 0 || attempts <= 0 {
		return NoRetry()
	}
	return &limitedRetry{
		backoff: backoff,
		left:    attempts,
	}
}

type exponentialBackoff struct {
	next   time.Duration
	cap    time.Duration
	factor float64
	jitter float64
	left   int64
}

// Next grows the backoff by factor up to cap, the jitter is added on
// top of the returned backoff only.
func (backoff *exponentialBackoff) Next() time.Duration {
	if backoff.left <= 0 {
		return 0
	}
	backoff.left--
	d := backoff.next
	if backoff.factor > 1 {
		backoff.next = time.Duration(float64(backoff.next) * backoff.factor)
		if backoff.cap > 0 && backoff.next > backoff.cap {
			backoff.next = backoff.cap
		}
	}
	if backoff.jitter > 0 {
		d += time.Duration(randv2.Float64() * backoff.jitter * float64(d))
	}
	return d
}

func ExponentialBackoffRetry(attempts int64, initBackoff, maxBackoff time.Duration, factor, jitter float64) RetryStrategy {
	if initBackoff <= 0 || attempts <= 0 {
		return NoRetry()
	}
	return &exponentialBackoff{
		next:   initBackoff,
		cap:    maxBackoff,
		factor: factor,
		jitter: jitter,
		left:   attempts,
	}
}

// DefaultExponentialBackoffRetry retries a lost CAS 5 times, starting
// at 50µs and doubling up to 5ms.
func DefaultExponentialBackoffRetry() RetryStrategy {
	return ExponentialBackoffRetry(5, 50*time.Microsecond, 5*time.Millisecond, 2.0, 0.1)
}
