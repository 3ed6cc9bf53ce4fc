package driveput

import (
	"math"
	"math/rand"
	"time"
)

// Default retry tuning.
const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 60 * time.Second

	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Decision is the retry policy's verdict on one failure.
type Decision struct {
	// Retry is true when the same chunk should be re-attempted.
	Retry bool
	// After is how long to wait before the next attempt.
	After time.Duration
	// RefreshFirst asks the session to force a credential refresh before
	// the next attempt. Set for the single permitted auth retry.
	RefreshFirst bool
	// Reason carries the original error when Retry is false.
	Reason error
}

// Policy classifies failures as retryable or fatal and computes backoff
// delays. The zero value is usable and applies the defaults.
type Policy struct {
	// MaxAttempts is the per-chunk attempt ceiling for retryable kinds.
	MaxAttempts int
	// BaseBackoff is the first retry delay; doubles each attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential schedule before jitter.
	MaxBackoff time.Duration
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}

	return DefaultMaxAttempts
}

func (p Policy) baseBackoff() time.Duration {
	if p.BaseBackoff > 0 {
		return p.BaseBackoff
	}

	return DefaultBaseBackoff
}

func (p Policy) maxBackoff() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}

	return DefaultMaxBackoff
}

// Classify decides retry versus abort for err after the given number of
// attempts (attempt is 1 for the first failure). Rules:
//
//   - Validation and Cancelled are never retried.
//   - Auth is retried exactly once, with a forced credential refresh; a
//     second consecutive auth failure aborts.
//   - RateLimited honors the backend's wait hint when present, otherwise
//     falls back to the exponential schedule.
//   - Network and BackendProtocol retry on the exponential schedule.
//   - Exceeding the attempt ceiling aborts with the original error as the
//     reason, for every retryable kind.
//
// Errors outside the taxonomy abort immediately: the policy never guesses
// at the safety of retrying an unknown failure.
func (p Policy) Classify(err error, attempt int) Decision {
	kind, ok := KindOf(err)
	if !ok {
		return Decision{Reason: err}
	}

	switch kind {
	case KindValidation, KindCancelled:
		return Decision{Reason: err}

	case KindAuth:
		if attempt > 1 {
			return Decision{Reason: err}
		}

		return Decision{Retry: true, RefreshFirst: true}

	case KindRateLimited:
		if attempt >= p.maxAttempts() {
			return Decision{Reason: err}
		}

		if after := RetryAfterOf(err); after > 0 {
			return Decision{Retry: true, After: after}
		}

		return Decision{Retry: true, After: p.backoff(attempt)}

	case KindNetwork, KindBackendProtocol:
		if attempt >= p.maxAttempts() {
			return Decision{Reason: err}
		}

		return Decision{Retry: true, After: p.backoff(attempt)}

	default:
		return Decision{Reason: err}
	}
}

// backoff computes min(base * 2^(attempt-1), cap) with ±20% jitter.
func (p Policy) backoff(attempt int) time.Duration {
	d := float64(p.baseBackoff()) * math.Pow(backoffFactor, float64(attempt-1))
	if capped := float64(p.maxBackoff()); d > capped {
		d = capped
	}

	jitter := d * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	d += jitter

	return time.Duration(d)
}
