package driveput

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_NetworkRetriesUntilCeiling(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond}
	err := Errf(KindNetwork, "connection reset")

	d1 := p.Classify(err, 1)
	assert.True(t, d1.Retry)
	assert.Positive(t, d1.After)

	d2 := p.Classify(err, 2)
	assert.True(t, d2.Retry)

	d3 := p.Classify(err, 3)
	assert.False(t, d3.Retry)
	assert.Same(t, err, d3.Reason)
}

func TestClassify_ValidationAbortsImmediately(t *testing.T) {
	var p Policy

	d := p.Classify(Errf(KindValidation, "zero-length upload"), 1)
	assert.False(t, d.Retry)
	assert.True(t, IsKind(d.Reason, KindValidation))
}

func TestClassify_CancelledAbortsImmediately(t *testing.T) {
	var p Policy

	d := p.Classify(Errf(KindCancelled, "caller cancelled"), 1)
	assert.False(t, d.Retry)
}

func TestClassify_AuthRetriesOnceWithRefresh(t *testing.T) {
	var p Policy

	err := Errf(KindAuth, "token rejected")

	d1 := p.Classify(err, 1)
	assert.True(t, d1.Retry)
	assert.True(t, d1.RefreshFirst)
	assert.Zero(t, d1.After)

	d2 := p.Classify(err, 2)
	assert.False(t, d2.Retry, "second consecutive auth failure aborts")
	assert.True(t, IsKind(d2.Reason, KindAuth))
}

func TestClassify_RateLimitedHonorsHint(t *testing.T) {
	var p Policy

	err := &Error{Kind: KindRateLimited, Chunk: NoChunk, RetryAfter: 7 * time.Second}

	d := p.Classify(err, 1)
	assert.True(t, d.Retry)
	assert.Equal(t, 7*time.Second, d.After)
}

func TestClassify_RateLimitedWithoutHintBacksOff(t *testing.T) {
	p := Policy{BaseBackoff: 100 * time.Millisecond}

	d := p.Classify(Errf(KindRateLimited, "slow down"), 1)
	assert.True(t, d.Retry)
	assert.Positive(t, d.After)
}

func TestClassify_RateLimitedCeilingApplies(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	err := &Error{Kind: KindRateLimited, Chunk: NoChunk, RetryAfter: time.Second}

	d := p.Classify(err, 2)
	assert.False(t, d.Retry, "the attempt ceiling overrides the wait hint")
}

func TestClassify_UnknownErrorAborts(t *testing.T) {
	var p Policy

	cause := errors.New("something happened")

	d := p.Classify(cause, 1)
	assert.False(t, d.Retry)
	assert.Same(t, cause, d.Reason)
}

func TestClassify_ZeroValueUsesDefaults(t *testing.T) {
	var p Policy

	err := Errf(KindNetwork, "timeout")

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		d := p.Classify(err, attempt)
		assert.True(t, d.Retry, "attempt %d should retry", attempt)
	}

	d := p.Classify(err, DefaultMaxAttempts)
	assert.False(t, d.Retry)
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	p := Policy{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second, MaxAttempts: 10}

	// Jitter is ±20%, so check bounds rather than exact values.
	within := func(d, nominal time.Duration) {
		t.Helper()
		lo := time.Duration(float64(nominal) * (1 - jitterFraction))
		hi := time.Duration(float64(nominal) * (1 + jitterFraction))
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}

	within(p.backoff(1), time.Second)
	within(p.backoff(2), 2*time.Second)
	within(p.backoff(3), 4*time.Second)
	within(p.backoff(4), 4*time.Second) // capped
	within(p.backoff(8), 4*time.Second) // still capped
}
