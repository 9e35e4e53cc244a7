package errs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_ExplicitTags(t *testing.T) {
	assert.Equal(t, CategoryTransient, Classify(TransientError(ReasonTimeout, "deadline exceeded")))
	assert.Equal(t, CategoryPermanent, Classify(PermanentError(ReasonValidation, "bad schema")))
}

func TestClassify_PatternTable(t *testing.T) {
	assert.Equal(t, CategoryTransient, Classify(errors.New("rate limit exceeded, retry later")))
	assert.Equal(t, CategoryPermanent, Classify(errors.New("file not found: /tmp/x")))
	assert.Equal(t, CategoryUnknown, Classify(errors.New("something weird happened")))
}

func TestShouldRetry(t *testing.T) {
	transient := TransientError(ReasonNetwork, "connection reset")
	assert.True(t, ShouldRetry(transient, 0, 5))
	assert.True(t, ShouldRetry(transient, 4, 5))
	assert.False(t, ShouldRetry(transient, 5, 5))

	permanent := PermanentError(ReasonValidation, "bad input")
	assert.False(t, ShouldRetry(permanent, 0, 5))

	unknown := errors.New("mystery")
	assert.True(t, ShouldRetry(unknown, 0, 5))
	assert.False(t, ShouldRetry(unknown, 1, 5))
}

func TestCalculateRetryDelay_NoJitterIsExact(t *testing.T) {
	policy := RetryPolicy{BaseDelaySec: 2, MaxDelaySec: 100, JitterRatio: 0, MaxRetries: 10}
	assert.Equal(t, 2.0, CalculateRetryDelay(0, policy))
	assert.Equal(t, 4.0, CalculateRetryDelay(1, policy))
	assert.Equal(t, 8.0, CalculateRetryDelay(2, policy))
	assert.Equal(t, 16.0, CalculateRetryDelay(3, policy))
}

func TestCalculateRetryDelay_CapsAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelaySec: 2, MaxDelaySec: 10, JitterRatio: 0, MaxRetries: 10}
	assert.Equal(t, 10.0, CalculateRetryDelay(10, policy))
}

func TestCalculateRetryDelay_Monotonic(t *testing.T) {
	policy := RetryPolicy{BaseDelaySec: 1, MaxDelaySec: 1000, JitterRatio: 0, MaxRetries: 20}
	prev := 0.0
	for n := 0; n < 15; n++ {
		d := CalculateRetryDelay(n, policy)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestFormatAndParseStoredError_RoundTrip(t *testing.T) {
	ce := TransientError(ReasonRateLimit, "provider said slow down")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	line := FormatStoredError(ce, ts)

	parsed, err := ParseStoredError(line)
	require.NoError(t, err)
	assert.Equal(t, CategoryTransient, parsed.Category)
	assert.Equal(t, ReasonRateLimit, parsed.Reason)
	assert.Equal(t, "provider said slow down", parsed.Message)
	assert.True(t, ts.Equal(parsed.Timestamp))
}

func TestCreateTypedError_CategorySurvivesSerialization(t *testing.T) {
	ce := CreateTypedError("disk full", CategoryPermanent)
	line := FormatStoredError(ce, time.Now())
	parsed, err := ParseStoredError(line)
	require.NoError(t, err)
	assert.Equal(t, CategoryPermanent, parsed.Category)
}
