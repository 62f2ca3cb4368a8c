package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		kind     Kind
		retry    bool
		strategy Strategy
	}{
		{KindValidation, false, StrategyNone},
		{KindUnsupportedSchema, false, StrategyNone},
		{KindPermanentUpstream, false, StrategyNone},
		{KindRateLimit, true, StrategyExponential},
		{KindTransientIO, true, StrategyExponential},
		{KindHandlerTimeout, true, StrategyLinear},
		{KindUnknown, true, StrategyExponential},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p := PolicyFor(tt.kind)
			assert.Equal(t, tt.retry, p.Retry)
			assert.Equal(t, tt.strategy, p.Strategy)
		})
	}

	// Kinds outside the table never retry.
	assert.False(t, PolicyFor(KindDuplicate).Retry)
	assert.False(t, PolicyFor(Kind("other")).Retry)
}

func TestPolicy_Delay_Exponential(t *testing.T) {
	p := PolicyFor(KindTransientIO) // base 500ms, cap 30s

	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, 1*time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	// Cap holds for arbitrarily late attempts.
	assert.Equal(t, 30*time.Second, p.Delay(10))
	assert.Equal(t, 30*time.Second, p.Delay(64))
}

func TestPolicy_Delay_RateLimitCap(t *testing.T) {
	p := PolicyFor(KindRateLimit) // base 1s, cap 60s

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 32*time.Second, p.Delay(6))
	assert.Equal(t, 60*time.Second, p.Delay(7))
	assert.Equal(t, 60*time.Second, p.Delay(20))
}

func TestPolicy_Delay_Linear(t *testing.T) {
	p := PolicyFor(KindHandlerTimeout) // 5s per attempt

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 15*time.Second, p.Delay(3))
	// Cap bounds runaway linear growth.
	assert.Equal(t, 60*time.Second, p.Delay(100))
}

func TestPolicy_Delay_NoRetry(t *testing.T) {
	p := PolicyFor(KindValidation)
	assert.Equal(t, time.Duration(0), p.Delay(1))

	// Attempt numbers below 1 yield no delay.
	assert.Equal(t, time.Duration(0), PolicyFor(KindTransientIO).Delay(0))
}

func TestSnapDelay(t *testing.T) {
	tests := []struct {
		name     string
		raw      time.Duration
		expected time.Duration
	}{
		{"exact rung", 500 * time.Millisecond, 500 * time.Millisecond},
		{"between rungs snaps up", 1200 * time.Millisecond, 2 * time.Second},
		{"tiny snaps to first", 10 * time.Millisecond, 500 * time.Millisecond},
		{"exponential third attempt", 2 * time.Second, 2 * time.Second},
		{"linear second attempt", 10 * time.Second, 15 * time.Second},
		{"beyond ladder clamps", 5 * time.Minute, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SnapDelay(tt.raw))
		})
	}
}

func TestDecide_Retryable(t *testing.T) {
	m := &Message{
		MessageID:  "msg-1",
		OrgID:      "org-1",
		Priority:   P1,
		RetryCount: 0,
		MaxRetries: 3,
	}

	d := Decide(m, TransientError("io", nil))

	require.True(t, d.Retry)
	assert.Equal(t, KindTransientIO, d.Kind)
	assert.Equal(t, 500*time.Millisecond, d.Delay)
	assert.True(t, d.Demote)
}

func TestDecide_NoRetryKinds(t *testing.T) {
	m := &Message{MessageID: "msg-1", Priority: P1, MaxRetries: 3}

	for _, err := range []error{
		ValidationError("bad", nil),
		SchemaError("9.0.0"),
		PermanentError("404", nil),
	} {
		d := Decide(m, err)
		assert.False(t, d.Retry, "kind %s must not retry", d.Kind)
		assert.Zero(t, d.Delay)
	}
}

func TestDecide_BudgetExhausted(t *testing.T) {
	m := &Message{MessageID: "msg-1", Priority: P2, RetryCount: 3, MaxRetries: 3}

	d := Decide(m, TransientError("io", nil))

	assert.False(t, d.Retry)
	assert.Equal(t, KindTransientIO, d.Kind)
}

func TestDecide_LastAllowedAttempt(t *testing.T) {
	m := &Message{MessageID: "msg-1", Priority: P2, RetryCount: 2, MaxRetries: 3}

	d := Decide(m, TransientError("io", nil))

	assert.True(t, d.Retry)
	// Third attempt of the 500ms-base ladder: 2s raw, exact rung.
	assert.Equal(t, 2*time.Second, d.Delay)
}

func TestDecide_DemoteSuppressed(t *testing.T) {
	t.Run("no_demote flag", func(t *testing.T) {
		m := &Message{MessageID: "msg-1", Priority: P0, MaxRetries: 3, NoDemote: true}
		d := Decide(m, TransientError("io", nil))
		require.True(t, d.Retry)
		assert.False(t, d.Demote)
	})

	t.Run("already at floor", func(t *testing.T) {
		m := &Message{MessageID: "msg-1", Priority: P3, MaxRetries: 3}
		d := Decide(m, TransientError("io", nil))
		require.True(t, d.Retry)
		assert.False(t, d.Demote)
	})
}

func TestDecide_DelaySnapsToLadder(t *testing.T) {
	// handler_timeout attempt 2 is 10s raw; the ladder has no 10s rung.
	m := &Message{MessageID: "msg-1", Priority: P2, RetryCount: 1, MaxRetries: 5}

	d := Decide(m, TimeoutError("msg-1"))

	require.True(t, d.Retry)
	assert.Equal(t, 15*time.Second, d.Delay)
}
