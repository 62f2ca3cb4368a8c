package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
)

func enabledConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:          true,
		OrgTokensPerSec:  100,
		OrgBucketSize:    2,
		UserTokensPerSec: 100,
		UserBucketSize:   1,
	}
}

func TestWait_DisabledIsPassThrough(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: false}, nil)

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Wait(context.Background(), "acme", "u1"))
	}
}

func TestWait_ThrottlesPastBurst(t *testing.T) {
	l := New(enabledConfig(), metrics.NewTestCollector())

	// Burst of 2 passes immediately.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	assert.Less(t, time.Since(start), 5*time.Millisecond)

	// Third token costs ~10ms at 100 tokens/sec.
	start = time.Now()
	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestWait_CancelledReturnsRateLimitError(t *testing.T) {
	cfg := enabledConfig()
	cfg.OrgTokensPerSec = 0.1 // next token minutes away
	l := New(cfg, nil)

	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	require.NoError(t, l.Wait(context.Background(), "acme", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "acme", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit")
}

func TestWait_UserBucketsAreIndependent(t *testing.T) {
	cfg := enabledConfig()
	cfg.OrgBucketSize = 100 // org bucket out of the way
	l := New(cfg, nil)

	// Exhaust u1's single-token burst.
	require.NoError(t, l.Wait(context.Background(), "acme", "u1"))

	// u2 still passes immediately.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "acme", "u2"))
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestWait_CountsThrottledPublishes(t *testing.T) {
	m := metrics.NewTestCollector()
	l := New(enabledConfig(), m)

	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RateLimitThrottledTotal))

	require.NoError(t, l.Wait(context.Background(), "acme", ""))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitThrottledTotal))
}

func TestAllow_ConsumesBothBucketsOrNeither(t *testing.T) {
	cfg := enabledConfig()
	cfg.OrgBucketSize = 1
	cfg.UserBucketSize = 5
	l := New(cfg, nil)

	assert.True(t, l.Allow("acme", "u1"))
	// Org bucket empty now; the user bucket must not be drained by the
	// failed attempt.
	assert.False(t, l.Allow("acme", "u1"))

	lim := l.userLimiter("acme", "u1")
	assert.GreaterOrEqual(t, lim.Tokens(), 3.9)
}

func TestAllow_DisabledAlwaysTrue(t *testing.T) {
	l := New(config.RateLimitConfig{}, nil)
	assert.True(t, l.Allow("acme", "u1"))
}

func TestAllow_SeparateOrgs(t *testing.T) {
	cfg := enabledConfig()
	cfg.OrgBucketSize = 1
	l := New(cfg, nil)

	assert.True(t, l.Allow("acme", ""))
	assert.False(t, l.Allow("acme", ""))
	assert.True(t, l.Allow("globex", ""))
}
