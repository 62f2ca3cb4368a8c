// Package ratelimit throttles producer publishes with token buckets,
// one per org and one per user within an org. Publishes wait for
// capacity instead of failing; rejection under load is the
// backpressure policy's job, not the limiter's.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// Limiter holds the keyed token buckets. Buckets are created lazily on
// first use and live for the process lifetime.
type Limiter struct {
	cfg config.RateLimitConfig
	m   *metrics.Collector

	mu    sync.Mutex
	orgs  map[string]*rate.Limiter
	users map[string]*rate.Limiter
}

// New builds a limiter from config. A disabled config yields a
// pass-through limiter.
func New(cfg config.RateLimitConfig, m *metrics.Collector) *Limiter {
	return &Limiter{
		cfg:   cfg,
		m:     m,
		orgs:  make(map[string]*rate.Limiter),
		users: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) orgLimiter(orgID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.orgs[orgID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.OrgTokensPerSec), l.cfg.OrgBucketSize)
		l.orgs[orgID] = lim
	}
	return lim
}

func (l *Limiter) userLimiter(orgID, userID string) *rate.Limiter {
	key := orgID + ":" + userID
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.users[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.UserTokensPerSec), l.cfg.UserBucketSize)
		l.users[key] = lim
	}
	return lim
}

// Wait consumes one token from the org bucket and, when a user is
// known, one from the user bucket, blocking until both are available
// or ctx ends. A cancelled wait surfaces as a rate_limit error.
func (l *Limiter) Wait(ctx context.Context, orgID, userID string) error {
	if !l.cfg.Enabled {
		return nil
	}

	start := time.Now()
	throttled := false

	org := l.orgLimiter(orgID)
	if !org.Allow() {
		throttled = true
		if err := org.Wait(ctx); err != nil {
			return queue.RateLimitError("org rate limit wait aborted", err).WithOrg(orgID)
		}
	}

	if userID != "" {
		user := l.userLimiter(orgID, userID)
		if !user.Allow() {
			throttled = true
			if err := user.Wait(ctx); err != nil {
				return queue.RateLimitError("user rate limit wait aborted", err).
					WithOrg(orgID).
					WithDetail("user_id", userID)
			}
		}
	}

	if throttled && l.m != nil {
		l.m.RateLimitThrottledTotal.Inc()
		l.m.RateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Allow reports whether one publish may proceed right now, consuming
// tokens from both buckets or neither.
func (l *Limiter) Allow(orgID, userID string) bool {
	if !l.cfg.Enabled {
		return true
	}

	orgRes := l.orgLimiter(orgID).Reserve()
	if !orgRes.OK() || orgRes.Delay() > 0 {
		orgRes.Cancel()
		return false
	}
	if userID == "" {
		return true
	}

	userRes := l.userLimiter(orgID, userID).Reserve()
	if !userRes.OK() || userRes.Delay() > 0 {
		userRes.Cancel()
		orgRes.Cancel()
		return false
	}
	return true
}
