// Package backpressure turns sampled queue depth into a tiered publish
// policy and worker scale directives. One controller runs the sampler
// loop per deployment (usually inside the worker process); producers on
// other hosts read the shared Redis sample and only inspect the broker
// directly when no sample is available.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/cache"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// Stage is the tiered congestion level for one org queue.
type Stage int

const (
	// StageNormal imposes no restrictions.
	StageNormal Stage = 0
	// StageScale asks the worker pool to widen.
	StageScale Stage = 1
	// StageLight additionally rejects P3 publishes.
	StageLight Stage = 2
	// StageHeavy additionally rejects P2 publishes.
	StageHeavy Stage = 3
	// StageEmergency rejects everything but P0.
	StageEmergency Stage = 4
)

func (s Stage) String() string {
	switch s {
	case StageNormal:
		return "normal"
	case StageScale:
		return "scale"
	case StageLight:
		return "light"
	case StageHeavy:
		return "heavy"
	case StageEmergency:
		return "emergency"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ScaleDirective asks the worker pool to grow. MaxWorkers is the hard
// ceiling the pool must not cross regardless of how many directives
// arrive.
type ScaleDirective struct {
	ScaleBy    int
	MaxWorkers int
}

// StageChangeFunc observes stage transitions and scale windows. from
// equals to when the stage held but the scale cooldown elapsed again;
// scale is nil when no scaling is due.
type StageChangeFunc func(orgID string, from, to Stage, scale *ScaleDirective)

// Allowed reports whether a publish at priority p passes the stage
// policy. P0 is never rejected; emergency rejection is the producer's
// last line, not the broker's.
func Allowed(s Stage, p queue.Priority) bool {
	switch {
	case s >= StageEmergency:
		return p == queue.P0
	case s >= StageHeavy:
		return p <= queue.P1
	case s >= StageLight:
		return p <= queue.P2
	default:
		return true
	}
}

type sample struct {
	depth int
	stage Stage
	at    time.Time
}

// Controller samples per-org queue depth, shares it through Redis, and
// answers the producer's admission question. All methods are safe for
// concurrent use.
type Controller struct {
	cfg       config.BackpressureConfig
	inspector queue.Inspector
	shared    *cache.RedisClient
	m         *metrics.Collector
	log       *zap.Logger

	onStageChange StageChangeFunc

	mu        sync.Mutex
	samples   map[string]sample
	lastScale map[string]time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a controller. inspector may be nil in producer-only
// processes that rely on the shared sample; shared may be nil when no
// Redis is deployed, in which case every process inspects directly.
func New(cfg config.BackpressureConfig, inspector queue.Inspector, shared *cache.RedisClient, m *metrics.Collector, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	if cfg.ScaleThreshold <= 0 {
		cfg.ScaleThreshold = 100
	}
	if cfg.LightThreshold <= 0 {
		cfg.LightThreshold = 500
	}
	if cfg.HeavyThreshold <= 0 {
		cfg.HeavyThreshold = 1000
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = 5000
	}
	if cfg.ScaleIncrement <= 0 {
		cfg.ScaleIncrement = 2
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 20
	}
	return &Controller{
		cfg:       cfg,
		inspector: inspector,
		shared:    shared,
		m:         m,
		log:       log,
		samples:   make(map[string]sample),
		lastScale: make(map[string]time.Time),
	}
}

// OnStageChange registers the transition observer. Must be called
// before Start.
func (c *Controller) OnStageChange(fn StageChangeFunc) {
	c.onStageChange = fn
}

// StageFor maps a depth onto the stage ladder.
func (c *Controller) StageFor(depth int) Stage {
	switch {
	case depth >= c.cfg.EmergencyThreshold:
		return StageEmergency
	case depth >= c.cfg.HeavyThreshold:
		return StageHeavy
	case depth >= c.cfg.LightThreshold:
		return StageLight
	case depth >= c.cfg.ScaleThreshold:
		return StageScale
	}
	return StageNormal
}

// Start launches the sampler loop over the given orgs. The first
// sample happens immediately so admission decisions do not wait a full
// interval after boot.
func (c *Controller) Start(ctx context.Context, orgs []string) error {
	if c.inspector == nil {
		return queue.ConfigError("backpressure sampler needs a broker inspector")
	}
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("backpressure controller already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(loopCtx, orgs)

	c.log.Info("backpressure sampler started",
		zap.Strings("orgs", orgs),
		zap.Duration("interval", c.cfg.SampleInterval))
	return nil
}

// Stop halts the sampler. Safe to call twice.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.log.Info("backpressure sampler stopped")
}

func (c *Controller) run(ctx context.Context, orgs []string) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	c.sampleAll(ctx, orgs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleAll(ctx, orgs)
		}
	}
}

func (c *Controller) sampleAll(ctx context.Context, orgs []string) {
	for _, orgID := range orgs {
		c.sampleOrg(ctx, orgID)
	}
}

func (c *Controller) sampleOrg(ctx context.Context, orgID string) {
	depth, err := c.inspector.QueueDepth(ctx, queue.RequestQueue(orgID))
	if err != nil {
		// Keep the previous sample; it ages out of the freshness
		// window on its own.
		c.log.Warn("queue depth sample failed",
			zap.String("org_id", orgID),
			zap.Error(err))
		return
	}

	stage := c.record(orgID, depth, time.Now())

	if c.shared != nil {
		ttl := 3 * c.cfg.SampleInterval
		if err := c.shared.SetQueueDepth(ctx, orgID, depth, ttl); err != nil {
			c.log.Warn("depth share write failed", zap.String("org_id", orgID), zap.Error(err))
		} else if err := c.shared.SetStage(ctx, orgID, int(stage), ttl); err != nil {
			c.log.Warn("stage share write failed", zap.String("org_id", orgID), zap.Error(err))
		}
	}
}

// record stores the sample, updates gauges, and drives transition and
// scale callbacks. Returns the stage the depth maps to.
func (c *Controller) record(orgID string, depth int, now time.Time) Stage {
	stage := c.StageFor(depth)

	c.mu.Lock()
	prev := c.samples[orgID].stage
	c.samples[orgID] = sample{depth: depth, stage: stage, at: now}

	var scale *ScaleDirective
	if stage >= StageScale && now.Sub(c.lastScale[orgID]) >= c.cfg.ScaleCooldown {
		c.lastScale[orgID] = now
		scale = &ScaleDirective{ScaleBy: c.cfg.ScaleIncrement, MaxWorkers: c.cfg.MaxWorkers}
	}
	c.mu.Unlock()

	if c.m != nil {
		c.m.QueueDepth.WithLabelValues(orgID).Set(float64(depth))
		c.m.BackpressureStage.WithLabelValues(orgID).Set(float64(stage))
	}

	if stage != prev {
		logFn := c.log.Info
		if stage >= StageHeavy {
			logFn = c.log.Warn
		}
		logFn("backpressure stage changed",
			zap.String("org_id", orgID),
			zap.Int("depth", depth),
			zap.Stringer("from", prev),
			zap.Stringer("to", stage))
	}
	if c.onStageChange != nil && (stage != prev || scale != nil) {
		c.onStageChange(orgID, prev, stage, scale)
	}
	return stage
}

// CheckPublish applies the admission policy for one publish. A nil
// return admits the message. When no depth can be resolved at all the
// gate fails open: availability wins over shedding accuracy.
func (c *Controller) CheckPublish(ctx context.Context, orgID string, p queue.Priority) error {
	depth, stage, ok := c.Snapshot(ctx, orgID)
	if !ok || Allowed(stage, p) {
		return nil
	}
	if c.m != nil {
		c.m.BackpressureRejectTotal.WithLabelValues(orgID, p.String()).Inc()
	}
	return queue.BackpressureReject(orgID, p, depth)
}

// Snapshot resolves the current depth and stage for an org: the local
// sample when fresh, then the shared Redis sample, then a direct
// inspect. ok is false when every source failed.
func (c *Controller) Snapshot(ctx context.Context, orgID string) (depth int, stage Stage, ok bool) {
	fresh := 3 * c.cfg.SampleInterval
	now := time.Now()

	c.mu.Lock()
	s, have := c.samples[orgID]
	c.mu.Unlock()
	if have && now.Sub(s.at) <= fresh {
		return s.depth, s.stage, true
	}

	if c.shared != nil {
		d, found, err := c.shared.GetQueueDepth(ctx, orgID)
		if err != nil {
			c.log.Warn("depth share read failed", zap.String("org_id", orgID), zap.Error(err))
		} else if found {
			return d, c.record(orgID, d, now), true
		}
	}

	if c.inspector != nil {
		d, err := c.inspector.QueueDepth(ctx, queue.RequestQueue(orgID))
		if err != nil {
			c.log.Warn("direct depth inspect failed", zap.String("org_id", orgID), zap.Error(err))
		} else {
			return d, c.record(orgID, d, now), true
		}
	}

	if have {
		// A stale local sample still beats flying blind.
		return s.depth, s.stage, true
	}
	return 0, StageNormal, false
}
