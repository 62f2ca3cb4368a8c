// Package promotion escalates aged queued messages one priority class
// at a time so low-priority work cannot starve indefinitely. The
// scheduler scans the messages mirror for rows still QUEUED past their
// class threshold and re-publishes them one class higher with a bumped
// promotion epoch; the stale lower-priority broker copy is absorbed by
// the worker's duplicate collapse once the promoted copy completes.
package promotion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// keyPromotedAt is the context annotation recording when a message
// entered its current priority class. The class age clock restarts on
// every promotion; without it a message older than its first threshold
// would ride every remaining threshold to P0 in consecutive passes.
const keyPromotedAt = "promoted_at"

// MessageSource lists queued messages eligible for a promotion scan.
// Satisfied by store.MessageRepository.
type MessageSource interface {
	ListQueuedBefore(ctx context.Context, orgID string, p queue.Priority, cutoff time.Time, limit int) ([]*queue.Message, error)
}

// Scheduler periodically promotes aged messages. One scheduler runs per
// deployment; scans are read-modify-publish and tolerate overlap with a
// second instance at the cost of duplicate promoted copies, which the
// worker collapses like any other redelivery.
type Scheduler struct {
	cfg      config.PromotionConfig
	src      MessageSource
	pub      queue.Publisher
	pipeline *audit.Pipeline
	m        *metrics.Collector
	log      *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler over the messages mirror and a broker
// publisher.
func New(cfg config.PromotionConfig, src MessageSource, pub queue.Publisher, pipeline *audit.Pipeline, m *metrics.Collector, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	return &Scheduler{
		cfg:      cfg,
		src:      src,
		pub:      pub,
		pipeline: pipeline,
		m:        m,
		log:      log,
	}
}

// Start launches the scan loop over the given orgs.
func (s *Scheduler) Start(ctx context.Context, orgs []string) error {
	if s.src == nil || s.pub == nil || s.pipeline == nil {
		return queue.ConfigError("promotion scheduler requires a message source, a publisher, and an audit pipeline")
	}
	if len(orgs) == 0 {
		return queue.ConfigError("promotion scheduler requires at least one org")
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("promotion scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(loopCtx, orgs)

	s.log.Info("promotion scheduler started",
		zap.Strings("orgs", orgs),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts the scan loop. Safe to call twice.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("promotion scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, orgs []string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx, orgs)
		}
	}
}

// ScanOnce runs a single scan pass over every org and promotable class.
// Classes are visited highest first so a message promoted in this pass
// is not re-scanned in its new class until the next one.
func (s *Scheduler) ScanOnce(ctx context.Context, orgs []string) {
	now := time.Now().UTC()
	for _, orgID := range orgs {
		s.scanOrg(ctx, orgID, now)
	}
}

func (s *Scheduler) scanOrg(ctx context.Context, orgID string, now time.Time) {
	thresholds := s.cfg.For(orgID)
	for _, p := range []queue.Priority{queue.P1, queue.P2, queue.P3} {
		threshold, ok := thresholds.Threshold(p)
		if !ok || threshold <= 0 {
			continue
		}
		// created_at < cutoff is a coarse pre-filter; the class age
		// check below is the binding one. classEntry >= created_at,
		// so nothing eligible is filtered out here.
		msgs, err := s.src.ListQueuedBefore(ctx, orgID, p, now.Add(-threshold), s.cfg.ScanLimit)
		if err != nil {
			s.log.Warn("promotion scan failed",
				zap.String("org_id", orgID),
				zap.Stringer("priority", p),
				zap.Error(err))
			continue
		}
		for _, m := range msgs {
			if m.Expired(now) {
				continue
			}
			age := now.Sub(classEntry(m))
			if age < threshold {
				continue
			}
			s.promote(ctx, m, age, now)
		}
	}
}

// classEntry returns when the message entered its current priority
// class: the last promotion time if it carries one, else creation.
func classEntry(m *queue.Message) time.Time {
	if v, ok := m.Context[keyPromotedAt]; ok {
		if str, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
				return t
			}
		}
	}
	return m.CreatedAt
}

// promote re-publishes m one class higher. The publish is confirmed:
// the promoted event is only recorded once the broker owns the copy.
// Failures are logged and left for the next pass.
func (s *Scheduler) promote(ctx context.Context, m *queue.Message, age time.Duration, now time.Time) {
	from := m.Priority
	to := from.Promote()
	if to == from {
		return
	}

	next := m.Clone()
	next.Priority = to
	if next.Context == nil {
		next.Context = make(map[string]any, 2)
	}
	epoch := queue.PromotionEpoch(m.Context) + 1
	next.Context[queue.HeaderPromotionEpoch] = epoch
	next.Context[keyPromotedAt] = now.Format(time.RFC3339Nano)

	body, err := queue.EncodeMessage(next)
	if err != nil {
		s.log.Error("encode promoted message",
			zap.String("message_id", next.MessageID),
			zap.Error(err))
		return
	}
	headers := queue.WireHeaders(next)
	headers[queue.HeaderPromotionEpoch] = int32(epoch)

	pub := queue.Publication{
		Queue:     queue.RequestQueue(next.OrgID),
		Body:      body,
		Headers:   headers,
		Priority:  to.AMQPPriority(),
		Confirm:   true,
		Mandatory: true,
	}
	if err := s.pub.Publish(ctx, pub); err != nil {
		s.log.Warn("promotion publish failed",
			zap.String("message_id", next.MessageID),
			zap.String("org_id", next.OrgID),
			zap.Error(err))
		return
	}

	s.pipeline.Promoted(ctx, next, from, to, age)
	if s.m != nil {
		s.m.PromotionTotal.WithLabelValues(from.String(), to.String()).Inc()
	}
	s.log.Info("message promoted",
		zap.String("message_id", next.MessageID),
		zap.String("org_id", next.OrgID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("epoch", epoch),
		zap.Duration("age", age))
}
