// Package producer is the publish side of the queue: it validates and
// stamps request messages, applies the idempotency, rate-limit, and
// backpressure gates, and hands the message to the broker with the
// confirm policy its priority demands. P0 publishes are fire-and-forget
// to keep the urgent path fast; P1-P3 wait for a publisher confirm.
package producer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// IdempotencyStore is the first-wins dedup claim surface. Satisfied by
// store.IdempotencyRepository.
type IdempotencyStore interface {
	Claim(ctx context.Context, orgID, dedupKey, messageID string) (claimed bool, owner string, err error)
	Release(ctx context.Context, orgID, dedupKey, messageID string) error
}

// Gate admits or rejects a publish based on queue congestion.
// Satisfied by backpressure.Controller.
type Gate interface {
	CheckPublish(ctx context.Context, orgID string, p queue.Priority) error
}

// Limiter throttles publishes per org and per user. Satisfied by
// ratelimit.Limiter.
type Limiter interface {
	Wait(ctx context.Context, orgID, userID string) error
}

// PublishResult reports the outcome of one publish.
type PublishResult struct {
	// Accepted is true when the message was enqueued, or when it was
	// recognized as a duplicate of an already-enqueued message.
	Accepted bool
	// Duplicate marks a dedup-key collision; MessageID then names the
	// owning message, not the one passed in.
	Duplicate bool
	// MessageID is the id the caller should track responses under.
	MessageID string
	// Reason carries the rejection kind when Accepted is false.
	Reason queue.Kind
}

// Producer publishes request messages to per-org priority queues.
type Producer struct {
	pub      queue.Publisher
	idem     IdempotencyStore
	gate     Gate
	limiter  Limiter
	pipeline *audit.Pipeline
	m        *metrics.Collector
	log      *zap.Logger
}

// New wires a Producer. idem, gate, limiter, pipeline, and m may each
// be nil; the corresponding step is skipped.
func New(pub queue.Publisher, idem IdempotencyStore, gate Gate, limiter Limiter, pipeline *audit.Pipeline, m *metrics.Collector, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		pub:      pub,
		idem:     idem,
		gate:     gate,
		limiter:  limiter,
		pipeline: pipeline,
		m:        m,
		log:      log,
	}
}

// Publish validates, stamps, and enqueues one message. The message is
// mutated in place: generated ids, created_at, schema version, and the
// retry budget are filled in. On a dedup collision the result carries
// the owning message id and no second copy is enqueued.
func (p *Producer) Publish(ctx context.Context, m *queue.Message) (PublishResult, error) {
	start := time.Now()

	queue.ApplyDefaults(m, start)
	if err := queue.Validate(m); err != nil {
		return p.reject(m, err)
	}
	if m.Expired(start) {
		return p.reject(m, queue.ValidationError("message already expired", nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, m.OrgID, m.UserID); err != nil {
			return p.reject(m, err)
		}
	}
	if p.gate != nil {
		if err := p.gate.CheckPublish(ctx, m.OrgID, m.Priority); err != nil {
			return p.reject(m, err)
		}
	}

	claimed, result, err := p.claim(ctx, m)
	if err != nil || result.Duplicate {
		return result, err
	}

	queueName := queue.RequestQueue(m.OrgID)
	if err := p.publishMessage(ctx, m, queueName); err != nil {
		if claimed {
			p.releaseClaim(ctx, m)
		}
		return p.reject(m, err)
	}

	if p.pipeline != nil {
		p.pipeline.CreatedEnqueued(ctx, m, queueName)
	}
	if p.m != nil {
		p.m.PublishAttemptTotal.WithLabelValues(m.Priority.String(), "accepted").Inc()
		p.m.PublishLatencySeconds.WithLabelValues(m.Priority.String()).Observe(time.Since(start).Seconds())
	}
	p.log.Debug("message published",
		zap.String("message_id", m.MessageID),
		zap.String("org_id", m.OrgID),
		zap.String("type", string(m.Type)),
		zap.Stringer("priority", m.Priority))

	return PublishResult{Accepted: true, MessageID: m.MessageID}, nil
}

// PublishBatch publishes a batch item by item on the shared publisher
// channel. Results align with the input slice; the error aggregates
// per-message failures. Confirms stay per message: the broker tracks
// them individually, so a batch cannot trade one slow message's
// confirm for the others.
func (p *Producer) PublishBatch(ctx context.Context, msgs []*queue.Message) ([]PublishResult, error) {
	results := make([]PublishResult, len(msgs))
	var errs queue.MultiError
	for i, m := range msgs {
		res, err := p.Publish(ctx, m)
		results[i] = res
		if err != nil {
			errs.Add(err)
		}
	}
	return results, errs.ErrorOrNil()
}

// claim runs the idempotency gate. The returned result is only
// meaningful when Duplicate is set or err is non-nil.
func (p *Producer) claim(ctx context.Context, m *queue.Message) (claimed bool, res PublishResult, err error) {
	if p.idem == nil || m.DedupKey == "" {
		return false, PublishResult{}, nil
	}

	claimed, owner, cerr := p.idem.Claim(ctx, m.OrgID, m.DedupKey, m.MessageID)
	if cerr != nil {
		// Fail open: losing dedup protection beats refusing traffic
		// while the store is down.
		if p.m != nil {
			p.m.PublishFailedTotal.WithLabelValues("idempotency_unverified").Inc()
		}
		p.log.Warn("idempotency claim failed, publishing without dedup",
			zap.String("message_id", m.MessageID),
			zap.String("org_id", m.OrgID),
			zap.Error(cerr))
		return false, PublishResult{}, nil
	}
	if claimed {
		return true, PublishResult{}, nil
	}

	if p.m != nil {
		p.m.IdempotencyCollisionTotal.Inc()
		p.m.PublishAttemptTotal.WithLabelValues(m.Priority.String(), "duplicate").Inc()
	}
	p.log.Debug("duplicate publish collapsed",
		zap.String("message_id", m.MessageID),
		zap.String("owner_message_id", owner),
		zap.String("dedup_key", m.DedupKey))
	return false, PublishResult{Accepted: true, Duplicate: true, MessageID: owner}, nil
}

func (p *Producer) releaseClaim(ctx context.Context, m *queue.Message) {
	if err := p.idem.Release(ctx, m.OrgID, m.DedupKey, m.MessageID); err != nil {
		p.log.Warn("idempotency claim rollback failed",
			zap.String("message_id", m.MessageID),
			zap.String("dedup_key", m.DedupKey),
			zap.Error(err))
	}
}

func (p *Producer) publishMessage(ctx context.Context, m *queue.Message, queueName string) error {
	body, err := queue.EncodeMessage(m)
	if err != nil {
		return err
	}

	pub := queue.Publication{
		Queue:     queueName,
		Body:      body,
		Headers:   queue.WireHeaders(m),
		Priority:  m.Priority.AMQPPriority(),
		Confirm:   m.Priority != queue.P0,
		Mandatory: m.Priority != queue.P0,
	}
	if m.ExpiresAt != nil {
		pub.Expiration = time.Until(*m.ExpiresAt)
	}
	return p.pub.Publish(ctx, pub)
}

// reject records a failed publish and shapes the result.
func (p *Producer) reject(m *queue.Message, err error) (PublishResult, error) {
	kind := queue.KindOf(err)
	if p.m != nil {
		p.m.PublishAttemptTotal.WithLabelValues(m.Priority.String(), "rejected").Inc()
		p.m.PublishFailedTotal.WithLabelValues(string(kind)).Inc()
	}
	p.log.Warn("publish rejected",
		zap.String("message_id", m.MessageID),
		zap.String("org_id", m.OrgID),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return PublishResult{Accepted: false, MessageID: m.MessageID, Reason: kind}, err
}
