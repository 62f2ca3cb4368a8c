package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

// MessageMirror is the messages-table side of the audit trail.
// Satisfied by store.MessageRepository.
type MessageMirror interface {
	Upsert(ctx context.Context, m *queue.Message, status queue.Status) error
	UpdateStatus(ctx context.Context, messageID string, status queue.Status) error
}

// Pipeline bundles the event sequences each lifecycle step emits, so
// the producer, worker, and promotion scheduler all write the same
// shapes. Non-terminal emissions are best-effort: failures are logged
// and swallowed. Completed, DeadLetter, and PoisonQuarantined return
// the flush error because the caller's ack depends on durability.
type Pipeline struct {
	batcher *Batcher
	mirror  MessageMirror
	log     *logrus.Logger
}

// NewPipeline wires a Pipeline. mirror may be nil when no event store
// is configured; mirror writes are then skipped.
func NewPipeline(batcher *Batcher, mirror MessageMirror, log *logrus.Logger) *Pipeline {
	return &Pipeline{batcher: batcher, mirror: mirror, log: log}
}

func (p *Pipeline) event(m *queue.Message, et queue.EventType, details map[string]any) queue.AuditEvent {
	return queue.AuditEvent{
		MessageID: m.MessageID,
		OrgID:     m.OrgID,
		EventType: et,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

func (p *Pipeline) upsert(ctx context.Context, m *queue.Message, status queue.Status) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Upsert(ctx, m, status); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"message_id": m.MessageID,
			"status":     status,
		}).Warn("Message mirror upsert failed")
	}
}

func (p *Pipeline) setStatus(ctx context.Context, messageID string, status queue.Status) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.UpdateStatus(ctx, messageID, status); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"message_id": messageID,
			"status":     status,
		}).Warn("Message mirror status update failed")
	}
}

// CreatedEnqueued records producer acceptance: `created`, `enqueued`,
// mirror row QUEUED.
func (p *Pipeline) CreatedEnqueued(ctx context.Context, m *queue.Message, queueName string) {
	p.batcher.Enqueue(p.event(m, queue.EventCreated, map[string]any{
		"type":     string(m.Type),
		"priority": int(m.Priority),
	}))
	p.batcher.Enqueue(p.event(m, queue.EventEnqueued, map[string]any{
		"queue": queueName,
	}))
	p.upsert(ctx, m, queue.StatusQueued)
}

// DequeuedProcessing records the worker picking the message up.
func (p *Pipeline) DequeuedProcessing(ctx context.Context, m *queue.Message, queueName, workerID string) {
	p.batcher.Enqueue(p.event(m, queue.EventDequeued, map[string]any{
		"queue": queueName,
	}))
	p.batcher.Enqueue(p.event(m, queue.EventProcessing, map[string]any{
		"worker": workerID,
	}))
	p.setStatus(ctx, m.MessageID, queue.StatusProcessing)
}

// Completed records handler success. The `completed` event is flushed
// durably before returning; the caller acks only on nil.
func (p *Pipeline) Completed(ctx context.Context, m *queue.Message, elapsed time.Duration) error {
	p.upsert(ctx, m, queue.StatusCompleted)
	return p.batcher.EnqueueSync(ctx, p.event(m, queue.EventCompleted, map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
	}))
}

// FailedThenRetry records a retriable failure and its scheduled retry.
func (p *Pipeline) FailedThenRetry(ctx context.Context, m *queue.Message, kind queue.Kind, detail string, delay time.Duration) {
	p.batcher.Enqueue(p.event(m, queue.EventFailed, map[string]any{
		"kind":   string(kind),
		"detail": detail,
	}))
	p.batcher.Enqueue(p.event(m, queue.EventRetryScheduled, map[string]any{
		"delay_ms":    delay.Milliseconds(),
		"retry_count": m.RetryCount,
	}))
	p.upsert(ctx, m, queue.StatusRetrying)
}

// Demoted records a priority demotion attached to a retry.
func (p *Pipeline) Demoted(ctx context.Context, m *queue.Message, from, to queue.Priority) {
	p.batcher.Enqueue(p.event(m, queue.EventDemoted, map[string]any{
		"from": int(from),
		"to":   int(to),
	}))
}

// DeadLetter records terminal failure. Durable before returning.
func (p *Pipeline) DeadLetter(ctx context.Context, m *queue.Message, reason queue.Kind) error {
	p.batcher.Enqueue(p.event(m, queue.EventFailed, map[string]any{
		"kind":     string(reason),
		"terminal": true,
	}))
	p.upsert(ctx, m, queue.StatusDeadLettered)
	return p.batcher.EnqueueSync(ctx, p.event(m, queue.EventDeadLetter, map[string]any{
		"reason": string(reason),
	}))
}

// PoisonQuarantined records a poison short-circuit: the message went
// to the DLQ without a handler run. Durable before returning.
func (p *Pipeline) PoisonQuarantined(ctx context.Context, m *queue.Message, count int) error {
	p.batcher.Enqueue(p.event(m, queue.EventPoisonQuarantined, map[string]any{
		"count": count,
	}))
	p.upsert(ctx, m, queue.StatusQuarantined)
	return p.batcher.EnqueueSync(ctx, p.event(m, queue.EventDeadLetter, map[string]any{
		"reason": string(queue.KindPoison),
	}))
}

// DuplicateSkipped records a collapse before handler invocation.
func (p *Pipeline) DuplicateSkipped(ctx context.Context, m *queue.Message, ownerMessageID string) {
	p.batcher.Enqueue(p.event(m, queue.EventDuplicateSkipped, map[string]any{
		"owner_message_id": ownerMessageID,
	}))
	p.setStatus(ctx, m.MessageID, queue.StatusDuplicate)
}

// Promoted records a priority promotion re-publish.
func (p *Pipeline) Promoted(ctx context.Context, m *queue.Message, from, to queue.Priority, age time.Duration) {
	p.batcher.Enqueue(p.event(m, queue.EventPromoted, map[string]any{
		"from":   int(from),
		"to":     int(to),
		"age_ms": age.Milliseconds(),
	}))
	p.upsert(ctx, m, queue.StatusQueued)
}

// Replayed records a DLQ replay back into the request queue.
func (p *Pipeline) Replayed(ctx context.Context, m *queue.Message, source string) {
	p.batcher.Enqueue(p.event(m, queue.EventReplayed, map[string]any{
		"source": source,
	}))
	p.upsert(ctx, m, queue.StatusQueued)
}

// ConflictDetected records an externally reported write conflict.
func (p *Pipeline) ConflictDetected(m *queue.Message, details map[string]any) {
	p.batcher.Enqueue(p.event(m, queue.EventConflictDetected, details))
}

// ConflictResolved records an externally reported resolution.
func (p *Pipeline) ConflictResolved(m *queue.Message, details map[string]any) {
	p.batcher.Enqueue(p.event(m, queue.EventConflictResolved, details))
}

// ConflictResolutionFailed records a failed external resolution.
func (p *Pipeline) ConflictResolutionFailed(m *queue.Message, details map[string]any) {
	p.batcher.Enqueue(p.event(m, queue.EventConflictResolutionFailed, details))
}
