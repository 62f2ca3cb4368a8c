package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// EventWriter is the durable sink for flushed batches. Satisfied by
// store.EventRepository.
type EventWriter interface {
	AppendBatch(ctx context.Context, evs []queue.AuditEvent) error
}

// Mirror receives a copy of every successfully flushed batch.
// Satisfied by stream.Writer. Mirror failures are logged, never
// propagated: the event store is the source of truth.
type Mirror interface {
	WriteEvents(ctx context.Context, evs []queue.AuditEvent) error
}

// BatcherConfig tunes the flush policy.
type BatcherConfig struct {
	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int
	// FlushInterval triggers a flush even when the buffer is short.
	FlushInterval time.Duration
	// QueueMax bounds the enqueue channel; async events past it drop.
	QueueMax int
	// FlushRetries is how many times one batch is retried before it
	// is dropped (async) or the error surfaces (sync).
	FlushRetries int
	// RetryBase is the first backoff delay; doubles up to RetryCap.
	RetryBase time.Duration
	RetryCap  time.Duration
}

// DefaultBatcherConfig returns the production defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		QueueMax:      1024,
		FlushRetries:  3,
		RetryBase:     500 * time.Millisecond,
		RetryCap:      5 * time.Second,
	}
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	d := DefaultBatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.QueueMax < c.BatchSize {
		c.QueueMax = d.QueueMax
	}
	if c.FlushRetries <= 0 {
		c.FlushRetries = d.FlushRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = d.RetryCap
	}
	return c
}

type flushRequest struct {
	done chan error
}

// Batcher coalesces audit events into ordered batches and flushes them
// transactionally. Async events are best-effort and drop when the
// bounded queue overflows; terminal events go through EnqueueSync,
// which blocks until the event is durable so the caller can gate the
// broker ack on it.
type Batcher struct {
	cfg      BatcherConfig
	writer   EventWriter
	mirror   Mirror
	redactor *Redactor
	metrics  *metrics.Collector
	log      *logrus.Logger

	ch      chan queue.AuditEvent
	flushCh chan flushRequest

	running atomic.Bool
	dropped atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBatcher creates a stopped Batcher. mirror may be nil.
func NewBatcher(cfg BatcherConfig, writer EventWriter, mirror Mirror, redactor *Redactor, m *metrics.Collector, log *logrus.Logger) *Batcher {
	cfg = cfg.withDefaults()
	if redactor == nil {
		redactor = NewRedactor(RedactNone)
	}
	return &Batcher{
		cfg:      cfg,
		writer:   writer,
		mirror:   mirror,
		redactor: redactor,
		metrics:  m,
		log:      log,
		ch:       make(chan queue.AuditEvent, cfg.QueueMax),
		flushCh:  make(chan flushRequest),
	}
}

// Start launches the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("audit batcher already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.run(loopCtx)

	b.log.WithFields(logrus.Fields{
		"batch_size":     b.cfg.BatchSize,
		"flush_interval": b.cfg.FlushInterval,
		"queue_max":      b.cfg.QueueMax,
	}).Info("Audit batcher started")
	return nil
}

// Stop drains the queue, flushes what is buffered, and returns. Safe
// to call twice.
func (b *Batcher) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()

	if n := b.dropped.Load(); n > 0 {
		b.log.WithField("dropped", n).Warn("Audit batcher dropped events under overflow")
	}
	b.log.Info("Audit batcher stopped")
}

// Enqueue queues an async event. Returns false when the queue is full
// and the event was dropped.
func (b *Batcher) Enqueue(ev queue.AuditEvent) bool {
	select {
	case b.ch <- b.prepare(ev):
		return true
	default:
		b.dropped.Add(1)
		b.log.WithFields(logrus.Fields{
			"message_id": ev.MessageID,
			"event_type": ev.EventType,
		}).Warn("Audit queue full, dropping event")
		return false
	}
}

// EnqueueSync queues the event and blocks until everything buffered so
// far, this event included, is durable in the event store. Terminal
// events (`completed`, `dead_letter`) go through here so acks never
// outrun the log.
func (b *Batcher) EnqueueSync(ctx context.Context, ev queue.AuditEvent) error {
	select {
	case b.ch <- b.prepare(ev):
	case <-ctx.Done():
		return queue.StoreUnavailable("audit enqueue cancelled", ctx.Err()).WithMessageID(ev.MessageID)
	}

	req := flushRequest{done: make(chan error, 1)}
	select {
	case b.flushCh <- req:
	case <-ctx.Done():
		return queue.StoreUnavailable("audit flush request cancelled", ctx.Err()).WithMessageID(ev.MessageID)
	}

	select {
	case err := <-req.done:
		if err != nil {
			return queue.StoreUnavailable("audit flush failed", err).WithMessageID(ev.MessageID)
		}
		return nil
	case <-ctx.Done():
		return queue.StoreUnavailable("audit flush wait cancelled", ctx.Err()).WithMessageID(ev.MessageID)
	}
}

// Dropped reports how many async events overflowed the queue.
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Batcher) prepare(ev queue.AuditEvent) queue.AuditEvent {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return b.redactor.Event(ev)
}

func (b *Batcher) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]queue.AuditEvent, 0, b.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			buf = b.drainInto(buf)
			if len(buf) > 0 {
				// Final flush runs on a fresh context: the loop
				// context is already cancelled.
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := b.flush(flushCtx, buf); err != nil {
					b.log.WithError(err).Error("Final audit flush failed, events lost")
				}
				cancel()
			}
			return

		case ev := <-b.ch:
			buf = append(buf, ev)
			if len(buf) >= b.cfg.BatchSize {
				buf = b.flushAsync(ctx, buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				buf = b.flushAsync(ctx, buf)
			}

		case req := <-b.flushCh:
			buf = b.drainInto(buf)
			err := b.flush(ctx, buf)
			if err == nil {
				buf = buf[:0]
			}
			req.done <- err
		}
	}
}

// drainInto pulls everything currently queued without blocking, so a
// sync flush covers events enqueued just before it.
func (b *Batcher) drainInto(buf []queue.AuditEvent) []queue.AuditEvent {
	for {
		select {
		case ev := <-b.ch:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
}

// flushAsync flushes and drops the batch on exhausted retries; async
// events are best-effort.
func (b *Batcher) flushAsync(ctx context.Context, buf []queue.AuditEvent) []queue.AuditEvent {
	if err := b.flush(ctx, buf); err != nil {
		b.dropped.Add(int64(len(buf)))
		b.log.WithError(err).WithField("events", len(buf)).Error("Audit flush failed, dropping batch")
	}
	return buf[:0]
}

// flush writes one batch with bounded exponential backoff, then
// mirrors it. Order inside the batch is the enqueue order.
func (b *Batcher) flush(ctx context.Context, buf []queue.AuditEvent) error {
	if len(buf) == 0 {
		return nil
	}

	start := time.Now()
	var err error
	delay := b.cfg.RetryBase

	for attempt := 0; attempt <= b.cfg.FlushRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > b.cfg.RetryCap {
				delay = b.cfg.RetryCap
			}
		}

		if err = b.writer.AppendBatch(ctx, buf); err == nil {
			break
		}
		b.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"events":  len(buf),
		}).Warn("Audit flush attempt failed")
	}
	if err != nil {
		return err
	}

	if b.metrics != nil {
		b.metrics.AuditFlushSize.Observe(float64(len(buf)))
		b.metrics.AuditFlushDurationSeconds.Observe(time.Since(start).Seconds())
	}

	if b.mirror != nil {
		if merr := b.mirror.WriteEvents(ctx, buf); merr != nil {
			b.log.WithError(merr).Warn("Audit mirror write failed")
		}
	}
	return nil
}
