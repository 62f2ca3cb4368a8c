// Package worker consumes an org request queue and executes the
// registered handler for each message under bounded concurrency.
// Failures are classified into the retry ladder, the dead-letter
// queue, or the poison quarantine; every outcome leaves an audit
// trail and exactly one terminal response frame.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/concurrency"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// errInterrupted marks a handler cut short by shutdown; the delivery
// is requeued without retry accounting.
var errInterrupted = errors.New("handler interrupted by shutdown")

// Broker is the transport slice the worker needs: deliveries in;
// retries, DLQ records, and response frames out.
type Broker interface {
	queue.Consumer
	queue.Publisher
}

// PoisonCounter tracks crash counts per (org, dedup key). Satisfied
// by store.PoisonRepository.
type PoisonCounter interface {
	Increment(ctx context.Context, orgID, dedupKey string) (int, error)
	Decrement(ctx context.Context, orgID, dedupKey string) (int, error)
}

// DLQStore mirrors dead-letter records into the event store.
// Satisfied by store.DLQRepository.
type DLQStore interface {
	Insert(ctx context.Context, rec *queue.DLQRecord) error
}

// DedupOwnership resolves which message id owns a dedup key.
// Satisfied by store.IdempotencyRepository.
type DedupOwnership interface {
	Owner(ctx context.Context, orgID, dedupKey string) (string, bool, error)
}

// StatusReader reads the mirrored message status. Satisfied by
// store.MessageRepository.
type StatusReader interface {
	GetStatus(ctx context.Context, messageID string) (queue.Status, bool, error)
}

// Stores bundles the worker's store dependencies. Any field may be
// nil; the matching gate is then skipped and the worker degrades to
// pure broker semantics.
type Stores struct {
	Poison PoisonCounter
	DLQ    DLQStore
	Idem   DedupOwnership
	Status StatusReader
}

// Worker consumes one org request queue. Prefetch bounds deliveries
// broker-side, the semaphore bounds in-flight handlers in-process;
// effective concurrency is the smaller of the two. The semaphore can
// grow at runtime up to WORKER_MAX_CONCURRENCY when backpressure
// asks for more throughput.
type Worker struct {
	cfg      config.WorkerConfig
	broker   Broker
	registry *Registry
	stores   Stores
	pipeline *audit.Pipeline
	m        *metrics.Collector
	log      *zap.Logger

	workerID string
	sem      *concurrency.Semaphore

	running       atomic.Bool
	consumeCancel context.CancelFunc
	procCtx       context.Context
	procCancel    context.CancelFunc
	handlers      sync.WaitGroup
	done          chan struct{}
}

// New wires a Worker. reg nil falls back to the built-in handlers;
// stores fields, pipeline, and m may be nil.
func New(cfg config.WorkerConfig, b Broker, reg *Registry, stores Stores, pipeline *audit.Pipeline, m *metrics.Collector, log *zap.Logger) *Worker {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ceiling := cfg.MaxConcurrency
	if ceiling < cfg.Concurrency {
		ceiling = cfg.Concurrency
	}
	host, _ := os.Hostname()
	return &Worker{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		stores:   stores,
		pipeline: pipeline,
		m:        m,
		log:      log,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		sem:      concurrency.NewSemaphoreWithCeiling(cfg.Concurrency, ceiling),
		done:     make(chan struct{}),
	}
}

// ID returns the worker's stable identifier, as recorded in
// processing audit events.
func (w *Worker) ID() string {
	return w.workerID
}

// InFlight returns the number of handlers currently executing.
func (w *Worker) InFlight() int {
	return w.sem.Current()
}

// Grow raises the in-process concurrency bound by n, capped at the
// structural ceiling, and returns the new bound. The runtime wires
// backpressure scale directives here.
func (w *Worker) Grow(n int) int {
	limit := w.sem.Grow(n)
	w.log.Info("worker concurrency raised",
		zap.Int("by", n),
		zap.Int("limit", limit))
	return limit
}

// Start opens the consumer on the org request queue and launches the
// dispatch loop.
func (w *Worker) Start(ctx context.Context) error {
	if w.cfg.OrgID == "" {
		return queue.ConfigError("worker requires an org id")
	}
	if !w.running.CompareAndSwap(false, true) {
		return queue.ConfigError("worker already started")
	}

	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	w.consumeCancel = consumeCancel
	w.procCtx, w.procCancel = context.WithCancel(context.Background())

	deliveries, err := w.broker.Consume(consumeCtx, queue.RequestQueue(w.cfg.OrgID),
		queue.WithPrefetch(w.cfg.Prefetch),
		queue.WithConsumerTag("worker-"+w.workerID),
	)
	if err != nil {
		w.running.Store(false)
		consumeCancel()
		w.procCancel()
		return err
	}

	go w.run(consumeCtx, deliveries)

	w.log.Info("worker started",
		zap.String("worker_id", w.workerID),
		zap.String("org_id", w.cfg.OrgID),
		zap.String("queue", queue.RequestQueue(w.cfg.OrgID)),
		zap.Int("prefetch", w.cfg.Prefetch),
		zap.Int("concurrency", w.cfg.Concurrency))
	return nil
}

// Stop shuts the worker down: stop consuming, wait up to the grace
// period for in-flight handlers, then cancel the stragglers.
// Interrupted handlers nack their deliveries with requeue so another
// worker picks them up; the poison counter guards crash loops.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.consumeCancel()
	<-w.done

	finished := make(chan struct{})
	go func() {
		w.handlers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("shutdown grace elapsed, cancelling in-flight handlers",
			zap.Duration("grace", w.cfg.ShutdownGrace))
	}
	w.procCancel()
	w.handlers.Wait()
	w.log.Info("worker stopped", zap.String("worker_id", w.workerID))
}

func (w *Worker) run(ctx context.Context, deliveries <-chan queue.Delivery) {
	defer close(w.done)
	for {
		for d := range deliveries {
			if err := w.sem.Acquire(ctx); err != nil {
				// Shutting down: hand the delivery back to the broker.
				_ = d.Nack(true)
				continue
			}
			w.handlers.Add(1)
			go func(d queue.Delivery) {
				defer w.handlers.Done()
				defer w.sem.Release()
				w.process(w.procCtx, &d)
			}(d)
		}
		if ctx.Err() != nil {
			return
		}
		// The stream died with the broker channel; resubscribe with
		// backoff until the connection comes back or shutdown.
		w.log.Warn("delivery stream closed, resubscribing",
			zap.String("queue", queue.RequestQueue(w.cfg.OrgID)))
		next, ok := w.resubscribe(ctx)
		if !ok {
			return
		}
		deliveries = next
	}
}

func (w *Worker) resubscribe(ctx context.Context) (<-chan queue.Delivery, bool) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		deliveries, err := w.broker.Consume(ctx, queue.RequestQueue(w.cfg.OrgID),
			queue.WithPrefetch(w.cfg.Prefetch),
			queue.WithConsumerTag("worker-"+w.workerID),
		)
		if err == nil {
			return deliveries, true
		}
		w.log.Warn("resubscribe failed",
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	start := time.Now()

	m, err := queue.DecodeMessage(d.Body)
	if err != nil || m.MessageID == "" || m.OrgID == "" {
		w.log.Error("malformed delivery",
			zap.String("queue", d.Queue),
			zap.Error(err))
		w.count("malformed", "unknown")
		// Queue-level dead-lettering routes the raw copy to the DLQ.
		_ = d.Nack(false)
		return
	}

	log := w.log.With(
		zap.String("message_id", m.MessageID),
		zap.String("org_id", m.OrgID),
		zap.String("type", string(m.Type)),
		zap.Stringer("priority", m.Priority),
	)

	// Ownership and mirror status are read before DequeuedProcessing
	// writes PROCESSING over a possible COMPLETED marker.
	owner, dup := w.duplicateOwner(ctx, m)

	if w.pipeline != nil {
		w.pipeline.DequeuedProcessing(ctx, m, d.Queue, w.workerID)
	}

	if dup {
		if w.pipeline != nil {
			w.pipeline.DuplicateSkipped(ctx, m, owner)
		}
		w.count("duplicate", m.Type)
		_ = d.Ack()
		log.Info("duplicate delivery collapsed", zap.String("owner_message_id", owner))
		return
	}

	// Poison gate. The counter is incremented before the handler and
	// decremented once the attempt settles, so it counts crashes that
	// killed the process mid-handler, not handled failures.
	key := m.EffectiveDedupKey()
	armed := false
	if w.stores.Poison != nil {
		count, perr := w.stores.Poison.Increment(ctx, m.OrgID, key)
		if perr != nil {
			log.Warn("poison counter unavailable, gate skipped", zap.Error(perr))
		} else {
			armed = true
			if count > w.cfg.PoisonThreshold {
				w.quarantine(ctx, d, m, key, count, log)
				return
			}
		}
	}

	em := newEmitter(w.broker, m, w.cfg.AgentID, w.m, w.log)
	em.ack(ctx, "processing")

	result, err := w.invoke(ctx, m, em)

	if armed {
		// The attempt settled; whatever happens next is not a crash.
		if _, derr := w.stores.Poison.Decrement(context.WithoutCancel(ctx), m.OrgID, key); derr != nil {
			log.Warn("poison counter decrement failed", zap.Error(derr))
		}
	}

	switch {
	case err == nil:
		w.complete(ctx, d, m, em, result, start, log)
	case errors.Is(err, errInterrupted):
		w.count("interrupted", m.Type)
		_ = d.Nack(true)
		log.Warn("handler interrupted by shutdown, delivery requeued")
	default:
		w.fail(ctx, d, m, em, err, start, log)
	}
}

// duplicateOwner reports whether the delivery collapses as a
// duplicate: its mirror row is already COMPLETED, or its dedup key is
// owned by a different message id. Lookups fail open.
func (w *Worker) duplicateOwner(ctx context.Context, m *queue.Message) (string, bool) {
	if w.stores.Status != nil {
		status, found, err := w.stores.Status.GetStatus(ctx, m.MessageID)
		if err != nil {
			w.log.Warn("status lookup failed",
				zap.String("message_id", m.MessageID),
				zap.Error(err))
		} else if found && status == queue.StatusCompleted {
			return m.MessageID, true
		}
	}
	if w.stores.Idem != nil {
		owner, found, err := w.stores.Idem.Owner(ctx, m.OrgID, m.EffectiveDedupKey())
		if err != nil {
			w.log.Warn("idempotency lookup failed",
				zap.String("message_id", m.MessageID),
				zap.Error(err))
		} else if found && owner != m.MessageID {
			return owner, true
		}
	}
	return "", false
}

func (w *Worker) invoke(ctx context.Context, m *queue.Message, em *responseEmitter) (result any, err error) {
	h := w.registry.Handler(m.Type)
	if h == nil {
		return nil, queue.ValidationError(
			fmt.Sprintf("no handler registered for type %q", m.Type), nil,
		).WithMessageID(m.MessageID)
	}

	hctx := ctx
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	if w.cfg.ProgressEvery > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go w.keepalive(hctx, m, em, stop)
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked",
				zap.String("message_id", m.MessageID),
				zap.String("type", string(m.Type)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = nil
			err = queue.NewError(queue.KindUnknown,
				fmt.Sprintf("handler panic: %v", r), nil).WithMessageID(m.MessageID)
		}
	}()

	result, err = h(hctx, m, em)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errInterrupted
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, queue.TimeoutError(m.MessageID)
		}
	}
	return result, err
}

// keepalive emits a progress frame every ProgressEvery while the
// handler runs, so agents see liveness even from silent handlers.
// Percent is the share of the timeout budget spent, clamped at 99.
func (w *Worker) keepalive(ctx context.Context, m *queue.Message, em *responseEmitter, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.ProgressEvery)
	defer ticker.Stop()
	started := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			percent := 0
			if w.cfg.HandlerTimeout > 0 {
				percent = int(time.Since(started) * 100 / w.cfg.HandlerTimeout)
				if percent > 99 {
					percent = 99
				}
			}
			_ = em.Progress(ctx, percent, "in progress")
		}
	}
}

// complete settles a successful attempt. The completed audit event is
// flushed durably before the ack; the terminal frame goes out only
// after the flush, so a redelivery forced by a flush failure cannot
// produce a second terminal frame.
func (w *Worker) complete(ctx context.Context, d *queue.Delivery, m *queue.Message, em *responseEmitter, result any, start time.Time, log *zap.Logger) {
	elapsed := time.Since(start)
	if w.pipeline != nil {
		if err := w.pipeline.Completed(ctx, m, elapsed); err != nil {
			log.Error("completed audit flush failed, requeueing", zap.Error(err))
			_ = d.Nack(true)
			return
		}
	}
	if em.chunkCount() > 0 {
		em.complete(ctx)
	} else {
		em.result(ctx, result)
	}
	_ = d.Ack()
	w.count("completed", m.Type)
	if w.m != nil {
		w.m.WorkerProcessLatencySeconds.Observe(elapsed.Seconds())
	}
	log.Info("message completed",
		zap.Duration("elapsed", elapsed),
		zap.Int("chunks", em.chunkCount()))
}

func (w *Worker) fail(ctx context.Context, d *queue.Delivery, m *queue.Message, em *responseEmitter, cause error, start time.Time, log *zap.Logger) {
	decision := queue.Decide(m, cause)
	m.RecordFailure(decision.Kind, cause.Error(), time.Now().UTC())
	if w.m != nil {
		w.m.WorkerProcessLatencySeconds.Observe(time.Since(start).Seconds())
	}
	if decision.Retry {
		w.scheduleRetry(ctx, d, m, decision, cause, log)
		return
	}
	w.deadLetter(ctx, d, m, em, decision.Kind, cause, log)
}

// scheduleRetry re-publishes a copy with a bumped retry count into
// the TTL'd holding queue for the decided delay. The copy is demoted
// one priority class unless the publisher pinned it.
func (w *Worker) scheduleRetry(ctx context.Context, d *queue.Delivery, m *queue.Message, decision queue.Decision, cause error, log *zap.Logger) {
	next := m.Clone()
	next.RetryCount++
	from := next.Priority
	if decision.Demote {
		next.Priority = from.Demote()
	}

	body, err := queue.EncodeMessage(next)
	if err != nil {
		log.Error("retry encode failed, requeueing", zap.Error(err))
		_ = d.Nack(true)
		return
	}
	pub := queue.Publication{
		Queue:     queue.RetryQueue(m.OrgID, decision.Delay),
		Body:      body,
		Headers:   queue.WireHeaders(next),
		Priority:  next.Priority.AMQPPriority(),
		Confirm:   true,
		Mandatory: true,
	}
	if err := w.broker.Publish(ctx, pub); err != nil {
		log.Error("retry publish failed, requeueing original",
			zap.Duration("delay", decision.Delay),
			zap.Error(err))
		_ = d.Nack(true)
		return
	}

	if w.pipeline != nil {
		w.pipeline.FailedThenRetry(ctx, next, decision.Kind, cause.Error(), decision.Delay)
		if next.Priority != from {
			w.pipeline.Demoted(ctx, next, from, next.Priority)
		}
	}
	_ = d.Ack()
	w.count("retried", m.Type)
	if w.m != nil {
		w.m.WorkerRetryTotal.WithLabelValues(string(m.Type)).Inc()
		if next.Priority != from {
			w.m.DemotionTotal.WithLabelValues(string(m.Type)).Inc()
		}
	}
	log.Info("retry scheduled",
		zap.String("kind", string(decision.Kind)),
		zap.Duration("delay", decision.Delay),
		zap.Int("retry_count", next.RetryCount),
		zap.Stringer("to_priority", next.Priority))
}

// deadLetter routes a terminally failed message to the org DLQ: store
// mirror first, then the queue copy, then the durable audit, then the
// single error frame. Any failure before the ack requeues the
// delivery for another attempt at dead-lettering.
func (w *Worker) deadLetter(ctx context.Context, d *queue.Delivery, m *queue.Message, em *responseEmitter, kind queue.Kind, cause error, log *zap.Logger) {
	rec := &queue.DLQRecord{
		OrgID:           m.OrgID,
		Reason:          kind,
		OriginalMessage: m,
		ErrorHistory:    m.ErrorHistory,
		CanReplay:       kind != queue.KindValidation && kind != queue.KindUnsupportedSchema,
		DLQTimestamp:    time.Now().UTC(),
	}
	if err := w.publishDLQ(ctx, m, rec); err != nil {
		log.Error("dead-letter publish failed, requeueing", zap.Error(err))
		_ = d.Nack(true)
		return
	}
	if w.pipeline != nil {
		if err := w.pipeline.DeadLetter(ctx, m, kind); err != nil {
			log.Error("dead-letter audit flush failed, requeueing", zap.Error(err))
			_ = d.Nack(true)
			return
		}
	}
	em.errorFrame(ctx, cause)
	_ = d.Ack()
	w.count("dead_lettered", m.Type)
	if w.m != nil {
		w.m.WorkerDLQTotal.WithLabelValues(string(m.Type)).Inc()
	}
	log.Warn("message dead-lettered",
		zap.String("kind", string(kind)),
		zap.Int("retry_count", m.RetryCount),
		zap.NamedError("cause", cause))
}

// quarantine short-circuits a delivery whose crash count exceeds the
// poison threshold: straight to the DLQ with reason poison, no
// handler run, no counter decrement.
func (w *Worker) quarantine(ctx context.Context, d *queue.Delivery, m *queue.Message, key string, count int, log *zap.Logger) {
	rec := &queue.DLQRecord{
		OrgID:           m.OrgID,
		Reason:          queue.KindPoison,
		OriginalMessage: m,
		ErrorHistory:    m.ErrorHistory,
		CanReplay:       true,
		DLQTimestamp:    time.Now().UTC(),
	}
	if err := w.publishDLQ(ctx, m, rec); err != nil {
		log.Error("poison quarantine publish failed, requeueing", zap.Error(err))
		_ = d.Nack(true)
		return
	}
	if w.pipeline != nil {
		if err := w.pipeline.PoisonQuarantined(ctx, m, count); err != nil {
			log.Error("quarantine audit flush failed, requeueing", zap.Error(err))
			_ = d.Nack(true)
			return
		}
	}
	em := newEmitter(w.broker, m, w.cfg.AgentID, w.m, w.log)
	em.errorFrame(ctx, queue.PoisonError(m.OrgID, key, count))
	_ = d.Ack()
	w.count("quarantined", m.Type)
	if w.m != nil {
		w.m.PoisonQuarantinedTotal.WithLabelValues(string(m.Type)).Inc()
	}
	log.Warn("message quarantined as poison",
		zap.Int("crash_count", count),
		zap.String("dedup_key", key))
}

// publishDLQ lands the record in the store mirror and the org DLQ.
// The queue copy is confirmed and mandatory: losing a dead letter
// silently would break replay.
func (w *Worker) publishDLQ(ctx context.Context, m *queue.Message, rec *queue.DLQRecord) error {
	if w.stores.DLQ != nil {
		if err := w.stores.DLQ.Insert(ctx, rec); err != nil {
			return err
		}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return queue.ValidationError("encode dlq record", err).WithMessageID(m.MessageID)
	}
	return w.broker.Publish(ctx, queue.Publication{
		Queue: queue.DLQQueue(m.OrgID),
		Body:  body,
		Headers: map[string]any{
			queue.HeaderMessageID: m.MessageID,
			queue.HeaderOrgID:     m.OrgID,
			queue.HeaderReason:    string(rec.Reason),
		},
		Confirm:   true,
		Mandatory: true,
	})
}

func (w *Worker) count(status string, t queue.MessageType) {
	if w.m != nil {
		w.m.WorkerMessageTotal.WithLabelValues(status, string(t)).Inc()
	}
}
