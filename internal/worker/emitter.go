package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// responseEmitter publishes the response frames for one in-flight
// message. Frames are fire-and-forget: no confirms, no mandatory
// returns, so a slow or vanished agent never stalls the handler. The
// emitter owns the chunk counter, keeping chunk_index contiguous per
// request.
type responseEmitter struct {
	pub     queue.Publisher
	m       *metrics.Collector
	log     *zap.Logger
	msg     *queue.Message
	agentID string

	mu     sync.Mutex
	chunks int
}

func newEmitter(pub queue.Publisher, msg *queue.Message, defaultAgent string, m *metrics.Collector, log *zap.Logger) *responseEmitter {
	// Legacy messages without agent_id route to the worker's own
	// default agent.
	agent := msg.AgentID
	if agent == "" {
		agent = defaultAgent
	}
	return &responseEmitter{pub: pub, m: m, log: log, msg: msg, agentID: agent}
}

func (e *responseEmitter) publish(ctx context.Context, r *queue.Response) error {
	r.AgentID = e.agentID
	body, err := queue.EncodeResponse(r)
	if err != nil {
		return err
	}
	err = e.pub.Publish(ctx, queue.Publication{
		Exchange:   queue.ResponseExchange(e.msg.OrgID),
		RoutingKey: e.agentID,
		Body:       body,
		Headers: map[string]any{
			queue.HeaderMessageID: r.RequestID,
			queue.HeaderAgentID:   e.agentID,
			queue.HeaderType:      string(r.Type),
		},
		Priority: e.msg.Priority.AMQPPriority(),
	})
	if err != nil {
		e.log.Warn("response publish failed",
			zap.String("message_id", e.msg.MessageID),
			zap.String("agent_id", e.agentID),
			zap.String("frame", string(r.Type)),
			zap.Error(err))
		return err
	}
	if e.m != nil {
		e.m.WorkerResponsePublishedTotal.WithLabelValues(string(r.Type)).Inc()
	}
	return nil
}

// Chunk forwards one partial result with the next contiguous index.
func (e *responseEmitter) Chunk(ctx context.Context, chunk any) error {
	e.mu.Lock()
	index := e.chunks
	e.chunks++
	e.mu.Unlock()

	if err := e.publish(ctx, queue.NewStreamChunk(e.msg, chunk, index)); err != nil {
		return err
	}
	if e.m != nil {
		e.m.StreamChunkPublishedTotal.WithLabelValues(e.agentID).Inc()
	}
	return nil
}

// Progress reports handler liveness.
func (e *responseEmitter) Progress(ctx context.Context, percent int, note string) error {
	return e.publish(ctx, queue.NewProgress(e.msg, percent, note))
}

func (e *responseEmitter) chunkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}

func (e *responseEmitter) ack(ctx context.Context, stage string) {
	_ = e.publish(ctx, queue.NewAcknowledgment(e.msg, stage))
}

func (e *responseEmitter) result(ctx context.Context, data any) {
	_ = e.publish(ctx, queue.NewResult(e.msg, data))
}

func (e *responseEmitter) complete(ctx context.Context) {
	_ = e.publish(ctx, queue.NewStreamComplete(e.msg, e.chunkCount()))
}

func (e *responseEmitter) errorFrame(ctx context.Context, cause error) {
	_ = e.publish(ctx, queue.NewErrorResponse(e.msg, cause))
}
