package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dev.helix.mq/internal/queue"
)

// Emitter is the streaming surface handed to handlers. Chunk forwards
// one partial result to the requesting agent; the worker assigns the
// contiguous chunk index, handlers never number chunks themselves.
// Progress reports liveness for long-running operations. Terminal
// frames (result, stream_complete, error) are emitted by the worker
// after the handler returns, exactly once per delivery.
type Emitter interface {
	Chunk(ctx context.Context, chunk any) error
	Progress(ctx context.Context, percent int, note string) error
}

// Handler executes one request. A nil error completes the message: the
// worker emits a result frame carrying the returned data, or a
// stream_complete frame when the handler emitted chunks. Returned
// errors are classified by kind to pick retry, DLQ, or demotion.
type Handler func(ctx context.Context, m *queue.Message, em Emitter) (any, error)

// Registry maps message types to handlers, with an optional fallback
// for unregistered types.
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.MessageType]Handler
	fallback Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.MessageType]Handler)}
}

// Register binds a handler to a message type, replacing any previous
// binding.
func (r *Registry) Register(t queue.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// SetFallback binds the handler used when no type-specific handler is
// registered.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Handler returns the handler for t, or the fallback, or nil.
func (r *Registry) Handler(t queue.MessageType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.fallback
}

// DefaultRegistry returns a registry with the built-in echo handlers,
// one per supported type, so a worker is runnable end-to-end without
// external handler plugins. model_call streams three chunks; the rest
// return a small map echoing the payload. A message whose context
// carries {"force_error": "<kind>"} fails with that kind instead,
// which tests and load tooling use to drive the retry and DLQ paths.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(queue.TypeModelCall, modelCallHandler)
	for _, t := range []queue.MessageType{
		queue.TypeToolCall,
		queue.TypeAgentMessage,
		queue.TypeMemorySave,
		queue.TypeMemoryRetrieve,
		queue.TypeMemoryUpdate,
		queue.TypeAgentSpawn,
		queue.TypeAgentTerminate,
	} {
		r.Register(t, echoHandler)
	}
	r.SetFallback(echoHandler)
	return r
}

// forcedError maps the force_error context key onto a typed failure.
// "panic" panics instead, exercising the crash recovery path.
func forcedError(m *queue.Message) error {
	v, ok := m.Context["force_error"]
	if !ok {
		return nil
	}
	kind, _ := v.(string)
	switch queue.Kind(kind) {
	case queue.KindValidation:
		return queue.ValidationError("forced validation failure", nil)
	case queue.KindUnsupportedSchema:
		return queue.SchemaError(m.SchemaVersion)
	case queue.KindRateLimit:
		return queue.RateLimitError("forced rate limit", nil)
	case queue.KindTransientIO:
		return queue.TransientError("forced transient failure", nil)
	case queue.KindHandlerTimeout:
		return queue.TimeoutError(m.MessageID)
	case queue.KindPermanentUpstream:
		return queue.PermanentError("forced permanent failure", nil)
	case "panic":
		panic("forced handler panic")
	default:
		if kind != "" {
			return fmt.Errorf("forced failure: %s", kind)
		}
	}
	return nil
}

func decodePayload(m *queue.Message) (any, error) {
	if len(m.Payload) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, queue.ValidationError("decode payload", err).WithMessageID(m.MessageID)
	}
	return payload, nil
}

func echoHandler(ctx context.Context, m *queue.Message, _ Emitter) (any, error) {
	if err := forcedError(m); err != nil {
		return nil, err
	}
	payload, err := decodePayload(m)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type": string(m.Type),
		"echo": payload,
	}, nil
}

func modelCallHandler(ctx context.Context, m *queue.Message, em Emitter) (any, error) {
	if err := forcedError(m); err != nil {
		return nil, err
	}
	if _, err := decodePayload(m); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		chunk := map[string]any{"text": fmt.Sprintf("token-%d", i)}
		if err := em.Chunk(ctx, chunk); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
