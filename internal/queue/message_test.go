package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_AMQPPriority(t *testing.T) {
	tests := []struct {
		priority Priority
		amqp     uint8
	}{
		{P0, 9},
		{P1, 6},
		{P2, 3},
		{P3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.priority.String(), func(t *testing.T) {
			assert.Equal(t, tt.amqp, tt.priority.AMQPPriority())
		})
	}

	// Out-of-range values fall back to the P2 slot.
	assert.Equal(t, uint8(3), Priority(7).AMQPPriority())
}

func TestPriority_DemotePromote(t *testing.T) {
	assert.Equal(t, P1, P0.Demote())
	assert.Equal(t, P3, P2.Demote())
	assert.Equal(t, P3, P3.Demote())

	assert.Equal(t, P0, P1.Promote())
	assert.Equal(t, P0, P0.Promote())
	assert.Equal(t, P2, P3.Promote())
}

func TestMessageType_Valid(t *testing.T) {
	for _, mt := range MessageTypes {
		assert.True(t, mt.Valid(), string(mt))
	}
	assert.False(t, MessageType("teleport").Valid())
	assert.False(t, MessageType("").Valid())
}

func TestMessage_EffectiveDedupKey(t *testing.T) {
	m := &Message{MessageID: "msg-1"}
	assert.Equal(t, "msg-1", m.EffectiveDedupKey())

	m.DedupKey = "order-42"
	assert.Equal(t, "order-42", m.EffectiveDedupKey())
}

func TestMessage_Expired(t *testing.T) {
	now := time.Now().UTC()
	m := &Message{CreatedAt: now.Add(-time.Hour)}
	assert.False(t, m.Expired(now))

	past := now.Add(-time.Minute)
	m.ExpiresAt = &past
	assert.True(t, m.Expired(now))

	future := now.Add(time.Minute)
	m.ExpiresAt = &future
	assert.False(t, m.Expired(now))
}

func TestMessage_RecordFailure(t *testing.T) {
	m := &Message{MessageID: "msg-1", RetryCount: 0}
	at := time.Now().UTC()

	m.RecordFailure(KindTransientIO, "connection reset", at)
	m.RetryCount = 1
	m.RecordFailure(KindRateLimit, "429", at.Add(time.Second))

	require.Len(t, m.ErrorHistory, 2)
	assert.Equal(t, KindTransientIO, m.ErrorHistory[0].Kind)
	assert.Equal(t, 0, m.ErrorHistory[0].RetryCount)
	assert.Equal(t, KindRateLimit, m.ErrorHistory[1].Kind)
	assert.Equal(t, 1, m.ErrorHistory[1].RetryCount)
}

func TestMessage_Clone(t *testing.T) {
	m := validMessage()
	m.Context = map[string]any{"trace": "abc"}
	m.RecordFailure(KindUnknown, "boom", time.Now())

	cp := m.Clone()
	cp.Priority = P3
	cp.Context["trace"] = "xyz"
	cp.RecordFailure(KindUnknown, "again", time.Now())

	assert.Equal(t, P2, m.Priority)
	assert.Equal(t, "abc", m.Context["trace"])
	assert.Len(t, m.ErrorHistory, 1)
	assert.Len(t, cp.ErrorHistory, 2)
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "org.acme.requests", RequestQueue("acme"))
	assert.Equal(t, "org.acme.dlq", DLQQueue("acme"))
	assert.Equal(t, "responses.acme", ResponseExchange("acme"))
	assert.Equal(t, "agent.agent-7.responses", AgentQueue("agent-7"))
	assert.Equal(t, "org.acme.retry.500", RetryQueue("acme", 500*time.Millisecond))
	assert.Equal(t, "org.acme.retry.15000", RetryQueue("acme", 15*time.Second))
}

func TestOrgFromQueue(t *testing.T) {
	tests := []struct {
		queue    string
		expected string
	}{
		{"org.acme.requests", "acme"},
		{"org.acme.dlq", "acme"},
		{"org.acme.retry.500", "acme"},
		{"agent.agent-7.responses", ""},
		{"org.", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.queue, func(t *testing.T) {
			assert.Equal(t, tt.expected, OrgFromQueue(tt.queue))
		})
	}
}

func TestResponseType_Terminal(t *testing.T) {
	assert.True(t, ResponseResult.Terminal())
	assert.True(t, ResponseStreamComplete.Terminal())
	assert.True(t, ResponseError.Terminal())
	assert.False(t, ResponseStreamChunk.Terminal())
	assert.False(t, ResponseProgress.Terminal())
	assert.False(t, ResponseAck.Terminal())
}

func TestResponseConstructors(t *testing.T) {
	m := validMessage()

	t.Run("acknowledgment", func(t *testing.T) {
		r := NewAcknowledgment(m, "dequeued")
		assert.Equal(t, m.MessageID, r.RequestID)
		assert.Equal(t, ResponseAck, r.Type)
		assert.Equal(t, m.AgentID, r.AgentID)
		assert.Equal(t, "dequeued", r.Stage)
		assert.Equal(t, m.CreatedAt, r.Timestamp)
	})

	t.Run("stream chunk carries worker-assigned index", func(t *testing.T) {
		r := NewStreamChunk(m, "partial text", 2)
		require.NotNil(t, r.ChunkIndex)
		assert.Equal(t, 2, *r.ChunkIndex)
		assert.Equal(t, "partial text", r.Chunk)
	})

	t.Run("stream complete", func(t *testing.T) {
		r := NewStreamComplete(m, 3)
		require.NotNil(t, r.TotalChunks)
		assert.Equal(t, 3, *r.TotalChunks)
		assert.True(t, r.Type.Terminal())
	})

	t.Run("result", func(t *testing.T) {
		r := NewResult(m, map[string]any{"answer": 42})
		assert.Equal(t, ResponseResult, r.Type)
		assert.NotNil(t, r.Data)
	})

	t.Run("progress", func(t *testing.T) {
		r := NewProgress(m, 50, "halfway")
		require.NotNil(t, r.Percent)
		assert.Equal(t, 50, *r.Percent)
		assert.Equal(t, "halfway", r.Note)
	})

	t.Run("error surfaces kind and retriability", func(t *testing.T) {
		r := NewErrorResponse(m, RateLimitError("upstream 429", nil))
		require.NotNil(t, r.Error)
		assert.Equal(t, KindRateLimit, r.Error.Kind)
		assert.True(t, r.Error.Retriable)
		assert.Contains(t, r.Error.Detail, "429")
	})

	t.Run("error from plain error is unknown", func(t *testing.T) {
		r := NewErrorResponse(m, errors.New("boom"))
		require.NotNil(t, r.Error)
		assert.Equal(t, KindUnknown, r.Error.Kind)
	})
}

func TestResponse_WireShape(t *testing.T) {
	m := validMessage()
	r := NewStreamChunk(m, "abc", 0)

	body, err := EncodeResponse(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))

	// Canonical minimal shape: only the chunk fields are present.
	assert.Contains(t, raw, "chunk")
	assert.Contains(t, raw, "chunk_index")
	assert.NotContains(t, raw, "data")
	assert.NotContains(t, raw, "total_chunks")
	assert.NotContains(t, raw, "error")
	assert.NotContains(t, raw, "percent")
}

func TestWireHeaders(t *testing.T) {
	m := validMessage()
	m.DedupKey = "order-42"
	m.RetryCount = 1

	h := WireHeaders(m)

	assert.Equal(t, "msg-1", h[HeaderMessageID])
	assert.Equal(t, "org-1", h[HeaderOrgID])
	assert.Equal(t, "agent-1", h[HeaderAgentID])
	assert.Equal(t, "model_call", h[HeaderType])
	assert.Equal(t, int32(2), h[HeaderPriority])
	assert.Equal(t, int32(1), h[HeaderRetryCount])
	assert.Equal(t, "order-42", h[HeaderDedupKey])

	// Optional headers drop out when empty.
	m2 := validMessage()
	m2.AgentID = ""
	h2 := WireHeaders(m2)
	assert.NotContains(t, h2, HeaderAgentID)
	assert.NotContains(t, h2, HeaderDedupKey)
}

func TestPromotionEpoch(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]any
		expected int
	}{
		{"absent", map[string]any{}, 0},
		{"int32", map[string]any{HeaderPromotionEpoch: int32(2)}, 2},
		{"int64", map[string]any{HeaderPromotionEpoch: int64(3)}, 3},
		{"float64 from json", map[string]any{HeaderPromotionEpoch: float64(1)}, 1},
		{"string", map[string]any{HeaderPromotionEpoch: "4"}, 4},
		{"garbage", map[string]any{HeaderPromotionEpoch: "x"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PromotionEpoch(tt.headers))
		})
	}
}

func TestMessage_WireRoundTrip(t *testing.T) {
	m := validMessage()
	m.Payload = json.RawMessage(`{"prompt":"hello"}`)
	m.Context = map[string]any{"trace_id": "t-1"}

	body, err := EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := DecodeMessage(body)
	require.NoError(t, err)

	assert.Equal(t, m.MessageID, decoded.MessageID)
	assert.Equal(t, m.Priority, decoded.Priority)
	assert.Equal(t, m.CreatedBy, decoded.CreatedBy)
	assert.JSONEq(t, string(m.Payload), string(decoded.Payload))
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}
