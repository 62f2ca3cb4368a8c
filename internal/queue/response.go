package queue

import "time"

// ResponseType discriminates response frames on the agent response
// queues.
type ResponseType string

const (
	ResponseResult         ResponseType = "result"
	ResponseStreamChunk    ResponseType = "stream_chunk"
	ResponseStreamComplete ResponseType = "stream_complete"
	ResponseError          ResponseType = "error"
	ResponseProgress       ResponseType = "progress"
	ResponseAck            ResponseType = "acknowledgment"
)

// Terminal reports whether a frame of this type ends the response
// sequence for a request.
func (t ResponseType) Terminal() bool {
	switch t {
	case ResponseResult, ResponseStreamComplete, ResponseError:
		return true
	}
	return false
}

// ResponseErrorBody carries a typed failure to the requesting agent.
type ResponseErrorBody struct {
	Kind      Kind   `json:"kind"`
	Detail    string `json:"detail"`
	Retriable bool   `json:"retriable"`
}

// Response is one frame delivered to an agent mailbox. RequestID always
// names the originating message; AgentID is the routing key on the
// response exchange. Type-specific fields are pointers or omitempty so
// each frame serializes to its canonical minimal shape.
type Response struct {
	RequestID   string             `json:"request_id"`
	Type        ResponseType       `json:"type"`
	AgentID     string             `json:"agent_id,omitempty"`
	Priority    Priority           `json:"priority"`
	Timestamp   time.Time          `json:"timestamp"`
	Data        any                `json:"data,omitempty"`
	Chunk       any                `json:"chunk,omitempty"`
	ChunkIndex  *int               `json:"chunk_index,omitempty"`
	TotalChunks *int               `json:"total_chunks,omitempty"`
	Error       *ResponseErrorBody `json:"error,omitempty"`
	Percent     *int               `json:"percent,omitempty"`
	Note        string             `json:"note,omitempty"`
	Stage       string             `json:"stage,omitempty"`
}

func baseResponse(m *Message, t ResponseType) *Response {
	return &Response{
		RequestID: m.MessageID,
		Type:      t,
		AgentID:   m.AgentID,
		Priority:  m.Priority,
		Timestamp: time.Now().UTC(),
	}
}

// NewAcknowledgment confirms that processing of m has started.
func NewAcknowledgment(m *Message, stage string) *Response {
	r := baseResponse(m, ResponseAck)
	r.Stage = stage
	return r
}

// NewProgress reports handler progress for long-running operations.
func NewProgress(m *Message, percent int, note string) *Response {
	r := baseResponse(m, ResponseProgress)
	r.Percent = &percent
	r.Note = note
	return r
}

// NewStreamChunk carries one partial result. The worker assigns the
// contiguous index; handlers never set it themselves.
func NewStreamChunk(m *Message, chunk any, index int) *Response {
	r := baseResponse(m, ResponseStreamChunk)
	r.Chunk = chunk
	r.ChunkIndex = &index
	return r
}

// NewStreamComplete terminates a streamed response.
func NewStreamComplete(m *Message, totalChunks int) *Response {
	r := baseResponse(m, ResponseStreamComplete)
	r.TotalChunks = &totalChunks
	return r
}

// NewResult terminates a non-streamed response with its data.
func NewResult(m *Message, data any) *Response {
	r := baseResponse(m, ResponseResult)
	r.Data = data
	return r
}

// NewErrorResponse terminates a failed request. The error kind and
// retriability are surfaced verbatim to the agent.
func NewErrorResponse(m *Message, err error) *Response {
	r := baseResponse(m, ResponseError)
	kind := KindOf(err)
	r.Error = &ResponseErrorBody{
		Kind:      kind,
		Detail:    err.Error(),
		Retriable: kind.Retryable(),
	}
	return r
}
