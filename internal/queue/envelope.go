package queue

import (
	"encoding/json"
	"fmt"
)

// ContentType of every wire body.
const ContentType = "application/json"

// Wire header names. The body is authoritative; headers mirror the
// routing-relevant fields so broker tooling can filter without
// decoding the payload.
const (
	HeaderMessageID      = "message_id"
	HeaderOrgID          = "org_id"
	HeaderAgentID        = "agent_id"
	HeaderType           = "type"
	HeaderPriority       = "priority"
	HeaderRetryCount     = "retry_count"
	HeaderSchemaVersion  = "schema_version"
	HeaderDedupKey       = "dedup_key"
	HeaderPromotionEpoch = "promotion_epoch"
	HeaderReason         = "reason"
)

// EncodeMessage serializes a request message for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, ValidationError("encode message", err).WithMessageID(m.MessageID)
	}
	return body, nil
}

// DecodeMessage parses a wire body back into a request message.
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, ValidationError("decode message", err)
	}
	return &m, nil
}

// EncodeResponse serializes a response frame for the wire.
func EncodeResponse(r *Response) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, ValidationError("encode response", err).WithMessageID(r.RequestID)
	}
	return body, nil
}

// DecodeResponse parses a wire body back into a response frame.
func DecodeResponse(body []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, ValidationError("decode response", err)
	}
	return &r, nil
}

// WireHeaders builds the mirrored header table for a message.
func WireHeaders(m *Message) map[string]any {
	h := map[string]any{
		HeaderMessageID:     m.MessageID,
		HeaderOrgID:         m.OrgID,
		HeaderType:          string(m.Type),
		HeaderPriority:      int32(m.Priority),
		HeaderRetryCount:    int32(m.RetryCount),
		HeaderSchemaVersion: m.SchemaVersion,
	}
	if m.AgentID != "" {
		h[HeaderAgentID] = m.AgentID
	}
	if m.DedupKey != "" {
		h[HeaderDedupKey] = m.DedupKey
	}
	return h
}

// PromotionEpoch reads the promotion_epoch header from a delivery,
// tolerating the integer widths AMQP clients use. Absent means zero.
func PromotionEpoch(headers map[string]any) int {
	v, ok := headers[HeaderPromotionEpoch]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}
