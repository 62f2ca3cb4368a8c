// Package queue defines the shared domain model of the message queue
// subsystem: request messages, response frames, the wire envelope, the
// error taxonomy, and the retry policy table. Transport implementations
// (internal/broker, internal/broker/inmemory) and the role components
// (producer, worker, coordinator) all build on this package.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the logical message priority. P0 is the most urgent class
// and P3 the least. The broker maps logical priorities onto its native
// 0-9 priority range; see AMQPPriority.
type Priority int

const (
	P0 Priority = 0
	P1 Priority = 1
	P2 Priority = 2
	P3 Priority = 3
)

// amqpPriorityMap maps logical priority to AMQP priority on queues
// declared with x-max-priority=10. Higher AMQP value wins.
var amqpPriorityMap = map[Priority]uint8{
	P0: 9,
	P1: 6,
	P2: 3,
	P3: 0,
}

// Valid reports whether p is one of the four logical classes.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P3
}

// AMQPPriority returns the broker-native priority for p.
func (p Priority) AMQPPriority() uint8 {
	if v, ok := amqpPriorityMap[p]; ok {
		return v
	}
	return amqpPriorityMap[P2]
}

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return "P?"
	}
}

// ParsePriority reads the textual form produced by String. The bare
// digit is also accepted.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0", "0":
		return P0, nil
	case "P1", "1":
		return P1, nil
	case "P2", "2":
		return P2, nil
	case "P3", "3":
		return P3, nil
	}
	return 0, ValidationError(fmt.Sprintf("unknown priority %q", s), nil)
}

// Demote returns the next-lower priority class, clamped at P3.
func (p Priority) Demote() Priority {
	if p >= P3 {
		return P3
	}
	if p < P0 {
		return P0.Demote()
	}
	return p + 1
}

// Promote returns the next-higher priority class, clamped at P0.
func (p Priority) Promote() Priority {
	if p <= P0 {
		return P0
	}
	return p - 1
}

// MessageType discriminates the request payload. The payload itself is
// opaque to the queue and decoded by the handler selected by type.
type MessageType string

const (
	TypeModelCall      MessageType = "model_call"
	TypeToolCall       MessageType = "tool_call"
	TypeAgentMessage   MessageType = "agent_message"
	TypeMemorySave     MessageType = "memory_save"
	TypeMemoryRetrieve MessageType = "memory_retrieve"
	TypeMemoryUpdate   MessageType = "memory_update"
	TypeAgentSpawn     MessageType = "agent_spawn"
	TypeAgentTerminate MessageType = "agent_terminate"
)

// MessageTypes lists every supported request type.
var MessageTypes = []MessageType{
	TypeModelCall,
	TypeToolCall,
	TypeAgentMessage,
	TypeMemorySave,
	TypeMemoryRetrieve,
	TypeMemoryUpdate,
	TypeAgentSpawn,
	TypeAgentTerminate,
}

// Valid reports whether t is a supported request type.
func (t MessageType) Valid() bool {
	for _, mt := range MessageTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// ActorKind identifies what kind of principal created a message.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Valid reports whether k is a known actor kind.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// CreatedBy records the principal that created a message.
type CreatedBy struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// Status is the derived lifecycle state mirrored onto the messages row
// in the event store. It is a projection of the audit events; the queue
// never stores status on the wire message itself.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusRetrying     Status = "RETRYING"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusDuplicate    Status = "DUPLICATE"
	StatusQuarantined  Status = "QUARANTINED"
)

// EventType enumerates audit event kinds appended to the event log.
type EventType string

const (
	EventCreated                  EventType = "created"
	EventEnqueued                 EventType = "enqueued"
	EventDequeued                 EventType = "dequeued"
	EventProcessing               EventType = "processing"
	EventCompleted                EventType = "completed"
	EventFailed                   EventType = "failed"
	EventRetryScheduled           EventType = "retry_scheduled"
	EventPromoted                 EventType = "promoted"
	EventDemoted                  EventType = "demoted"
	EventDeadLetter               EventType = "dead_letter"
	EventDuplicateSkipped         EventType = "duplicate_skipped"
	EventPoisonQuarantined        EventType = "poison_quarantined"
	EventReplayed                 EventType = "replayed"
	EventConflictDetected         EventType = "conflict_detected"
	EventConflictResolved         EventType = "conflict_resolved"
	EventConflictResolutionFailed EventType = "conflict_resolution_failed"
)

// ErrorEntry is one failure record accumulated across retries. The full
// ordered history travels with the message and lands in the DLQ record.
type ErrorEntry struct {
	Kind       Kind      `json:"kind"`
	Detail     string    `json:"detail"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Message is a queued request. The field set matches the wire envelope
// body; Payload and Context are opaque to the queue layer.
type Message struct {
	MessageID       string          `json:"message_id"`
	SchemaVersion   string          `json:"schema_version"`
	OrgID           string          `json:"org_id"`
	AgentID         string          `json:"agent_id,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	GoalID          string          `json:"goal_id"`
	TaskID          string          `json:"task_id"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	CreatedBy       CreatedBy       `json:"created_by"`
	Type            MessageType     `json:"type"`
	Priority        Priority        `json:"priority"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	DedupKey        string          `json:"dedup_key,omitempty"`
	NoDemote        bool            `json:"no_demote,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	ResourceLimits  map[string]any  `json:"resource_limits,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ErrorHistory    []ErrorEntry    `json:"error_history,omitempty"`
}

// EffectiveDedupKey returns the dedup key, falling back to the message
// id so every message has a stable idempotency identity.
func (m *Message) EffectiveDedupKey() string {
	if m.DedupKey != "" {
		return m.DedupKey
	}
	return m.MessageID
}

// AgeAt returns how long the message has been queued as of now.
func (m *Message) AgeAt(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Expired reports whether the message carries an expiry in the past.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// RecordFailure appends a failure entry to the ordered history.
func (m *Message) RecordFailure(kind Kind, detail string, at time.Time) {
	m.ErrorHistory = append(m.ErrorHistory, ErrorEntry{
		Kind:       kind,
		Detail:     detail,
		RetryCount: m.RetryCount,
		OccurredAt: at,
	})
}

// Clone returns a deep-enough copy for re-publication: shared maps are
// copied shallowly, the error history slice is duplicated.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Context != nil {
		cp.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			cp.Context[k] = v
		}
	}
	if m.ErrorHistory != nil {
		cp.ErrorHistory = append([]ErrorEntry(nil), m.ErrorHistory...)
	}
	return &cp
}

// DLQRecord is the document published to the org dead-letter queue and
// mirrored into the dlq_messages table.
type DLQRecord struct {
	OrgID           string       `json:"org_id"`
	Reason          Kind         `json:"reason"`
	OriginalMessage *Message     `json:"original_message"`
	ErrorHistory    []ErrorEntry `json:"error_history"`
	CanReplay       bool         `json:"can_replay"`
	DLQTimestamp    time.Time    `json:"dlq_timestamp"`
}

// AuditEvent is one append-only lifecycle record.
type AuditEvent struct {
	MessageID string         `json:"message_id"`
	OrgID     string         `json:"org_id"`
	EventType EventType      `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
