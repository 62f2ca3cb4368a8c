package queue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on messages published without one.
const SchemaVersion = "1.0.0"

// supportedMajors is the accepted schema window: the current major and
// the previous one. Older or newer majors are rejected at publish.
var supportedMajors = map[int]bool{1: true, 0: true}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// defaultMaxRetries maps message types to their retry budget, used
// when the publisher leaves max_retries at zero. Memory operations
// tolerate many retries; spawn/terminate and model calls do not.
var defaultMaxRetries = map[MessageType]int{
	TypeModelCall:      3,
	TypeToolCall:       5,
	TypeAgentMessage:   3,
	TypeMemorySave:     10,
	TypeMemoryRetrieve: 5,
	TypeMemoryUpdate:   10,
	TypeAgentSpawn:     3,
	TypeAgentTerminate: 3,
}

// DefaultMaxRetries returns the retry budget for a message type.
func DefaultMaxRetries(t MessageType) int {
	if n, ok := defaultMaxRetries[t]; ok {
		return n
	}
	return 3
}

// SchemaMajor parses the major component of a semantic version.
func SchemaMajor(version string) (int, error) {
	if !semverPattern.MatchString(version) {
		return 0, fmt.Errorf("malformed schema_version %q", version)
	}
	major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0])
	if err != nil {
		return 0, fmt.Errorf("malformed schema_version %q: %w", version, err)
	}
	return major, nil
}

// CheckSchemaVersion validates the version string and its window.
// A malformed string is a validation failure; a well-formed version
// outside the supported window is unsupported_schema.
func CheckSchemaVersion(version string) error {
	major, err := SchemaMajor(version)
	if err != nil {
		return ValidationError(err.Error(), nil)
	}
	if !supportedMajors[major] {
		return SchemaError(version)
	}
	return nil
}

// ApplyDefaults fills generated identifiers and stamps before
// validation. goal_id and task_id are always present after this call;
// a zero max_retries resolves to the per-type budget.
func ApplyDefaults(m *Message, now time.Time) {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.GoalID == "" {
		m.GoalID = uuid.NewString()
	}
	if m.TaskID == "" {
		m.TaskID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersion
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMaxRetries(m.Type)
	}
}

// Validate checks the required fields and enums of a request message.
// Callers apply defaults first; the returned error is a typed
// validation or unsupported_schema failure.
func Validate(m *Message) error {
	if m == nil {
		return ValidationError("message is nil", nil)
	}
	if m.MessageID == "" {
		return ValidationError("message_id is required", nil)
	}
	if m.OrgID == "" {
		return ValidationError("org_id is required", nil).WithMessageID(m.MessageID)
	}
	if !m.Type.Valid() {
		return ValidationError(fmt.Sprintf("unknown message type %q", m.Type), nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if !m.Priority.Valid() {
		return ValidationError(fmt.Sprintf("priority %d outside 0..3", m.Priority), nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if !m.CreatedBy.Kind.Valid() {
		return ValidationError(fmt.Sprintf("unknown created_by kind %q", m.CreatedBy.Kind), nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if m.CreatedBy.ID == "" {
		return ValidationError("created_by id is required", nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if m.CreatedAt.IsZero() {
		return ValidationError("created_at is required", nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if m.RetryCount < 0 || m.MaxRetries < 0 {
		return ValidationError("retry_count and max_retries must be non-negative", nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(m.CreatedAt) {
		return ValidationError("expires_at must be after created_at", nil).
			WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}
	if err := CheckSchemaVersion(m.SchemaVersion); err != nil {
		if qe := AsError(err); qe != nil {
			qe.WithOrg(m.OrgID).WithMessageID(m.MessageID)
		}
		return err
	}
	return nil
}
