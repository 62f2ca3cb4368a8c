package queue

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the queue can produce or observe. The
// worker's retry policy, the producer's rejection reasons, and the CLI
// exit codes all key off Kind.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnsupportedSchema  Kind = "unsupported_schema"
	KindDuplicate          Kind = "duplicate"
	KindBrokerUnavailable  Kind = "broker_unavailable"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindHandlerTimeout     Kind = "handler_timeout"
	KindRateLimit          Kind = "rate_limit"
	KindTransientIO        Kind = "transient_io"
	KindPermanentUpstream  Kind = "permanent_upstream"
	KindUnknown            Kind = "unknown"
	KindPoison             Kind = "poison"
	KindBackpressureReject Kind = "backpressure_reject"
	KindAgentUnreachable   Kind = "agent_unreachable"
	KindAgentRunaway       Kind = "agent_runaway"
	KindTopology           Kind = "topology"
	KindConfig             Kind = "config"
)

// Retryable reports whether the worker may retry a failure of this
// kind at all. The concrete backoff comes from PolicyFor.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTransientIO, KindHandlerTimeout, KindUnknown, KindBrokerUnavailable, KindStoreUnavailable:
		return true
	}
	return false
}

// Common sentinel errors for comparison with errors.Is.
var (
	ErrNotConnected       = errors.New("not connected to broker")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConfirmTimeout     = errors.New("publisher confirm timeout")
	ErrDuplicate          = errors.New("duplicate message")
	ErrBackpressure       = errors.New("rejected by backpressure policy")
	ErrPoisoned           = errors.New("message quarantined as poison")
	ErrMessageExpired     = errors.New("message expired")
	ErrMailboxFull        = errors.New("agent mailbox full")
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrStreamClosed       = errors.New("response stream closed")
	ErrSchemaUnsupported  = errors.New("schema version outside supported window")
)

// Error is the typed error for every queue operation. It mirrors the
// taxonomy in the envelope an operator or agent sees: kind, operation,
// tenant scoping and the underlying cause.
type Error struct {
	// Kind is the taxonomy class.
	Kind Kind `json:"kind"`
	// Op names the failing operation, e.g. "producer.publish".
	Op string `json:"op,omitempty"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// OrgID is the tenant involved, when known.
	OrgID string `json:"org_id,omitempty"`
	// MessageID is the message involved, when known.
	MessageID string `json:"message_id,omitempty"`
	// Retryable indicates whether the operation may be retried.
	Retryable bool `json:"retryable"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// Details carries additional structured context.
	Details map[string]any `json:"details,omitempty"`
}

// NewError creates a typed queue error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: kind.Retryable(),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, or defers to the cause chain.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Cause, target)
}

// WithOp records the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithOrg records the tenant.
func (e *Error) WithOrg(orgID string) *Error {
	e.OrgID = orgID
	return e
}

// WithMessageID records the message involved.
func (e *Error) WithMessageID(id string) *Error {
	e.MessageID = id
	return e
}

// WithDetail adds one structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ValidationError reports an envelope that failed schema checks.
func ValidationError(message string, cause error) *Error {
	return NewError(KindValidation, message, cause)
}

// SchemaError reports a schema_version outside the supported window.
func SchemaError(version string) *Error {
	return NewError(KindUnsupportedSchema, "unsupported schema version "+version, ErrSchemaUnsupported)
}

// DuplicateError reports an idempotency collision.
func DuplicateError(orgID, dedupKey string) *Error {
	return NewError(KindDuplicate, "duplicate dedup_key "+dedupKey, ErrDuplicate).WithOrg(orgID)
}

// BrokerUnavailable reports a broker-side publish/consume failure.
func BrokerUnavailable(message string, cause error) *Error {
	return NewError(KindBrokerUnavailable, message, cause)
}

// StoreUnavailable reports an event/idempotency store failure.
func StoreUnavailable(message string, cause error) *Error {
	return NewError(KindStoreUnavailable, message, cause)
}

// TimeoutError reports a handler exceeding its execution budget.
func TimeoutError(messageID string) *Error {
	return NewError(KindHandlerTimeout, "handler timed out", nil).WithMessageID(messageID)
}

// RateLimitError reports an upstream rate limit hit by a handler.
func RateLimitError(message string, cause error) *Error {
	return NewError(KindRateLimit, message, cause)
}

// TransientError reports a transient I/O failure from a handler.
func TransientError(message string, cause error) *Error {
	return NewError(KindTransientIO, message, cause)
}

// PermanentError reports a non-retriable upstream failure.
func PermanentError(message string, cause error) *Error {
	return NewError(KindPermanentUpstream, message, cause)
}

// PoisonError reports a quarantined message.
func PoisonError(orgID, dedupKey string, count int) *Error {
	return NewError(KindPoison, "poison threshold exceeded", ErrPoisoned).
		WithOrg(orgID).
		WithDetail("dedup_key", dedupKey).
		WithDetail("count", count)
}

// BackpressureReject reports a publish rejected by the throttle policy.
func BackpressureReject(orgID string, priority Priority, depth int) *Error {
	return NewError(KindBackpressureReject, "publish rejected under backpressure", ErrBackpressure).
		WithOrg(orgID).
		WithDetail("priority", priority.String()).
		WithDetail("depth", depth)
}

// ConfigError reports invalid configuration.
func ConfigError(message string) *Error {
	return NewError(KindConfig, message, nil)
}

// AsError extracts a *Error from an error chain, or nil.
func AsError(err error) *Error {
	var qe *Error
	if errors.As(err, &qe) {
		return qe
	}
	return nil
}

// KindOf classifies an arbitrary error. Untyped errors map to unknown,
// which the retry policy treats as cautiously retryable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if qe := AsError(err); qe != nil {
		return qe.Kind
	}
	var te *TopologyError
	if errors.As(err, &te) {
		return KindTopology
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrBackpressure):
		return KindBackpressureReject
	case errors.Is(err, ErrPoisoned):
		return KindPoison
	case errors.Is(err, ErrSchemaUnsupported):
		return KindUnsupportedSchema
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrConfirmTimeout):
		return KindBrokerUnavailable
	}
	return KindUnknown
}

// IsRetryable reports whether the error's kind permits retries.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// TopologyError aggregates per-resource declaration failures so a
// partially failed declaration names everything that did not succeed.
type TopologyError struct {
	OrgID     string
	Resources []string
	Errs      *MultiError
}

// NewTopologyError creates an empty TopologyError for an org.
func NewTopologyError(orgID string) *TopologyError {
	return &TopologyError{OrgID: orgID, Errs: &MultiError{}}
}

// Add records a failed resource.
func (e *TopologyError) Add(resource string, err error) {
	if err == nil {
		return
	}
	e.Resources = append(e.Resources, resource)
	e.Errs.Add(err)
}

// HasErrors reports whether any resource failed.
func (e *TopologyError) HasErrors() bool {
	return e.Errs.HasErrors()
}

// ErrorOrNil returns the error when any resource failed, else nil.
func (e *TopologyError) ErrorOrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// Error implements the error interface.
func (e *TopologyError) Error() string {
	return fmt.Sprintf("[%s] topology declaration failed for org %s: resources %v: %v",
		KindTopology, e.OrgID, e.Resources, e.Errs)
}

// Unwrap exposes the aggregated errors.
func (e *TopologyError) Unwrap() error {
	return e.Errs.Unwrap()
}

// MultiError collects multiple errors from batch operations.
type MultiError struct {
	Errors []error
}

// Add appends a non-nil error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors reports whether any error was collected.
func (e *MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns nil when no errors were collected.
func (e *MultiError) ErrorOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Error implements the error interface.
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(e.Errors), e.Errors[0])
}

// Unwrap returns the first error for errors.Is/As compatibility.
func (e *MultiError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}
