// Package audit turns lifecycle transitions into durable event-log
// writes: a batching writer over the event store, a redactor for
// payload-bearing details, and composite emitters for each pipeline
// step so callers never hand-roll event sequences.
package audit

import (
	"strings"

	"dev.helix.mq/internal/queue"
)

// RedactionLevel controls how much of event details survives into the
// event log.
type RedactionLevel string

const (
	// RedactNone stores details verbatim.
	RedactNone RedactionLevel = "none"
	// RedactMedium blanks values under sensitive keys, keeps the rest.
	RedactMedium RedactionLevel = "medium"
	// RedactFull replaces all details with a redaction marker.
	RedactFull RedactionLevel = "full"
)

// sensitiveKeys are matched as substrings, case-insensitive, against
// detail keys at medium redaction.
var sensitiveKeys = []string{
	"payload",
	"prompt",
	"result",
	"chunk",
	"token",
	"secret",
	"password",
	"api_key",
	"authorization",
}

// Redactor applies one redaction level to audit events before they are
// written anywhere.
type Redactor struct {
	level RedactionLevel
}

// NewRedactor builds a Redactor; unknown levels fall back to none.
func NewRedactor(level RedactionLevel) *Redactor {
	switch level {
	case RedactNone, RedactMedium, RedactFull:
	default:
		level = RedactNone
	}
	return &Redactor{level: level}
}

// Level returns the configured level.
func (r *Redactor) Level() RedactionLevel {
	return r.level
}

// Event returns the event with its details redacted. The input event
// is not modified.
func (r *Redactor) Event(ev queue.AuditEvent) queue.AuditEvent {
	ev.Details = r.Details(ev.Details)
	return ev
}

// Details redacts a detail map according to the level.
func (r *Redactor) Details(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	switch r.level {
	case RedactFull:
		return map[string]any{"redacted": true}
	case RedactMedium:
		out := make(map[string]any, len(details))
		for k, v := range details {
			if isSensitiveKey(k) {
				out[k] = "[redacted]"
				continue
			}
			out[k] = v
		}
		return out
	default:
		return details
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
