package queue

import (
	"fmt"
	"strings"
	"time"
)

// Stable broker resource names. Org and agent identifiers are embedded
// verbatim; callers validate tenant identifiers upstream.

// RequestQueue returns the durable priority queue for an org.
func RequestQueue(orgID string) string {
	return fmt.Sprintf("org.%s.requests", orgID)
}

// DLQQueue returns the dead-letter queue for an org.
func DLQQueue(orgID string) string {
	return fmt.Sprintf("org.%s.dlq", orgID)
}

// ResponseExchange returns the per-org response exchange.
func ResponseExchange(orgID string) string {
	return fmt.Sprintf("responses.%s", orgID)
}

// AgentQueue returns the durable response queue for an agent.
func AgentQueue(agentID string) string {
	return fmt.Sprintf("agent.%s.responses", agentID)
}

// RetryQueue returns the TTL'd holding queue for one ladder rung.
func RetryQueue(orgID string, delay time.Duration) string {
	return fmt.Sprintf("org.%s.retry.%d", orgID, delay.Milliseconds())
}

// OrgFromQueue extracts the org from a request, DLQ, or retry queue
// name. Unknown shapes return "".
func OrgFromQueue(queue string) string {
	rest, ok := strings.CutPrefix(queue, "org.")
	if !ok {
		return ""
	}
	switch {
	case strings.HasSuffix(rest, ".requests"):
		return strings.TrimSuffix(rest, ".requests")
	case strings.HasSuffix(rest, ".dlq"):
		return strings.TrimSuffix(rest, ".dlq")
	}
	if i := strings.Index(rest, ".retry."); i > 0 {
		return rest[:i]
	}
	return ""
}
