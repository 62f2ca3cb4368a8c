package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

// EventRepository appends to and reads the message_events log. The log
// is append-only; rows are never updated or deleted by the queue.
type EventRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(pool *pgxpool.Pool, log *logrus.Logger) *EventRepository {
	return &EventRepository{pool: pool, log: log}
}

const insertEventSQL = `
	INSERT INTO message_events (message_id, org_id, event_type, details, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

// Append writes a single event.
func (r *EventRepository) Append(ctx context.Context, ev queue.AuditEvent) error {
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, insertEventSQL,
		ev.MessageID, ev.OrgID, string(ev.EventType), details, eventTime(ev),
	); err != nil {
		return queue.StoreUnavailable("append event", err).WithOrg(ev.OrgID).WithMessageID(ev.MessageID)
	}
	return nil
}

// AppendBatch writes a batch of events in one transaction, preserving
// order. All-or-nothing: a failed batch leaves the log untouched so the
// caller can retry the whole flush.
func (r *EventRepository) AppendBatch(ctx context.Context, evs []queue.AuditEvent) error {
	if len(evs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range evs {
		details, err := marshalDetails(ev.Details)
		if err != nil {
			return err
		}
		batch.Queue(insertEventSQL, ev.MessageID, ev.OrgID, string(ev.EventType), details, eventTime(ev))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return queue.StoreUnavailable("begin event batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for range evs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return queue.StoreUnavailable("exec event batch", err)
		}
	}
	if err := br.Close(); err != nil {
		return queue.StoreUnavailable("close event batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.StoreUnavailable("commit event batch", err)
	}

	r.log.WithField("events", len(evs)).Debug("Flushed event batch")
	return nil
}

// ListByMessage returns the ordered lifecycle of one message.
func (r *EventRepository) ListByMessage(ctx context.Context, messageID string, limit int) ([]queue.AuditEvent, error) {
	query := `
		SELECT message_id, org_id, event_type, details, created_at
		FROM message_events
		WHERE message_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, messageID, limit)
	if err != nil {
		return nil, queue.StoreUnavailable("list events by message", err).WithMessageID(messageID)
	}
	defer rows.Close()
	return r.scanEvents(rows)
}

// ListByOrg returns org events at or after since, oldest first.
func (r *EventRepository) ListByOrg(ctx context.Context, orgID string, since time.Time, limit int) ([]queue.AuditEvent, error) {
	query := `
		SELECT message_id, org_id, event_type, details, created_at
		FROM message_events
		WHERE org_id = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, orgID, since, limit)
	if err != nil {
		return nil, queue.StoreUnavailable("list events by org", err).WithOrg(orgID)
	}
	defer rows.Close()
	return r.scanEvents(rows)
}

func (r *EventRepository) scanEvents(rows pgx.Rows) ([]queue.AuditEvent, error) {
	var out []queue.AuditEvent
	for rows.Next() {
		var ev queue.AuditEvent
		var eventType string
		var details []byte
		if err := rows.Scan(&ev.MessageID, &ev.OrgID, &eventType, &details, &ev.CreatedAt); err != nil {
			return nil, queue.StoreUnavailable("scan event", err)
		}
		ev.EventType = queue.EventType(eventType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				r.log.WithError(err).Warn("Failed to decode event details")
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, queue.ValidationError("encode event details", err)
	}
	return b, nil
}

// eventTime defaults the event timestamp so callers may leave it zero.
func eventTime(ev queue.AuditEvent) time.Time {
	if ev.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return ev.CreatedAt
}
