package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

// DLQFilter narrows List results. Zero values match everything; Since
// and Until bound dlq_timestamp inclusively.
type DLQFilter struct {
	Reason   queue.Kind
	Type     queue.MessageType
	Priority *queue.Priority
	Since    time.Time
	Until    time.Time
	Limit    int
}

// DLQRepository mirrors dead-lettered messages into dlq_messages so
// they survive replay out of the broker queue and can be inspected,
// replayed, or purged after the retention window.
type DLQRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewDLQRepository creates a DLQRepository.
func NewDLQRepository(pool *pgxpool.Pool, log *logrus.Logger) *DLQRepository {
	return &DLQRepository{pool: pool, log: log}
}

// Insert upserts a DLQ record by message id. A message replayed and
// dead-lettered again overwrites its previous record with the newer
// reason and history.
func (r *DLQRepository) Insert(ctx context.Context, rec *queue.DLQRecord) error {
	if rec.OriginalMessage == nil {
		return queue.ValidationError("dlq record has no original message", nil).WithOrg(rec.OrgID)
	}

	original, err := json.Marshal(rec.OriginalMessage)
	if err != nil {
		return queue.ValidationError("encode original message", err).WithOrg(rec.OrgID)
	}
	history, err := json.Marshal(rec.ErrorHistory)
	if err != nil {
		return queue.ValidationError("encode error history", err).WithOrg(rec.OrgID)
	}

	ts := rec.DLQTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO dlq_messages (
			message_id, org_id, reason, original_message, error_history, can_replay, dlq_timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO UPDATE SET
			reason           = EXCLUDED.reason,
			original_message = EXCLUDED.original_message,
			error_history    = EXCLUDED.error_history,
			can_replay       = EXCLUDED.can_replay,
			dlq_timestamp    = EXCLUDED.dlq_timestamp
	`

	_, err = r.pool.Exec(ctx, query,
		rec.OriginalMessage.MessageID, rec.OrgID, string(rec.Reason),
		original, history, rec.CanReplay, ts,
	)
	if err != nil {
		return queue.StoreUnavailable("insert dlq record", err).
			WithOrg(rec.OrgID).WithMessageID(rec.OriginalMessage.MessageID)
	}

	r.log.WithFields(logrus.Fields{
		"message_id": rec.OriginalMessage.MessageID,
		"org_id":     rec.OrgID,
		"reason":     rec.Reason,
	}).Debug("Recorded dead-lettered message")

	return nil
}

// Get loads one DLQ record by message id.
func (r *DLQRepository) Get(ctx context.Context, messageID string) (*queue.DLQRecord, error) {
	query := `
		SELECT org_id, reason, original_message, error_history, can_replay, dlq_timestamp
		FROM dlq_messages
		WHERE message_id = $1
	`
	row := r.pool.QueryRow(ctx, query, messageID)

	rec, err := scanDLQRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.NewError(queue.KindValidation, "dlq record not found", nil).WithMessageID(messageID)
	}
	if err != nil {
		return nil, queue.StoreUnavailable("get dlq record", err).WithMessageID(messageID)
	}
	return rec, nil
}

// List returns org DLQ records, oldest first, applying the filter.
// Priority lives inside the JSONB document and is checked after the
// scan; the other filters narrow in SQL so Limit keeps its meaning.
func (r *DLQRepository) List(ctx context.Context, orgID string, f DLQFilter) ([]*queue.DLQRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var since, until *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}

	query := `
		SELECT org_id, reason, original_message, error_history, can_replay, dlq_timestamp
		FROM dlq_messages
		WHERE org_id = $1
			AND ($2 = '' OR reason = $2)
			AND ($3 = '' OR original_message->>'type' = $3)
			AND ($4::timestamptz IS NULL OR dlq_timestamp >= $4)
			AND ($5::timestamptz IS NULL OR dlq_timestamp <= $5)
		ORDER BY dlq_timestamp ASC
		LIMIT $6
	`

	rows, err := r.pool.Query(ctx, query, orgID, string(f.Reason), string(f.Type), since, until, limit)
	if err != nil {
		return nil, queue.StoreUnavailable("list dlq records", err).WithOrg(orgID)
	}
	defer rows.Close()

	var out []*queue.DLQRecord
	for rows.Next() {
		rec, err := scanDLQRecord(rows)
		if err != nil {
			return nil, queue.StoreUnavailable("scan dlq record", err).WithOrg(orgID)
		}
		if !matchesFilter(rec, f) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record after successful replay. Returns false when
// the record was already gone.
func (r *DLQRepository) Delete(ctx context.Context, messageID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dlq_messages WHERE message_id = $1`, messageID)
	if err != nil {
		return false, queue.StoreUnavailable("delete dlq record", err).WithMessageID(messageID)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeOlderThan deletes org records past the retention cutoff and
// returns how many went.
func (r *DLQRepository) PurgeOlderThan(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM dlq_messages WHERE org_id = $1 AND dlq_timestamp < $2`, orgID, cutoff,
	)
	if err != nil {
		return 0, queue.StoreUnavailable("purge dlq records", err).WithOrg(orgID)
	}

	purged := tag.RowsAffected()
	if purged > 0 {
		r.log.WithFields(logrus.Fields{
			"org_id": orgID,
			"purged": purged,
			"cutoff": cutoff,
		}).Info("Purged expired DLQ records")
	}
	return purged, nil
}

// Count returns the org's DLQ backlog size.
func (r *DLQRepository) Count(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dlq_messages WHERE org_id = $1`, orgID,
	).Scan(&n)
	if err != nil {
		return 0, queue.StoreUnavailable("count dlq records", err).WithOrg(orgID)
	}
	return n, nil
}

func scanDLQRecord(row pgx.Row) (*queue.DLQRecord, error) {
	var rec queue.DLQRecord
	var reason string
	var original, history []byte

	if err := row.Scan(&rec.OrgID, &reason, &original, &history, &rec.CanReplay, &rec.DLQTimestamp); err != nil {
		return nil, err
	}
	rec.Reason = queue.Kind(reason)

	var m queue.Message
	if err := json.Unmarshal(original, &m); err != nil {
		return nil, err
	}
	rec.OriginalMessage = &m

	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.ErrorHistory); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// matchesFilter applies the post-scan filter fields; priority is a
// JSON number inside the message body.
func matchesFilter(rec *queue.DLQRecord, f DLQFilter) bool {
	if f.Priority != nil && rec.OriginalMessage.Priority != *f.Priority {
		return false
	}
	return true
}
