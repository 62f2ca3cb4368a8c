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

// MessageRepository maintains the messages mirror: one row per
// message_id holding the latest full body and derived status. The
// mirror backs duplicate collapse, the promotion scan, and ops queries;
// the broker copy stays authoritative for delivery.
type MessageRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(pool *pgxpool.Pool, log *logrus.Logger) *MessageRepository {
	return &MessageRepository{pool: pool, log: log}
}

// Upsert writes the message row, overwriting body, priority, retry
// count, and status on conflict. Serialized by the message_id key.
func (r *MessageRepository) Upsert(ctx context.Context, m *queue.Message, status queue.Status) error {
	body, err := json.Marshal(m)
	if err != nil {
		return queue.ValidationError("encode message body", err).WithMessageID(m.MessageID)
	}

	query := `
		INSERT INTO messages (
			message_id, org_id, agent_id, type, priority, status,
			dedup_key, retry_count, max_retries, body, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (message_id) DO UPDATE SET
			priority    = EXCLUDED.priority,
			status      = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			body        = EXCLUDED.body,
			updated_at  = NOW()
	`

	_, err = r.pool.Exec(ctx, query,
		m.MessageID, m.OrgID, m.AgentID, string(m.Type), int16(m.Priority), string(status),
		m.DedupKey, m.RetryCount, m.MaxRetries, body, m.CreatedAt,
	)
	if err != nil {
		return queue.StoreUnavailable("upsert message", err).WithOrg(m.OrgID).WithMessageID(m.MessageID)
	}

	r.log.WithFields(logrus.Fields{
		"message_id": m.MessageID,
		"org_id":     m.OrgID,
		"status":     status,
	}).Debug("Upserted message mirror")

	return nil
}

// UpdateStatus flips only the status column. A missing row is not an
// error: the mirror is best-effort and may lag the broker.
func (r *MessageRepository) UpdateStatus(ctx context.Context, messageID string, status queue.Status) error {
	query := `UPDATE messages SET status = $2, updated_at = NOW() WHERE message_id = $1`
	_, err := r.pool.Exec(ctx, query, messageID, string(status))
	if err != nil {
		return queue.StoreUnavailable("update message status", err).WithMessageID(messageID)
	}
	return nil
}

// GetStatus returns the mirrored status for a message, with found=false
// when the mirror has no row.
func (r *MessageRepository) GetStatus(ctx context.Context, messageID string) (queue.Status, bool, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM messages WHERE message_id = $1`, messageID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, queue.StoreUnavailable("get message status", err).WithMessageID(messageID)
	}
	return queue.Status(status), true, nil
}

// Get loads the full message body and its mirrored status.
func (r *MessageRepository) Get(ctx context.Context, messageID string) (*queue.Message, queue.Status, error) {
	var body []byte
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT body, status FROM messages WHERE message_id = $1`, messageID,
	).Scan(&body, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", queue.NewError(queue.KindValidation, "message not found", nil).WithMessageID(messageID)
	}
	if err != nil {
		return nil, "", queue.StoreUnavailable("get message", err).WithMessageID(messageID)
	}

	var m queue.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, "", queue.ValidationError("decode message body", err).WithMessageID(messageID)
	}
	return &m, queue.Status(status), nil
}

// ListQueuedBefore returns messages for the org still QUEUED at the
// given priority whose enqueue time is older than cutoff, oldest first.
// The promotion scheduler drives this; limit bounds one scan pass.
func (r *MessageRepository) ListQueuedBefore(ctx context.Context, orgID string, p queue.Priority, cutoff time.Time, limit int) ([]*queue.Message, error) {
	query := `
		SELECT body FROM messages
		WHERE org_id = $1 AND status = $2 AND priority = $3 AND created_at < $4
		ORDER BY created_at ASC
		LIMIT $5
	`

	rows, err := r.pool.Query(ctx, query, orgID, string(queue.StatusQueued), int16(p), cutoff, limit)
	if err != nil {
		return nil, queue.StoreUnavailable("list queued messages", err).WithOrg(orgID)
	}
	defer rows.Close()

	var out []*queue.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, queue.StoreUnavailable("scan queued message", err).WithOrg(orgID)
		}
		var m queue.Message
		if err := json.Unmarshal(body, &m); err != nil {
			r.log.WithError(err).Warn("Skipping undecodable message body in promotion scan")
			continue
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.StoreUnavailable("iterate queued messages", err).WithOrg(orgID)
	}
	return out, nil
}

// CountByStatus returns per-status row counts for one org, for the ops
// stats endpoint.
func (r *MessageRepository) CountByStatus(ctx context.Context, orgID string) (map[queue.Status]int64, error) {
	query := `
		SELECT status, COUNT(*) FROM messages
		WHERE org_id = $1
		GROUP BY status
	`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, queue.StoreUnavailable("count messages", err).WithOrg(orgID)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, queue.StoreUnavailable("scan message count", err).WithOrg(orgID)
		}
		counts[queue.Status(status)] = n
	}
	return counts, rows.Err()
}
