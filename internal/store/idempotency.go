package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

// IdempotencyRepository implements first-wins dedup claims. The
// (org_id, dedup_key) primary key serializes concurrent producers; the
// first insert owns the key, later inserts observe the owner.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewIdempotencyRepository creates an IdempotencyRepository.
func NewIdempotencyRepository(pool *pgxpool.Pool, log *logrus.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool, log: log}
}

// Claim attempts to register messageID as the owner of the dedup key.
// Returns claimed=true when this call inserted the row; otherwise the
// existing owner's message id. One round trip: the no-op conflict
// update lets RETURNING fire either way, and xmax=0 distinguishes a
// fresh insert from a conflict.
func (r *IdempotencyRepository) Claim(ctx context.Context, orgID, dedupKey, messageID string) (claimed bool, owner string, err error) {
	query := `
		INSERT INTO idempotency_keys AS ik (org_id, dedup_key, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, dedup_key) DO UPDATE SET message_id = ik.message_id
		RETURNING message_id, (xmax = 0) AS inserted
	`

	err = r.pool.QueryRow(ctx, query, orgID, dedupKey, messageID).Scan(&owner, &claimed)
	if err != nil {
		return false, "", queue.StoreUnavailable("claim idempotency key", err).
			WithOrg(orgID).WithMessageID(messageID)
	}

	if !claimed {
		r.log.WithFields(logrus.Fields{
			"org_id":    orgID,
			"dedup_key": dedupKey,
			"owner":     owner,
		}).Debug("Idempotency key already claimed")
	}
	return claimed, owner, nil
}

// Owner looks up the owning message id for a dedup key.
func (r *IdempotencyRepository) Owner(ctx context.Context, orgID, dedupKey string) (string, bool, error) {
	var owner string
	err := r.pool.QueryRow(ctx,
		`SELECT message_id FROM idempotency_keys WHERE org_id = $1 AND dedup_key = $2`,
		orgID, dedupKey,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, queue.StoreUnavailable("lookup idempotency key", err).WithOrg(orgID)
	}
	return owner, true, nil
}

// Release deletes a claim. The producer calls this when a publish fails
// after the claim, so a later attempt with the same key is not treated
// as a duplicate of a message that never reached the broker.
func (r *IdempotencyRepository) Release(ctx context.Context, orgID, dedupKey, messageID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE org_id = $1 AND dedup_key = $2 AND message_id = $3`,
		orgID, dedupKey, messageID,
	)
	if err != nil {
		return queue.StoreUnavailable("release idempotency key", err).
			WithOrg(orgID).WithMessageID(messageID)
	}
	return nil
}

// PurgeOlderThan deletes claims past the TTL cutoff and returns the
// count. Run periodically; keys older than the window can no longer
// collide with live traffic.
func (r *IdempotencyRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, queue.StoreUnavailable("purge idempotency keys", err)
	}

	purged := tag.RowsAffected()
	if purged > 0 {
		r.log.WithFields(logrus.Fields{
			"purged": purged,
			"cutoff": cutoff,
		}).Info("Purged expired idempotency keys")
	}
	return purged, nil
}
