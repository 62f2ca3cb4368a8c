package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

// PoisonRepository tracks per-dedup-key crash counters. The worker
// increments before every handler run and decrements after success, so
// a key that keeps crashing climbs past the threshold while a flaky one
// drifts back down.
type PoisonRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPoisonRepository creates a PoisonRepository.
func NewPoisonRepository(pool *pgxpool.Pool, log *logrus.Logger) *PoisonRepository {
	return &PoisonRepository{pool: pool, log: log}
}

// Increment bumps the counter and returns the new value. Creates the
// row on first sight of the key.
func (r *PoisonRepository) Increment(ctx context.Context, orgID, dedupKey string) (int, error) {
	query := `
		INSERT INTO poison_counters (org_id, dedup_key, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (org_id, dedup_key) DO UPDATE SET
			count      = poison_counters.count + 1,
			updated_at = NOW()
		RETURNING count
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, orgID, dedupKey).Scan(&count); err != nil {
		return 0, queue.StoreUnavailable("increment poison counter", err).WithOrg(orgID)
	}
	return count, nil
}

// Decrement lowers the counter, flooring at zero. A missing row counts
// as zero and is not created.
func (r *PoisonRepository) Decrement(ctx context.Context, orgID, dedupKey string) (int, error) {
	query := `
		UPDATE poison_counters
		SET count = GREATEST(count - 1, 0), updated_at = NOW()
		WHERE org_id = $1 AND dedup_key = $2
		RETURNING count
	`

	var count int
	err := r.pool.QueryRow(ctx, query, orgID, dedupKey).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, queue.StoreUnavailable("decrement poison counter", err).WithOrg(orgID)
	}
	return count, nil
}

// Get returns the current count, zero when the key is unknown.
func (r *PoisonRepository) Get(ctx context.Context, orgID, dedupKey string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count FROM poison_counters WHERE org_id = $1 AND dedup_key = $2`,
		orgID, dedupKey,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, queue.StoreUnavailable("get poison counter", err).WithOrg(orgID)
	}
	return count, nil
}

// Reset deletes the counter row. DLQ replay calls this so a remediated
// message is not re-quarantined on its first redelivery.
func (r *PoisonRepository) Reset(ctx context.Context, orgID, dedupKey string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM poison_counters WHERE org_id = $1 AND dedup_key = $2`,
		orgID, dedupKey,
	)
	if err != nil {
		return queue.StoreUnavailable("reset poison counter", err).WithOrg(orgID)
	}

	r.log.WithFields(logrus.Fields{
		"org_id":    orgID,
		"dedup_key": dedupKey,
	}).Debug("Reset poison counter")
	return nil
}
