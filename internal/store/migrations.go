package store

import (
	"context"
	"fmt"
)

// migrations are applied in order by EnsureSchema. Statements are
// idempotent so a restart can always re-run the full list.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		message_id   TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		agent_id     TEXT NOT NULL DEFAULT '',
		type         TEXT NOT NULL,
		priority     SMALLINT NOT NULL,
		status       TEXT NOT NULL,
		dedup_key    TEXT NOT NULL DEFAULT '',
		retry_count  INT NOT NULL DEFAULT 0,
		max_retries  INT NOT NULL DEFAULT 0,
		body         JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_org_status
		ON messages (org_id, status)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_org_created
		ON messages (org_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS message_events (
		id          BIGSERIAL PRIMARY KEY,
		message_id  TEXT NOT NULL,
		org_id      TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		details     JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_message_events_message
		ON message_events (message_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_message_events_org
		ON message_events (org_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS dlq_messages (
		message_id       TEXT PRIMARY KEY,
		org_id           TEXT NOT NULL,
		reason           TEXT NOT NULL,
		original_message JSONB NOT NULL,
		error_history    JSONB,
		can_replay       BOOLEAN NOT NULL DEFAULT TRUE,
		dlq_timestamp    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dlq_messages_org
		ON dlq_messages (org_id, dlq_timestamp)`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		org_id     TEXT NOT NULL,
		dedup_key  TEXT NOT NULL,
		message_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org_id, dedup_key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_created
		ON idempotency_keys (created_at)`,

	`CREATE TABLE IF NOT EXISTS poison_counters (
		org_id     TEXT NOT NULL,
		dedup_key  TEXT NOT NULL,
		count      INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org_id, dedup_key)
	)`,
}

// EnsureSchema applies all migrations. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	s.log.WithField("statements", len(migrations)).Debug("Event store schema ensured")
	return nil
}
