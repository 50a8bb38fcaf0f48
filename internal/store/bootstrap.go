package store

import (
	"context"
	"fmt"
)

const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _webhooks (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name         TEXT NOT NULL UNIQUE,
    url          TEXT NOT NULL,
    secret       TEXT,
    enabled      BOOLEAN NOT NULL DEFAULT true,
    events       JSONB NOT NULL DEFAULT '[]',
    condition    TEXT NOT NULL DEFAULT '',
    headers      JSONB NOT NULL DEFAULT '{}',
    max_retries  INT NOT NULL DEFAULT 3,
    backoff_seconds INT NOT NULL DEFAULT 30,
    timeout_seconds INT NOT NULL DEFAULT 30,
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    updated_at   TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _monitored_tables (
    schema_name TEXT NOT NULL,
    table_name  TEXT NOT NULL,
    ref_count   INT NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (schema_name, table_name)
);

CREATE TABLE IF NOT EXISTS _webhook_events (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    webhook_id       UUID NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    event_type       TEXT NOT NULL CHECK (event_type IN ('INSERT', 'UPDATE', 'DELETE')),
    schema_name      TEXT NOT NULL,
    table_name       TEXT NOT NULL,
    record_id        TEXT,
    old_data         JSONB,
    new_data         JSONB,
    status           TEXT NOT NULL DEFAULT 'pending'
                     CHECK (status IN ('pending', 'retrying', 'success', 'failed')),
    attempts         INT NOT NULL DEFAULT 0,
    last_attempt_at  TIMESTAMPTZ,
    next_retry_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_until    TIMESTAMPTZ,
    claimed_by       TEXT,
    idempotency_key  TEXT NOT NULL,
    http_status_code INT,
    response_excerpt TEXT,
    error_message    TEXT,
    created_at       TIMESTAMPTZ DEFAULT NOW(),
    delivered_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_due
    ON _webhook_events (status, next_retry_at)
    WHERE status IN ('pending', 'retrying');
CREATE INDEX IF NOT EXISTS idx_webhook_events_webhook ON _webhook_events (webhook_id, created_at);
`

// Bootstrap creates the webhook system tables if they don't exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}
