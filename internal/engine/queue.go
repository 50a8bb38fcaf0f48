package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

// WebhookEvent delivery states. pending and retrying are the only
// non-terminal states; retrying just records that at least one attempt
// has already failed.
const (
	StatusPending  = "pending"
	StatusRetrying = "retrying"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// Queue is the durable outbox of matched-but-undelivered events bound
// to the _webhook_events table. All worker coordination goes through
// this table, never through in-memory state, so workers may run across
// multiple processes.
type Queue struct {
	store       *store.Store
	wakeChannel string
}

func NewQueue(s *store.Store, wakeChannel string) *Queue {
	return &Queue{store: s, wakeChannel: wakeChannel}
}

// Enqueue appends one outbox row for a (webhook, change) pairing. It is
// called with the caller's transaction so the event commits atomically
// with the mutation that produced it. A row serialization failure is a
// CaptureError: the caller drops only this pairing.
func (q *Queue) Enqueue(ctx context.Context, tx store.Querier, wh *metadata.Webhook, change *CapturedChange) (string, error) {
	var oldJSON, newJSON []byte
	var err error
	if change.OldRow != nil {
		if oldJSON, err = json.Marshal(change.OldRow); err != nil {
			return "", fmt.Errorf("serialize old row: %w", err)
		}
	}
	if change.NewRow != nil {
		if newJSON, err = json.Marshal(change.NewRow); err != nil {
			return "", fmt.Errorf("serialize new row: %w", err)
		}
	}

	id := uuid.New().String()
	_, err = store.Exec(ctx, tx,
		`INSERT INTO _webhook_events
		 (id, webhook_id, event_type, schema_name, table_name, record_id, old_data, new_data, status, next_retry_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', NOW(), $9)`,
		id, wh.ID, strings.ToUpper(change.Operation), change.Schema, change.Table,
		change.RecordID(), oldJSON, newJSON, "wh_"+uuid.New().String())
	if err != nil {
		return "", fmt.Errorf("insert webhook event: %w", err)
	}
	return id, nil
}

// NotifyWake signals waiting workers. Issued on the enqueueing
// transaction so Postgres delivers it only on commit.
func (q *Queue) NotifyWake(ctx context.Context, tx store.Querier) error {
	_, err := store.Exec(ctx, tx, `SELECT pg_notify($1, '')`, q.wakeChannel)
	return err
}

// ClaimedEvent is one due event held exclusively by a worker.
type ClaimedEvent struct {
	ID             string
	WebhookID      string
	EventType      string
	Schema         string
	Table          string
	RecordID       *string
	OldData        map[string]any
	NewData        map[string]any
	Attempts       int
	IdempotencyKey string
}

// The claim takes the earliest due event whose lease is free, skipping
// rows locked by a concurrent claimer, and stamps a lease of twice the
// webhook's delivery timeout. A worker that dies mid-delivery leaves an
// expired lease, and the event becomes claimable again.
const claimSQL = `
UPDATE _webhook_events e
SET claimed_until = NOW() + make_interval(secs => GREATEST(c.timeout_seconds, 1) * 2),
    claimed_by = $1
FROM (
    SELECT e2.id, w.timeout_seconds
    FROM _webhook_events e2
    JOIN _webhooks w ON w.id = e2.webhook_id
    WHERE e2.status IN ('pending', 'retrying')
      AND e2.next_retry_at <= NOW()
      AND (e2.claimed_until IS NULL OR e2.claimed_until < NOW())
    ORDER BY e2.next_retry_at
    LIMIT 1
    FOR UPDATE OF e2 SKIP LOCKED
) c
WHERE e.id = c.id
RETURNING e.id, e.webhook_id, e.event_type, e.schema_name, e.table_name,
          e.record_id, e.old_data, e.new_data, e.attempts, e.idempotency_key`

// Claim atomically takes one due event, or returns (nil, nil) when
// nothing is eligible. At most one worker holds a given event at a
// time.
func (q *Queue) Claim(ctx context.Context, workerID string) (*ClaimedEvent, error) {
	var ev ClaimedEvent
	var oldJSON, newJSON []byte
	err := q.store.Pool.QueryRow(ctx, claimSQL, workerID).Scan(
		&ev.ID, &ev.WebhookID, &ev.EventType, &ev.Schema, &ev.Table,
		&ev.RecordID, &oldJSON, &newJSON, &ev.Attempts, &ev.IdempotencyKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &ev.OldData); err != nil {
			return nil, fmt.Errorf("decode old_data for event %s: %w", ev.ID, err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &ev.NewData); err != nil {
			return nil, fmt.Errorf("decode new_data for event %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

// MarkSuccess finalizes a delivered event. The status guard keeps
// terminal states terminal even under a duplicate or late worker write.
func (q *Queue) MarkSuccess(ctx context.Context, eventID string, statusCode int, excerpt string) error {
	_, err := store.Exec(ctx, q.store.Pool,
		`UPDATE _webhook_events
		 SET status = 'success', attempts = attempts + 1, last_attempt_at = NOW(),
		     delivered_at = NOW(), http_status_code = $2, response_excerpt = $3,
		     error_message = NULL, claimed_until = NULL, claimed_by = NULL
		 WHERE id = $1 AND status IN ('pending', 'retrying')`,
		eventID, statusCode, excerpt)
	if err != nil {
		return fmt.Errorf("mark event %s delivered: %w", eventID, err)
	}
	return nil
}

// MarkFailure records a failed attempt: either schedules the next retry
// or, when attempts are exhausted, parks the event in the terminal
// failed state.
func (q *Queue) MarkFailure(ctx context.Context, eventID string, terminal bool, nextRetryAt time.Time, statusCode *int, excerpt, errMsg string) error {
	var err error
	if terminal {
		_, err = store.Exec(ctx, q.store.Pool,
			`UPDATE _webhook_events
			 SET status = 'failed', attempts = attempts + 1, last_attempt_at = NOW(),
			     http_status_code = $2, response_excerpt = $3, error_message = $4,
			     claimed_until = NULL, claimed_by = NULL
			 WHERE id = $1 AND status IN ('pending', 'retrying')`,
			eventID, statusCode, excerpt, errMsg)
	} else {
		_, err = store.Exec(ctx, q.store.Pool,
			`UPDATE _webhook_events
			 SET status = 'retrying', attempts = attempts + 1, last_attempt_at = NOW(),
			     next_retry_at = $5, http_status_code = $2, response_excerpt = $3,
			     error_message = $4, claimed_until = NULL, claimed_by = NULL
			 WHERE id = $1 AND status IN ('pending', 'retrying')`,
			eventID, statusCode, excerpt, errMsg, nextRetryAt)
	}
	if err != nil {
		return fmt.Errorf("mark event %s failed: %w", eventID, err)
	}
	return nil
}
