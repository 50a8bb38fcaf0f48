package engine

import (
	"context"
	"fmt"
	"log"

	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

// CapturedChange is one row mutation observed on a monitored table.
// OldRow and NewRow are mutually exclusive by operation: INSERT carries
// only NewRow, DELETE only OldRow, UPDATE both.
type CapturedChange struct {
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Operation string         `json:"operation"` // INSERT, UPDATE, DELETE
	OldRow    map[string]any `json:"old_row,omitempty"`
	NewRow    map[string]any `json:"new_row,omitempty"`
}

// RecordID extracts the row's primary key value on a best-effort basis.
// Returns nil when the row has no "id" column.
func (c *CapturedChange) RecordID() *string {
	row := c.NewRow
	if row == nil {
		row = c.OldRow
	}
	if row == nil {
		return nil
	}
	v, ok := row["id"]
	if !ok || v == nil {
		return nil
	}
	s := fmt.Sprintf("%v", v)
	return &s
}

// Capturer is the entry point the data-access layer invokes for every
// row write, inside the mutating transaction. It matches the change
// against subscribed webhooks and appends outbox rows in the same
// transaction, so a committed mutation can never lose its events.
type Capturer struct {
	monitor *Monitor
	matcher *Matcher
	queue   *Queue
}

func NewCapturer(monitor *Monitor, matcher *Matcher, queue *Queue) *Capturer {
	return &Capturer{monitor: monitor, matcher: matcher, queue: queue}
}

// Capture processes one row mutation and returns the number of events
// enqueued. It never returns an error: a failure here must not fail the
// caller's transaction, so matching and enqueue problems are logged and
// dropped instead of propagated.
func (c *Capturer) Capture(ctx context.Context, tx store.Querier, change *CapturedChange) int {
	if change == nil || !c.monitor.Active(change.Schema, change.Table) {
		return 0
	}

	matched := c.matcher.Match(change)
	if len(matched) == 0 {
		return 0
	}

	enqueued := 0
	for _, wh := range matched {
		if err := c.enqueueOne(ctx, tx, wh, change); err != nil {
			log.Printf("ERROR: enqueue event for webhook %s on %s.%s: %v",
				wh.ID, change.Schema, change.Table, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		// pg_notify inside the transaction: the signal is delivered on
		// commit, never for a rolled-back mutation.
		if err := c.notifyWake(ctx, tx); err != nil {
			log.Printf("WARN: wake notify: %v", err)
		}
	}
	return enqueued
}

// enqueueOne appends one outbox row inside a savepoint. Postgres aborts
// the whole transaction on any statement error, so without the
// savepoint a failed insert (the webhook row deleted under the registry
// snapshot, say) would poison the caller's transaction even though the
// Go error is swallowed.
func (c *Capturer) enqueueOne(ctx context.Context, tx store.Querier, wh *metadata.Webhook, change *CapturedChange) error {
	sub, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue savepoint: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, sub, wh, change); err != nil {
		_ = sub.Rollback(ctx)
		return err
	}
	return sub.Commit(ctx)
}

func (c *Capturer) notifyWake(ctx context.Context, tx store.Querier) error {
	sub, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin notify savepoint: %w", err)
	}
	if err := c.queue.NotifyWake(ctx, sub); err != nil {
		_ = sub.Rollback(ctx)
		return err
	}
	return sub.Commit(ctx)
}
