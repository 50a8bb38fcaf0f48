package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hookrelay/internal/metadata"
)

// fakeQuerier records executed statements and satisfies store.Querier
// for paths that only write. Begin hands out a fakeTx, so savepoint
// behavior is observable: statements from a rolled-back subtransaction
// never reach execSQL.
type fakeQuerier struct {
	execSQL  []string
	execErr  error
	failNext int // fail this many upcoming statements, then recover
}

func (f *fakeQuerier) fail() error {
	if f.execErr != nil {
		return f.execErr
	}
	if f.failNext > 0 {
		f.failNext--
		return errors.New("statement rejected")
	}
	return nil
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := f.fail(); err != nil {
		return pgconn.CommandTag{}, err
	}
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fakeQuerier")
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeQuerier) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{parent: f}, nil
}

// fakeTx buffers statements until Commit; Rollback discards them.
// The embedded pgx.Tx panics on anything the capture path never calls.
type fakeTx struct {
	pgx.Tx
	parent  *fakeQuerier
	pending []string
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := t.parent.fail(); err != nil {
		return pgconn.CommandTag{}, err
	}
	t.pending = append(t.pending, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.parent.execSQL = append(t.parent.execSQL, t.pending...)
	t.pending = nil
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.pending = nil
	return nil
}

func (f *fakeQuerier) countContaining(fragment string) int {
	n := 0
	for _, sql := range f.execSQL {
		if strings.Contains(sql, fragment) {
			n++
		}
	}
	return n
}

func testCapturer(t *testing.T, q *fakeQuerier, webhooks ...*metadata.Webhook) *Capturer {
	t.Helper()
	monitor := NewMonitor(nil)
	if err := monitor.Register(context.Background(), q, "public", "orders"); err != nil {
		t.Fatalf("register orders: %v", err)
	}
	q.execSQL = nil // only count capture-path statements
	return NewCapturer(monitor, NewMatcher(testRegistry(webhooks...)), NewQueue(nil, "wake_test"))
}

func TestCapture_OneEventPerMatchingWebhook(t *testing.T) {
	matching1 := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	matching2 := &metadata.Webhook{
		ID: "wh-2", Name: "b", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "*", Operations: []string{metadata.OpInsert}}},
	}
	other := &metadata.Webhook{
		ID: "wh-3", Name: "c", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "customers", Operations: []string{"*"}}},
	}

	fq := &fakeQuerier{}
	c := testCapturer(t, fq, matching1, matching2, other)

	n := c.Capture(context.Background(), fq, insertChange("orders", map[string]any{"id": 1}))
	if n != 2 {
		t.Fatalf("expected 2 enqueued events, got %d", n)
	}
	if got := fq.countContaining("INSERT INTO _webhook_events"); got != 2 {
		t.Fatalf("expected 2 outbox inserts, got %d", got)
	}
	// One coalesced wake signal per capture, not one per event
	if got := fq.countContaining("pg_notify"); got != 1 {
		t.Fatalf("expected 1 wake notify, got %d", got)
	}
}

func TestCapture_UnmonitoredTableIsNoop(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "*", Operations: []string{"*"}}},
	}
	fq := &fakeQuerier{}
	c := testCapturer(t, fq, wh)

	if n := c.Capture(context.Background(), fq, insertChange("customers", nil)); n != 0 {
		t.Fatalf("expected no events for unmonitored table, got %d", n)
	}
	if len(fq.execSQL) != 0 {
		t.Fatalf("expected no statements for unmonitored table, got %v", fq.execSQL)
	}
}

func TestCapture_NoMatchNoNotify(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{metadata.OpDelete}}},
	}
	fq := &fakeQuerier{}
	c := testCapturer(t, fq, wh)

	if n := c.Capture(context.Background(), fq, insertChange("orders", nil)); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
	if got := fq.countContaining("pg_notify"); got != 0 {
		t.Fatalf("expected no wake notify without matches, got %d", got)
	}
}

func TestCapture_EnqueueFailureNeverPropagates(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	fq := &fakeQuerier{}
	c := testCapturer(t, fq, wh)
	fq.execErr = errors.New("connection lost")

	// Must not panic or surface the error to the caller's write path.
	if n := c.Capture(context.Background(), fq, insertChange("orders", nil)); n != 0 {
		t.Fatalf("expected no events recorded on enqueue failure, got %d", n)
	}
}

func TestCapture_UnserializableRowDropsOnlyThatPairing(t *testing.T) {
	wh := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	fq := &fakeQuerier{}
	c := testCapturer(t, fq, wh)

	change := insertChange("orders", map[string]any{"cb": func() {}})
	if n := c.Capture(context.Background(), fq, change); n != 0 {
		t.Fatalf("expected serialization failure to drop the pairing, got %d events", n)
	}
	if got := fq.countContaining("INSERT INTO _webhook_events"); got != 0 {
		t.Fatalf("expected no outbox insert, got %d", got)
	}
}

func TestCapturedChange_RecordID(t *testing.T) {
	change := insertChange("orders", map[string]any{"id": 42})
	if id := change.RecordID(); id == nil || *id != "42" {
		t.Fatalf("expected record id 42, got %v", id)
	}

	del := &CapturedChange{Table: "orders", Operation: metadata.OpDelete, OldRow: map[string]any{"id": "abc"}}
	if id := del.RecordID(); id == nil || *id != "abc" {
		t.Fatalf("expected record id from old row on delete, got %v", id)
	}

	anon := insertChange("orders", map[string]any{"name": "x"})
	if id := anon.RecordID(); id != nil {
		t.Fatalf("expected nil record id without id column, got %v", *id)
	}
}

func TestCapture_FailedPairingIsolatedFromOthers(t *testing.T) {
	first := &metadata.Webhook{
		ID: "wh-1", Name: "a", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	second := &metadata.Webhook{
		ID: "wh-2", Name: "b", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	fq := &fakeQuerier{}
	c := testCapturer(t, fq, first, second)

	// First pairing's insert is rejected; the rollback of its savepoint
	// must leave the second pairing and the wake signal intact.
	fq.failNext = 1
	n := c.Capture(context.Background(), fq, insertChange("orders", map[string]any{"id": 1}))
	if n != 1 {
		t.Fatalf("expected 1 enqueued event, got %d", n)
	}
	if got := fq.countContaining("INSERT INTO _webhook_events"); got != 1 {
		t.Fatalf("expected 1 committed outbox insert, got %d", got)
	}
	if got := fq.countContaining("pg_notify"); got != 1 {
		t.Fatalf("expected wake notify to survive, got %d", got)
	}
}
