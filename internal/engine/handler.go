package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"

	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

// Handler serves the pipeline's management surface: table scoping,
// match previews, and the delivery audit trail.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	monitor  *Monitor
	matcher  *Matcher
	capturer *Capturer
}

func NewHandler(s *store.Store, reg *metadata.Registry, monitor *Monitor, matcher *Matcher, capturer *Capturer) *Handler {
	return &Handler{store: s, registry: reg, monitor: monitor, matcher: matcher, capturer: capturer}
}

type tableRequest struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func (h *Handler) ListTables(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.monitor.MonitoredTables()})
}

func (h *Handler) RegisterTable(c *fiber.Ctx) error {
	var req tableRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Table == "" {
		return ValidationError("table is required")
	}

	if err := h.monitor.Register(c.Context(), h.store.Pool, req.Schema, req.Table); err != nil {
		return fmt.Errorf("register table: %w", err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"schema":    normalizeSchema(req.Schema),
		"table":     req.Table,
		"ref_count": h.monitor.RefCount(req.Schema, req.Table),
	}})
}

func (h *Handler) UnregisterTable(c *fiber.Ctx) error {
	var req tableRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if req.Table == "" {
		return ValidationError("table is required")
	}

	if err := h.monitor.Unregister(c.Context(), h.store.Pool, req.Schema, req.Table); err != nil {
		return fmt.Errorf("unregister table: %w", err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"schema":    normalizeSchema(req.Schema),
		"table":     req.Table,
		"ref_count": h.monitor.RefCount(req.Schema, req.Table),
	}})
}

type previewRequest struct {
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Preview dry-runs the matcher against a hypothetical change without
// enqueueing anything.
func (h *Handler) Preview(c *fiber.Ctx) error {
	var req previewRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	op := strings.ToUpper(req.Operation)
	if op != metadata.OpInsert && op != metadata.OpUpdate && op != metadata.OpDelete {
		return ValidationError("operation must be INSERT, UPDATE or DELETE")
	}
	if req.Table == "" {
		return ValidationError("table is required")
	}

	change := &CapturedChange{
		Schema:    normalizeSchema(req.Schema),
		Table:     req.Table,
		Operation: op,
		OldRow:    req.OldRecord,
		NewRow:    req.Record,
	}

	ids := []string{}
	for _, wh := range h.matcher.Match(change) {
		ids = append(ids, wh.ID)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"webhook_ids": ids}})
}

// Capture ingests one change pushed by an out-of-process CDC consumer.
// The match and enqueue run in a single transaction, so a change either
// produces all of its events or none.
func (h *Handler) Capture(c *fiber.Ctx) error {
	var req previewRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	op := strings.ToUpper(req.Operation)
	if op != metadata.OpInsert && op != metadata.OpUpdate && op != metadata.OpDelete {
		return ValidationError("operation must be INSERT, UPDATE or DELETE")
	}
	if req.Table == "" {
		return ValidationError("table is required")
	}

	change := &CapturedChange{
		Schema:    normalizeSchema(req.Schema),
		Table:     req.Table,
		Operation: op,
		OldRow:    req.OldRecord,
		NewRow:    req.Record,
	}

	var enqueued int
	err := h.store.InTx(c.Context(), func(tx pgx.Tx) error {
		enqueued = h.capturer.Capture(c.Context(), tx, change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("capture change: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"enqueued": enqueued}})
}

// ListEvents exposes the audit trail, filterable by webhook, status and
// time range.
func (h *Handler) ListEvents(c *fiber.Ctx) error {
	sql := `SELECT id, webhook_id, event_type, schema_name, table_name, record_id,
	               status, attempts, last_attempt_at, next_retry_at, http_status_code,
	               response_excerpt, error_message, created_at, delivered_at
	        FROM _webhook_events`

	var conds []string
	var args []any

	if v := c.Query("webhook_id"); v != "" {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("webhook_id = $%d", len(args)))
	}
	if v := c.Query("status"); v != "" {
		if v != StatusPending && v != StatusRetrying && v != StatusSuccess && v != StatusFailed {
			return ValidationError("status must be pending, retrying, success or failed")
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ValidationError("from must be an RFC3339 timestamp")
		}
		args = append(args, t)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ValidationError("to must be an RFC3339 timestamp")
		}
		args = append(args, t)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return ValidationError("limit must be between 1 and 500")
		}
		limit = n
	}
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := store.QueryRows(c.Context(), h.store.Pool, sql, args...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	row, err := store.QueryRow(c.Context(), h.store.Pool,
		`SELECT id, webhook_id, event_type, schema_name, table_name, record_id,
		        old_data, new_data, status, attempts, last_attempt_at, next_retry_at,
		        http_status_code, response_excerpt, error_message, idempotency_key,
		        created_at, delivered_at
		 FROM _webhook_events WHERE id = $1`, id)
	if err != nil {
		if err == store.ErrNotFound {
			return NotFoundError("event", id)
		}
		return fmt.Errorf("get event: %w", err)
	}
	return c.JSON(fiber.Map{"data": row})
}
