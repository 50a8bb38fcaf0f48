package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"hookrelay/internal/auth"
	"hookrelay/internal/engine"
	"hookrelay/internal/metadata"
	"hookrelay/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	monitor  *engine.Monitor
}

func NewHandler(s *store.Store, reg *metadata.Registry, monitor *engine.Monitor) *Handler {
	return &Handler{store: s, registry: reg, monitor: monitor}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/webhooks", h.ListWebhooks)
	admin.Get("/webhooks/:id", h.GetWebhook)
	admin.Post("/webhooks", h.CreateWebhook)
	admin.Put("/webhooks/:id", h.UpdateWebhook)
	admin.Delete("/webhooks/:id", h.DeleteWebhook)
}

func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.Pool,
		`SELECT id, name, url, enabled, events, condition, headers,
		        max_retries, backoff_seconds, timeout_seconds, created_at, updated_at
		 FROM _webhooks ORDER BY name`)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	id := c.Params("id")
	row, err := store.QueryRow(c.Context(), h.store.Pool,
		`SELECT id, name, url, enabled, events, condition, headers,
		        max_retries, backoff_seconds, timeout_seconds, created_at, updated_at
		 FROM _webhooks WHERE id = $1`, id)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Webhook not found: " + id}})
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	var wh metadata.Webhook
	if err := c.BodyParser(&wh); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}

	if err := validateWebhook(&wh); err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}

	eventsJSON, err := json.Marshal(wh.Events)
	if err != nil {
		return fmt.Errorf("marshal event filters: %w", err)
	}
	headersJSON, err := json.Marshal(headerMap(wh.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	row, err := store.QueryRow(c.Context(), h.store.Pool,
		`INSERT INTO _webhooks (name, url, secret, enabled, events, condition, headers,
		                        max_retries, backoff_seconds, timeout_seconds)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		wh.Name, wh.URL, wh.Secret, wh.Enabled, eventsJSON, wh.Condition, headersJSON,
		wh.Retry.MaxRetries, wh.Retry.BackoffSeconds, wh.Retry.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	wh.ID = fmt.Sprintf("%v", row["id"])

	// Bring the new subscription's tables under capture. On failure the
	// webhook is removed again so no half-registered subscription remains.
	if err := h.registerTables(c.Context(), wh.FilterTables()); err != nil {
		if _, derr := store.Exec(c.Context(), h.store.Pool, `DELETE FROM _webhooks WHERE id = $1`, wh.ID); derr != nil {
			log.Printf("ERROR: delete webhook %s after failed table registration: %v", wh.ID, derr)
		}
		return fmt.Errorf("register webhook tables: %w", err)
	}

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	if wh.WatchesAllTables() {
		log.Printf("Webhook %s (%s) uses a table wildcard; it receives changes from every monitored table", wh.Name, wh.ID)
	}
	log.Printf("Webhook %s created by %s", wh.ID, actor(c))

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{"id": wh.ID}})
}

func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	id := c.Params("id")
	existing := h.registry.GetWebhook(id)
	if existing == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Webhook not found: " + id}})
	}

	var wh metadata.Webhook
	if err := c.BodyParser(&wh); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	wh.ID = id

	if err := validateWebhook(&wh); err != nil {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
	}

	eventsJSON, err := json.Marshal(wh.Events)
	if err != nil {
		return fmt.Errorf("marshal event filters: %w", err)
	}
	headersJSON, err := json.Marshal(headerMap(wh.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = store.Exec(c.Context(), h.store.Pool,
		`UPDATE _webhooks
		 SET name = $2, url = $3, secret = NULLIF($4, ''), enabled = $5, events = $6,
		     condition = $7, headers = $8, max_retries = $9, backoff_seconds = $10,
		     timeout_seconds = $11, updated_at = NOW()
		 WHERE id = $1`,
		id, wh.Name, wh.URL, wh.Secret, wh.Enabled, eventsJSON, wh.Condition, headersJSON,
		wh.Retry.MaxRetries, wh.Retry.BackoffSeconds, wh.Retry.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}

	// Shift monitor refcounts to the new filter set.
	added, removed := diffTables(existing.FilterTables(), wh.FilterTables())
	if err := h.registerTables(c.Context(), added); err != nil {
		return fmt.Errorf("register webhook tables: %w", err)
	}
	h.unregisterTables(c.Context(), removed)

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	if wh.WatchesAllTables() {
		log.Printf("Webhook %s (%s) uses a table wildcard; it receives changes from every monitored table", wh.Name, wh.ID)
	}
	log.Printf("Webhook %s updated by %s", id, actor(c))

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	id := c.Params("id")
	existing := h.registry.GetWebhook(id)
	if existing == nil {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Webhook not found: " + id}})
	}

	n, err := store.Exec(c.Context(), h.store.Pool, `DELETE FROM _webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Webhook not found: " + id}})
	}

	h.unregisterTables(c.Context(), existing.FilterTables())

	if err := metadata.Reload(c.Context(), h.store.Pool, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	log.Printf("Webhook %s deleted by %s", id, actor(c))

	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": id}})
}

// actor names the authenticated admin for the mutation audit log.
func actor(c *fiber.Ctx) string {
	if user := auth.GetUser(c); user != nil {
		return user.ID
	}
	return "unauthenticated"
}

func (h *Handler) registerTables(ctx context.Context, tables []string) error {
	for i, table := range tables {
		if err := h.monitor.Register(ctx, h.store.Pool, "", table); err != nil {
			h.unregisterTables(ctx, tables[:i])
			return err
		}
	}
	return nil
}

func (h *Handler) unregisterTables(ctx context.Context, tables []string) {
	for _, table := range tables {
		if err := h.monitor.Unregister(ctx, h.store.Pool, "", table); err != nil {
			log.Printf("ERROR: unregister table %s: %v", table, err)
		}
	}
}

func diffTables(before, after []string) (added, removed []string) {
	beforeSet := map[string]bool{}
	for _, t := range before {
		beforeSet[t] = true
	}
	afterSet := map[string]bool{}
	for _, t := range after {
		afterSet[t] = true
		if !beforeSet[t] {
			added = append(added, t)
		}
	}
	for _, t := range before {
		if !afterSet[t] {
			removed = append(removed, t)
		}
	}
	return added, removed
}

func headerMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func validateWebhook(wh *metadata.Webhook) error {
	if wh.Name == "" {
		return fmt.Errorf("name is required")
	}
	if wh.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	if len(wh.Events) == 0 {
		return fmt.Errorf("at least one event filter is required")
	}
	for i := range wh.Events {
		f := &wh.Events[i]
		if f.Table == "" {
			return fmt.Errorf("event filter %d: table is required", i)
		}
		if len(f.Operations) == 0 {
			return fmt.Errorf("event filter %d: operations are required", i)
		}
		for j, op := range f.Operations {
			if op == metadata.Wildcard {
				continue
			}
			upper := strings.ToUpper(op)
			switch upper {
			case metadata.OpInsert, metadata.OpUpdate, metadata.OpDelete:
				f.Operations[j] = upper
			default:
				return fmt.Errorf("event filter %d: unknown operation %q", i, op)
			}
		}
	}

	if wh.Retry.MaxRetries <= 0 {
		wh.Retry.MaxRetries = 3
	}
	if wh.Retry.BackoffSeconds <= 0 {
		wh.Retry.BackoffSeconds = 30
	}
	if wh.Retry.TimeoutSeconds <= 0 {
		wh.Retry.TimeoutSeconds = 30
	}
	return nil
}
