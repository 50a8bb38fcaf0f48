package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"hookrelay/internal/metadata"
)

func testApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(ErrorResponse{Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"}})
		},
	})
	RegisterPipelineRoutes(app, h)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.Data
}

func previewHandler(webhooks ...*metadata.Webhook) *Handler {
	reg := testRegistry(webhooks...)
	return NewHandler(nil, reg, NewMonitor(nil), NewMatcher(reg), nil)
}

func TestPreview_ReturnsMatchedWebhookIDs(t *testing.T) {
	orders := &metadata.Webhook{
		ID: "wh-orders", Name: "orders", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "orders", Operations: []string{"*"}}},
	}
	other := &metadata.Webhook{
		ID: "wh-other", Name: "other", URL: "http://example.com", Enabled: true,
		Events: []metadata.EventFilter{{Table: "customers", Operations: []string{"*"}}},
	}
	app := testApp(previewHandler(orders, other))

	resp := postJSON(t, app, "/api/_hooks/preview", map[string]any{
		"table":     "orders",
		"operation": "insert",
		"record":    map[string]any{"id": 1},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := decodeData(t, resp)
	ids, ok := data["webhook_ids"].([]any)
	if !ok || len(ids) != 1 || ids[0] != "wh-orders" {
		t.Fatalf("expected [wh-orders], got %v", data["webhook_ids"])
	}
}

func TestPreview_NoMatchesReturnsEmptyList(t *testing.T) {
	app := testApp(previewHandler())

	resp := postJSON(t, app, "/api/_hooks/preview", map[string]any{
		"table":     "orders",
		"operation": "DELETE",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := decodeData(t, resp)
	// Empty list, not null
	ids, ok := data["webhook_ids"].([]any)
	if !ok || len(ids) != 0 {
		t.Fatalf("expected [], got %v", data["webhook_ids"])
	}
}

func TestPreview_RejectsUnknownOperation(t *testing.T) {
	app := testApp(previewHandler())

	resp := postJSON(t, app, "/api/_hooks/preview", map[string]any{
		"table":     "orders",
		"operation": "TRUNCATE",
	})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestPreview_RequiresTable(t *testing.T) {
	app := testApp(previewHandler())

	resp := postJSON(t, app, "/api/_hooks/preview", map[string]any{
		"operation": "INSERT",
	})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestRegisterTable_RequiresTable(t *testing.T) {
	app := testApp(previewHandler())

	resp := postJSON(t, app, "/api/_hooks/tables/register", map[string]any{"schema": "public"})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestListTables_ReflectsMonitor(t *testing.T) {
	reg := testRegistry()
	monitor := NewMonitor(nil)
	h := NewHandler(nil, reg, monitor, NewMatcher(reg), nil)
	app := testApp(h)

	req := httptest.NewRequest(http.MethodGet, "/api/_hooks/tables", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Data) != 0 {
		t.Fatalf("expected empty monitored set, got %v", body.Data)
	}
}
