package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Signature and idempotency headers attached to every delivery.
const (
	HeaderSignature      = "X-Webhook-Signature"
	HeaderIdempotencyKey = "X-Webhook-Idempotency-Key"
	HeaderEventID        = "X-Webhook-Event-Id"
)

// The client carries no global timeout; each delivery is bounded by its
// own per-webhook context deadline.
var webhookHTTPClient = &http.Client{}

// DeliveryPayload is the JSON body sent to webhook endpoints.
type DeliveryPayload struct {
	Type      string         `json:"type"` // INSERT, UPDATE, DELETE
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// BuildDeliveryPayload constructs the payload for a claimed event.
func BuildDeliveryPayload(ev *ClaimedEvent) *DeliveryPayload {
	return &DeliveryPayload{
		Type:      ev.EventType,
		Schema:    ev.Schema,
		Table:     ev.Table,
		Record:    ev.NewData,
		OldRecord: ev.OldData,
	}
}

// Sign computes the hex HMAC-SHA256 of the exact serialized body with
// the webhook's shared secret. Receivers recompute it to verify the
// delivery.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ResolveHeaders replaces {{env.VAR_NAME}} in header values with os env values.
func ResolveHeaders(headers map[string]string) map[string]string {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		varName := s[start+6 : end]
		envVal := os.Getenv(varName)
		s = s[:start] + envVal + s[end+2:]
	}
}

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

// Delivered reports whether the endpoint acknowledged with a 2xx.
func (r *DispatchResult) Delivered() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// FailureMessage renders the retryable-failure description recorded on
// the event. Transport errors and non-2xx responses are both failures.
func (r *DispatchResult) FailureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// Dispatch POSTs the signed body to the target URL, bounded by the
// webhook's delivery timeout. Transport errors are reported in the
// result, never as a Go error: every outcome routes through the retry
// scheduler the same way.
func Dispatch(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) *DispatchResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB

	return &DispatchResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
	}
}
