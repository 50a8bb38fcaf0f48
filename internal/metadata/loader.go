package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadAll reads all webhook configurations from the database and
// populates the registry.
func LoadAll(ctx context.Context, pool *pgxpool.Pool, reg *Registry) error {
	webhooks, err := loadWebhooks(ctx, pool)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}

	reg.Load(webhooks)
	log.Printf("Loaded %d webhooks into registry", len(webhooks))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, pool *pgxpool.Pool, reg *Registry) error {
	return LoadAll(ctx, pool, reg)
}

func loadWebhooks(ctx context.Context, pool *pgxpool.Pool) ([]*Webhook, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, name, url, COALESCE(secret, ''), enabled, events, condition, headers,
		        max_retries, backoff_seconds, timeout_seconds
		 FROM _webhooks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var w Webhook
		var eventsJSON, headersJSON []byte
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &w.Enabled, &eventsJSON, &w.Condition,
			&headersJSON, &w.Retry.MaxRetries, &w.Retry.BackoffSeconds, &w.Retry.TimeoutSeconds); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}

		if err := json.Unmarshal(eventsJSON, &w.Events); err != nil {
			// A webhook with unreadable filters stays visible but never
			// matches; the matcher reports it through the audit log path.
			log.Printf("WARN: webhook %s (%s) has invalid event filter JSON: %v", w.Name, w.ID, err)
			w.Malformed = true
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &w.Headers); err != nil {
				log.Printf("WARN: webhook %s (%s) has invalid headers JSON: %v", w.Name, w.ID, err)
			}
		}
		webhooks = append(webhooks, &w)
	}
	return webhooks, rows.Err()
}
