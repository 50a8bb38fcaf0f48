package metadata

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Operation names accepted in event filters, matching the capture layer.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"

	// Wildcard matches any table or any operation in a filter entry.
	Wildcard = "*"
)

// EventFilter selects which captured changes a webhook receives.
// Table is a table name or "*"; Operations holds INSERT/UPDATE/DELETE
// or the single wildcard entry "*".
type EventFilter struct {
	Table      string   `json:"table"`
	Operations []string `json:"operations"`
}

// RetryPolicy defines per-webhook delivery retry behaviour.
type RetryPolicy struct {
	MaxRetries     int `json:"max_retries"`
	BackoffSeconds int `json:"backoff_seconds"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Webhook is a subscriber configuration: where to deliver, what to
// deliver, and how hard to try.
type Webhook struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Secret    string            `json:"secret,omitempty"`
	Enabled   bool              `json:"enabled"`
	Events    []EventFilter     `json:"events"`
	Condition string            `json:"condition,omitempty"` // expression; empty = always fire
	Headers   map[string]string `json:"headers,omitempty"`
	Retry     RetryPolicy       `json:"retry"`

	// Malformed is set by the loader when the stored filter JSON could
	// not be parsed. A malformed webhook never matches.
	Malformed bool `json:"-"`

	compileOnce sync.Once
	compiled    *vm.Program
	compileErr  error
}

// CompileCondition compiles the condition expression on first use and
// caches the program for the lifetime of the loaded configuration.
// The registry hands the same *Webhook to every concurrent capture, so
// the compile is guarded by a Once. Empty condition yields (nil, nil).
func (w *Webhook) CompileCondition() (*vm.Program, error) {
	w.compileOnce.Do(func() {
		if w.Condition == "" {
			return
		}
		w.compiled, w.compileErr = expr.Compile(w.Condition, expr.AsBool())
	})
	return w.compiled, w.compileErr
}

// FilterTables returns the distinct non-wildcard tables named by the
// webhook's filters. Used to drive table monitor registration.
func (w *Webhook) FilterTables() []string {
	seen := map[string]bool{}
	var tables []string
	for _, f := range w.Events {
		if f.Table == "" || f.Table == Wildcard || seen[f.Table] {
			continue
		}
		seen[f.Table] = true
		tables = append(tables, f.Table)
	}
	return tables
}

// WatchesAllTables reports whether any filter entry uses the table wildcard.
func (w *Webhook) WatchesAllTables() bool {
	for _, f := range w.Events {
		if f.Table == Wildcard {
			return true
		}
	}
	return false
}
