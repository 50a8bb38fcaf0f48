package engine

import (
	"fmt"
	"log"
	"strings"

	"github.com/expr-lang/expr"

	"hookrelay/internal/metadata"
)

// Matcher decides which webhooks are interested in a captured change.
type Matcher struct {
	registry *metadata.Registry
}

func NewMatcher(reg *metadata.Registry) *Matcher {
	return &Matcher{registry: reg}
}

// Match returns the enabled webhooks whose filters accept the change.
// A webhook with malformed filters or a broken condition expression is
// skipped; it never aborts matching for the others.
func (m *Matcher) Match(change *CapturedChange) []*metadata.Webhook {
	var matched []*metadata.Webhook
	for _, wh := range m.registry.EnabledWebhooks() {
		if wh.Malformed {
			continue
		}
		if !FiltersMatch(wh.Events, change) {
			continue
		}
		fire, err := EvaluateCondition(wh, change)
		if err != nil {
			log.Printf("ERROR: webhook %s condition evaluation: %v", wh.ID, err)
			continue
		}
		if !fire {
			continue
		}
		matched = append(matched, wh)
	}
	return matched
}

// FiltersMatch reports whether any filter entry accepts the change.
// Entries OR together; within an entry the table and operation must
// both match, with "*" as a wildcard for either.
func FiltersMatch(filters []metadata.EventFilter, change *CapturedChange) bool {
	for _, f := range filters {
		if f.Table != metadata.Wildcard && f.Table != change.Table {
			continue
		}
		for _, op := range f.Operations {
			if op == metadata.Wildcard || strings.EqualFold(op, change.Operation) {
				return true
			}
		}
	}
	return false
}

// EvaluateCondition evaluates a webhook's condition expression against
// the change. Empty condition always fires. Uses lazy compilation with
// caching.
func EvaluateCondition(wh *metadata.Webhook, change *CapturedChange) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}

	env := map[string]any{
		"record":    change.NewRow,
		"old":       change.OldRow,
		"operation": change.Operation,
		"table":     change.Table,
		"schema":    change.Schema,
	}

	prog, err := wh.CompileCondition()
	if err != nil {
		return false, fmt.Errorf("compile webhook condition: %w", err)
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate webhook condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("webhook condition did not return bool")
	}
	return b, nil
}
