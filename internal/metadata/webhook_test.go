package metadata

import "testing"

func TestFilterTables(t *testing.T) {
	w := &Webhook{
		Events: []EventFilter{
			{Table: "orders", Operations: []string{OpInsert}},
			{Table: "orders", Operations: []string{OpDelete}},
			{Table: "customers", Operations: []string{Wildcard}},
			{Table: Wildcard, Operations: []string{OpUpdate}},
			{Table: "", Operations: []string{OpInsert}},
		},
	}

	tables := w.FilterTables()
	if len(tables) != 2 {
		t.Fatalf("expected 2 distinct tables, got %v", tables)
	}
	if tables[0] != "orders" || tables[1] != "customers" {
		t.Fatalf("unexpected tables: %v", tables)
	}
}

func TestWatchesAllTables(t *testing.T) {
	scoped := &Webhook{Events: []EventFilter{{Table: "orders", Operations: []string{Wildcard}}}}
	if scoped.WatchesAllTables() {
		t.Fatal("expected scoped webhook to not watch all tables")
	}

	wildcard := &Webhook{Events: []EventFilter{
		{Table: "orders", Operations: []string{OpInsert}},
		{Table: Wildcard, Operations: []string{OpInsert}},
	}}
	if !wildcard.WatchesAllTables() {
		t.Fatal("expected wildcard filter to watch all tables")
	}
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	reg := NewRegistry()
	a := &Webhook{ID: "a", Name: "first", Enabled: true}
	b := &Webhook{ID: "b", Name: "second", Enabled: false}
	reg.Load([]*Webhook{a, b})

	if got := reg.GetWebhook("a"); got == nil || got.Name != "first" {
		t.Fatalf("unexpected lookup result: %+v", got)
	}
	if got := reg.GetWebhook("missing"); got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}

	if got := len(reg.AllWebhooks()); got != 2 {
		t.Fatalf("expected 2 webhooks, got %d", got)
	}

	enabled := reg.EnabledWebhooks()
	if len(enabled) != 1 || enabled[0].ID != "a" {
		t.Fatalf("expected only the enabled webhook, got %v", enabled)
	}
}

func TestRegistry_LoadReplaces(t *testing.T) {
	reg := NewRegistry()
	reg.Load([]*Webhook{{ID: "a", Enabled: true}})
	reg.Load([]*Webhook{{ID: "b", Enabled: true}})

	if got := reg.GetWebhook("a"); got != nil {
		t.Fatalf("expected stale webhook to be gone after reload, got %+v", got)
	}
	if got := reg.GetWebhook("b"); got == nil {
		t.Fatal("expected reloaded webhook to be present")
	}
}
