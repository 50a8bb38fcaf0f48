package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"hookrelay/internal/store"
)

// HookInstaller installs and removes the capture hook for a table.
// The default installer is a no-op: with the in-process capture model
// the monitor's active set is the hook, and the data-access layer asks
// the monitor before emitting changes. Deployments that capture through
// database triggers or a CDC stream plug in their own installer.
type HookInstaller interface {
	Install(ctx context.Context, schema, table string) error
	Remove(ctx context.Context, schema, table string) error
}

type nopInstaller struct{}

func (nopInstaller) Install(ctx context.Context, schema, table string) error { return nil }
func (nopInstaller) Remove(ctx context.Context, schema, table string) error  { return nil }

type tableKey struct {
	schema string
	table  string
}

// Monitor tracks, per (schema, table), how many webhooks reference the
// table, and keeps the capture hook installed exactly while that count
// is positive. Counts are persisted in _monitored_tables so a restart
// restores the monitored set.
type Monitor struct {
	mu        sync.RWMutex
	refs      map[tableKey]int
	installer HookInstaller
}

func NewMonitor(installer HookInstaller) *Monitor {
	if installer == nil {
		installer = nopInstaller{}
	}
	return &Monitor{
		refs:      make(map[tableKey]int),
		installer: installer,
	}
}

// Register increments the reference count for (schema, table) and
// installs the capture hook on the 0 -> 1 transition. If the install or
// the persisted count update fails, the registration is rolled back and
// no partial state remains.
func (m *Monitor) Register(ctx context.Context, q store.Querier, schema, table string) error {
	schema = normalizeSchema(schema)
	m.mu.Lock()
	defer m.mu.Unlock()

	k := tableKey{schema, table}
	count := m.refs[k]

	if count == 0 {
		if err := m.installer.Install(ctx, schema, table); err != nil {
			return fmt.Errorf("install capture hook on %s.%s: %w", schema, table, err)
		}
	}

	_, err := store.Exec(ctx, q,
		`INSERT INTO _monitored_tables (schema_name, table_name, ref_count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (schema_name, table_name)
		 DO UPDATE SET ref_count = _monitored_tables.ref_count + 1, updated_at = NOW()`,
		schema, table)
	if err != nil {
		if count == 0 {
			if rerr := m.installer.Remove(ctx, schema, table); rerr != nil {
				log.Printf("ERROR: remove capture hook on %s.%s after failed registration: %v", schema, table, rerr)
			}
		}
		return fmt.Errorf("persist monitor registration for %s.%s: %w", schema, table, err)
	}

	m.refs[k] = count + 1
	return nil
}

// Unregister decrements the reference count and removes the capture
// hook on the 1 -> 0 transition. Unregistering an unmonitored table is
// a no-op.
func (m *Monitor) Unregister(ctx context.Context, q store.Querier, schema, table string) error {
	schema = normalizeSchema(schema)
	m.mu.Lock()
	defer m.mu.Unlock()

	k := tableKey{schema, table}
	count := m.refs[k]
	if count == 0 {
		return nil
	}

	if count == 1 {
		if err := m.installer.Remove(ctx, schema, table); err != nil {
			return fmt.Errorf("remove capture hook on %s.%s: %w", schema, table, err)
		}
		if _, err := store.Exec(ctx, q,
			`DELETE FROM _monitored_tables WHERE schema_name = $1 AND table_name = $2`,
			schema, table); err != nil {
			log.Printf("ERROR: delete monitor row for %s.%s: %v", schema, table, err)
		}
		delete(m.refs, k)
		return nil
	}

	if _, err := store.Exec(ctx, q,
		`UPDATE _monitored_tables SET ref_count = ref_count - 1, updated_at = NOW()
		 WHERE schema_name = $1 AND table_name = $2 AND ref_count > 0`,
		schema, table); err != nil {
		return fmt.Errorf("persist monitor unregistration for %s.%s: %w", schema, table, err)
	}
	m.refs[k] = count - 1
	return nil
}

// Active reports whether (schema, table) currently has a capture hook.
func (m *Monitor) Active(schema, table string) bool {
	schema = normalizeSchema(schema)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[tableKey{schema, table}] > 0
}

// RefCount returns the current reference count for (schema, table).
func (m *Monitor) RefCount(schema, table string) int {
	schema = normalizeSchema(schema)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[tableKey{schema, table}]
}

// MonitoredTables returns a snapshot of the monitored set as
// schema/table/ref_count rows, for the scoping API.
func (m *Monitor) MonitoredTables() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.refs))
	for k, n := range m.refs {
		out = append(out, map[string]any{
			"schema": k.schema, "table": k.table, "ref_count": n,
		})
	}
	return out
}

// LoadFromStore restores persisted reference counts and reinstalls
// hooks for every table with a positive count. Called once at startup
// before the capture path goes live.
func (m *Monitor) LoadFromStore(ctx context.Context, q store.Querier) error {
	rows, err := store.QueryRows(ctx, q,
		`SELECT schema_name, table_name, ref_count FROM _monitored_tables WHERE ref_count > 0`)
	if err != nil {
		return fmt.Errorf("load monitored tables: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		schema := fmt.Sprintf("%v", row["schema_name"])
		table := fmt.Sprintf("%v", row["table_name"])
		count := toInt(row["ref_count"])
		if count <= 0 {
			continue
		}
		if err := m.installer.Install(ctx, schema, table); err != nil {
			log.Printf("ERROR: reinstall capture hook on %s.%s: %v", schema, table, err)
			continue
		}
		m.refs[tableKey{schema, table}] = count
	}
	log.Printf("Monitoring %d tables", len(m.refs))
	return nil
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

func normalizeSchema(schema string) string {
	if schema == "" {
		return "public"
	}
	return schema
}
