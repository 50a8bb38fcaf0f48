package metadata

import "sync"

// Registry is an in-memory read-through cache of webhook configurations,
// replaced wholesale on load. Matching reads a consistent snapshot.
type Registry struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	ordered  []*Webhook // stable name order for deterministic matching
}

func NewRegistry() *Registry {
	return &Registry{
		webhooks: make(map[string]*Webhook),
	}
}

// GetWebhook returns the webhook with the given id, or nil.
func (r *Registry) GetWebhook(id string) *Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.webhooks[id]
}

// AllWebhooks returns all registered webhooks.
func (r *Registry) AllWebhooks() []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Webhook, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// EnabledWebhooks returns the webhooks currently eligible for matching.
func (r *Registry) EnabledWebhooks() []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Webhook
	for _, w := range r.ordered {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// Load replaces all webhooks in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(webhooks []*Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.webhooks = make(map[string]*Webhook, len(webhooks))
	r.ordered = make([]*Webhook, 0, len(webhooks))
	for _, w := range webhooks {
		r.webhooks[w.ID] = w
		r.ordered = append(r.ordered, w)
	}
}
