package stage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"conveyor/internal/services"
)

// Registry maps stage names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to stageName, replacing any earlier binding.
func (r *Registry) Register(stageName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.TrimSpace(stageName)] = h
}

// Lookup returns the handler for stageName. A missing handler is a
// configuration error, which the worker treats as terminal.
func (r *Registry) Lookup(stageName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stageName]
	if !ok || h == nil {
		return nil, services.Wrap(
			services.ErrConfiguration, stageName, "lookup handler",
			"No handler registered for stage", nil)
	}
	return h, nil
}

// Stages lists registered stage names in sorted order.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health collects every handler's readiness, labelled by stage.
func (r *Registry) Health(ctx context.Context) []Health {
	names := r.Stages()
	out := make([]Health, 0, len(names))
	for _, name := range names {
		h, err := r.Lookup(name)
		if err != nil {
			out = append(out, Unhealthy(name, err.Error()))
			continue
		}
		health := h.HealthCheck(ctx)
		health.Name = name
		out = append(out, health)
	}
	return out
}
