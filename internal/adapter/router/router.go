package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/credpool/credpool-gateway/internal/adapter"
)

// Router resolves a session's provider name to the adapter serving it.
type Router struct {
	mu       sync.RWMutex
	invokers map[string]adapter.Invoker
}

// New creates an empty Router.
func New() *Router {
	return &Router{invokers: make(map[string]adapter.Invoker)}
}

// Register adds an invoker under its own name.
func (r *Router) Register(inv adapter.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[strings.ToLower(inv.Name())] = inv
}

// Resolve returns the invoker for the provider name.
func (r *Router) Resolve(provider string) (adapter.Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("router: no adapter registered for provider %q", provider)
	}
	return inv, nil
}

// Providers lists registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		out = append(out, name)
	}
	return out
}
