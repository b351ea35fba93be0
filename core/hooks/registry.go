// Package hooks runs ordered side-effect steps around entity operations.
//
// Steps come from datatype definitions: a datatype's own hooks plus the
// contributions other datatypes make to it. Each step names an action that
// must be registered in a Registry; the Engine resolves the steps for a
// (type, phase) pair and threads a Context through them in order.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Action is a hook step implementation. It receives the working context and
// returns the context the next step sees.
type Action interface {
	Run(ctx context.Context, hc Context) (Context, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, hc Context) (Context, error)

// Run calls f.
func (f ActionFunc) Run(ctx context.Context, hc Context) (Context, error) {
	return f(ctx, hc)
}

// Registry maps action ids to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Registering an id twice is an error.
func (r *Registry) Register(id string, action Action) error {
	if id == "" {
		return fmt.Errorf("hook action id is required")
	}
	if action == nil {
		return fmt.Errorf("hook action %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[id]; exists {
		return fmt.Errorf("hook action %q already registered", id)
	}
	r.actions[id] = action
	return nil
}

// RegisterFunc adds a function as an action.
func (r *Registry) RegisterFunc(id string, fn func(ctx context.Context, hc Context) (Context, error)) error {
	return r.Register(id, ActionFunc(fn))
}

// Get returns the action registered under id.
func (r *Registry) Get(id string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	return a, ok
}

// Has checks if an action is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the registered action ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
