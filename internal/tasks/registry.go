package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Callback is the unit of work a task fires. args carries the
// caller-supplied parameters of one-shot tasks; recurring tasks receive
// nil.
type Callback func(ctx context.Context, args map[string]any) error

// Registry maps stable names to in-process callbacks. Definitions
// reference callbacks by name only, so the binding is rebuilt on every
// process start.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Callback
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Callback)}
}

// Register adds or replaces a binding.
func (r *Registry) Register(name string, fn Callback) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.fns[name] = fn
	r.mu.Unlock()
}

// Resolve returns the callback bound to name.
func (r *Registry) Resolve(name string) (Callback, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallback, name)
	}
	return fn, nil
}

// Names returns the registered callback names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
