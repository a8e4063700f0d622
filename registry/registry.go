// Package registry stores IR functions by name and tracks per-name
// versions so dependents (package deps) can invalidate memoized results
// when a function is replaced or removed.
package registry

import (
	"sync"

	"github.com/fenwick-audio/fluxgraph/ir"
)

// Registry is a name -> *ir.Function store. It is safe for concurrent use;
// in practice only the control thread ever mutates it (spec §5), but the
// RWMutex costs nothing on the read-mostly lookup path used by the JIT and
// flow compiler.
//
// Names beginning with "$math" denote compiler-generated functions from an
// out-of-scope math-expression parser; the registry does not special-case
// them in any way, matching spec §4.1.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*ir.Function
	versions map[string]uint64
	epoch    uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName:   make(map[string]*ir.Function),
		versions: make(map[string]uint64),
	}
}

// Add registers a new function. It is equivalent to Replace.
func (r *Registry) Add(fn *ir.Function) { r.Replace(fn) }

// Replace installs fn under its own name, replacing any existing function
// of the same name and bumping its version.
func (r *Registry) Replace(fn *ir.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.byName[fn.Name] = fn
	r.versions[fn.Name] = r.epoch
}

// Remove deletes a function by name, if present, and bumps the registry
// epoch so that any active-set snapshot naming it is understood to be
// stale.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	delete(r.versions, name)
	r.epoch++
}

// Reset clears every registered function (the context_reset bus command).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*ir.Function)
	r.versions = make(map[string]uint64)
	r.epoch++
}

// Get looks up a function by name.
func (r *Registry) Get(name string) (*ir.Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byName[name]
	return fn, ok
}

// All returns every registered function, in no particular order.
func (r *Registry) All() []*ir.Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ir.Function, 0, len(r.byName))
	for _, fn := range r.byName {
		out = append(out, fn)
	}
	return out
}

// Version returns the per-name version counter used by package deps to
// invalidate memoized dependency/active-set results. A function not
// currently registered has version 0, which never matches a live memo
// entry (epochs start at 1).
func (r *Registry) Version(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[name]
}

// Epoch returns the registry-wide mutation counter, bumped on every
// Add/Replace/Remove/Reset.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}
