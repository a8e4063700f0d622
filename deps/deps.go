// Package deps computes the direct and transitive call dependencies of an
// IR function, and the active-set a root function pulls in. Results are
// memoized against the registry's per-name version counters, so a rebuild
// only recomputes a function's dependency list once it actually changes.
package deps

import (
	"sort"
	"sync"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/registry"
)

// Resolver computes and caches dependency information over a registry.
type Resolver struct {
	reg *registry.Registry

	mu     sync.Mutex
	memo   map[string]directEntry
	active map[string]activeEntry
}

type directEntry struct {
	version uint64
	names   []string
}

type activeEntry struct {
	epoch uint64
	order []string // callees-first topological order, root last
}

// New creates a Resolver over reg.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{
		reg:    reg,
		memo:   make(map[string]directEntry),
		active: make(map[string]activeEntry),
	}
}

// Direct returns the set of distinct function names a function directly
// depends on, found by walking every Call instruction and every
// Load(LastValue) source (recursing into Conditional branches, since a
// call inside an if/else is still a direct dependency) in its body. A
// LastValue read counts even when no Call to the same site survives —
// a Skip-elided lag call still needs its callee's data block laid out.
// The result is memoized against the function's registry version.
func (r *Resolver) Direct(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.directLocked(name)
}

func (r *Resolver) directLocked(name string) []string {
	fn, ok := r.reg.Get(name)
	if !ok {
		return nil
	}
	v := r.reg.Version(name)
	if e, ok := r.memo[name]; ok && e.version == v {
		return e.names
	}

	seen := make(map[string]bool)
	var order []string
	var walk func(body []ir.Instruction)
	walk = func(body []ir.Instruction) {
		for _, inst := range body {
			switch i := inst.(type) {
			case ir.Call:
				if i.Callee == ir.NoiseFunction {
					continue // runtime builtin, not a registry dependency
				}
				if !seen[i.Callee] {
					seen[i.Callee] = true
					order = append(order, i.Callee)
				}
			case ir.Load:
				if _, callee, _, ok := i.Src.AsLastValue(); ok && !seen[callee] {
					seen[callee] = true
					order = append(order, callee)
				}
			case ir.Conditional:
				walk(i.Then)
				walk(i.Else)
			}
		}
	}
	walk(fn.Body)

	r.memo[name] = directEntry{version: v, names: order}
	return order
}

// ActiveSet returns the transitive closure of root's call dependencies, in
// callees-first topological order (each name appears only after every
// function it calls), with root itself last. A cycle (other than the
// self-referential lag pattern, which never appears as a Call since a lag
// value is read via LastValue rather than invoked) is broken by visiting
// each name at most once; the order among mutually-reachable siblings is
// otherwise stable by first-discovery.
//
// The result is memoized against the registry's global epoch: any
// Add/Replace/Remove/Reset invalidates every cached active set, since a
// change anywhere in the call graph can in principle affect any root's
// closure.
func (r *Resolver) ActiveSet(root string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	epoch := r.reg.Epoch()
	if e, ok := r.active[root]; ok && e.epoch == epoch {
		return e.order
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var order []string
	var visit func(name string)
	visit = func(name string) {
		if visited[name] || visiting[name] {
			return
		}
		visiting[name] = true
		for _, dep := range r.directLocked(name) {
			visit(dep)
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
	}
	visit(root)

	r.active[root] = activeEntry{epoch: epoch, order: order}
	return order
}

// Missing reports every name transitively called from root that has no
// registry entry, sorted for deterministic error reporting.
func (r *Resolver) Missing(root string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var missing []string
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fn, ok := r.reg.Get(name)
		if !ok {
			missing = append(missing, name)
			return
		}
		for _, dep := range r.directLocked(fn.Name) {
			walk(dep)
		}
	}
	walk(root)

	sort.Strings(missing)
	return missing
}
