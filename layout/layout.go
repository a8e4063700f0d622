// Package layout computes the flat, offset-based data memory plan for an
// IR function and everything it transitively calls, following the
// callees-first algorithm of the original Rust data-layout planner
// (wisp_runner/src/compiler/data_layout.rs): a function's own persistent
// data items come first, then one sub-block per call site in ascending
// CallID order holding that callee's full (already-computed) layout.
package layout

import (
	"sort"

	"github.com/fenwick-audio/fluxgraph/deps"
	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/registry"
)

// SlotSize is the width in bytes of one data slot: a float32 bit pattern
// zero-extended into the low 32 bits of a uint64, or a raw 64-bit array
// pointer, whichever the slot's declared DataType calls for.
const SlotSize = 8

// FunctionLayout is the computed data memory plan for a single function.
type FunctionLayout struct {
	Name string

	// OwnItems maps this function's own DataItem index to its byte offset
	// within the function's data block.
	OwnItems []uint32

	// Children maps each stateful call site's CallID to the callee's
	// layout and the byte offset at which that callee's data block begins
	// within this function's data block. A callee with a zero total size
	// reserves nothing and does not appear here.
	Children map[ir.CallID]ChildBlock

	// TotalSize is the size in bytes of this function's entire data block,
	// including every descendant's sub-block.
	TotalSize uint32
}

// ChildBlock records where one call site's callee sub-block lives.
type ChildBlock struct {
	Callee *FunctionLayout
	Offset uint32
}

// Planner computes FunctionLayouts over a registry, walking the active set
// from the same dependency resolver used elsewhere. It keeps no cache of
// its own: every Plan call recomputes the layouts of the whole active set.
type Planner struct {
	reg  *registry.Registry
	deps *deps.Resolver
}

// New creates a Planner.
func New(reg *registry.Registry, resolver *deps.Resolver) *Planner {
	return &Planner{reg: reg, deps: resolver}
}

// Plan computes the full layout for root, computing every callee's layout
// first (callees-first order, per the active set) and then root's own
// block on top.
func (p *Planner) Plan(root string) (*FunctionLayout, error) {
	order := p.deps.ActiveSet(root)
	layouts := make(map[string]*FunctionLayout, len(order))
	for _, name := range order {
		fn, ok := p.reg.Get(name)
		if !ok {
			return nil, &ir.RuntimeError{Kind: ir.MissingFunction, Name: name}
		}
		layouts[name] = p.planOne(fn, layouts)
	}
	return layouts[root], nil
}

func (p *Planner) planOne(fn *ir.Function, layouts map[string]*FunctionLayout) *FunctionLayout {
	fl := &FunctionLayout{
		Name:     fn.Name,
		OwnItems: make([]uint32, len(fn.Data)),
		Children: make(map[ir.CallID]ChildBlock),
	}

	var offset uint32
	for i := range fn.Data {
		fl.OwnItems[i] = offset
		offset += SlotSize
	}

	sites := collectCallSites(fn.Body)
	sort.Slice(sites, func(i, j int) bool { return sites[i].id < sites[j].id })
	for _, site := range sites {
		callee, ok := layouts[site.callee]
		if !ok {
			continue // unresolved callee; caller (Plan) already surfaced the error
		}
		if callee.TotalSize == 0 {
			continue // stateless callee reserves no sub-block and takes no data pointer
		}
		fl.Children[site.id] = ChildBlock{Callee: callee, Offset: offset}
		offset += callee.TotalSize
	}

	fl.TotalSize = offset
	return fl
}

type callSite struct {
	id     ir.CallID
	callee string
}

// collectCallSites gathers every call site of a body, from Call
// instructions and from Load(LastValue) sources alike. The latter matters
// when a lag node's call was Skip-elided: the LastValue read survives and
// still needs the callee's sub-block reserved at that call id.
func collectCallSites(body []ir.Instruction) []callSite {
	seen := make(map[ir.CallID]bool)
	var out []callSite
	var walk func(body []ir.Instruction)
	walk = func(body []ir.Instruction) {
		for _, inst := range body {
			switch i := inst.(type) {
			case ir.Call:
				if !seen[i.ID] {
					seen[i.ID] = true
					out = append(out, callSite{id: i.ID, callee: i.Callee})
				}
			case ir.Load:
				if call, callee, _, ok := i.Src.AsLastValue(); ok && !seen[call] {
					seen[call] = true
					out = append(out, callSite{id: call, callee: callee})
				}
			case ir.Conditional:
				walk(i.Then)
				walk(i.Else)
			}
		}
	}
	walk(body)
	return out
}

// OwnOffset returns the byte offset of fn's own data item idx within fl's
// block.
func (fl *FunctionLayout) OwnOffset(idx ir.DataRef) uint32 {
	return fl.OwnItems[idx]
}

// ChildOffset returns the byte offset at which call site id's sub-block
// begins, and that callee's own layout.
func (fl *FunctionLayout) ChildOffset(id ir.CallID) (ChildBlock, bool) {
	cb, ok := fl.Children[id]
	return cb, ok
}
