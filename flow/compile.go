package flow

import (
	"fmt"
	"sort"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/registry"
)

// varAlloc hands out fresh VarRefs within one CompileToIR call.
type varAlloc struct{ next ir.VarRef }

func (a *varAlloc) fresh() ir.VarRef {
	v := a.next
	a.next++
	return v
}

// outputKey identifies one (node, output index) pair's producer value.
type outputKey struct {
	node NodeID
	out  int
}

// CompileToIR lowers g into the body of a synthetic zero-arg, zero-output
// IR function named after the graph, per spec §4.5. reg is used to look up
// each node's function (for arity, declared inputs and their default
// policies, and lag_value).
func CompileToIR(g *Graph, reg *registry.Registry) (*ir.Function, error) {
	order, err := topoSort(g, reg)
	if err != nil {
		return nil, err
	}

	var body []ir.Instruction
	va := &varAlloc{}
	produced := make(map[outputKey]ir.VarRef)

	for _, id := range order {
		node := g.nodes[id]
		fn, ok := resolveNodeFunction(reg, node.Function)
		if !ok {
			return nil, &ir.CompileError{Kind: ir.UnknownFunction, Function: node.Function, Detail: fmt.Sprintf("flow node %d references an unregistered function", id)}
		}

		inputs := make([]ir.Operand, fn.Arity())
		supplied := make([]bool, fn.Arity())
		for _, e := range g.edgesInto(id) {
			if e.ToInput < 0 || e.ToInput >= fn.Arity() {
				continue
			}
			srcNode := g.nodes[e.FromNode]
			srcFn, ok := resolveNodeFunction(reg, srcNode.Function)
			if !ok {
				return nil, &ir.CompileError{Kind: ir.UnknownFunction, Function: srcNode.Function}
			}
			if srcFn.IsLag() {
				v := va.fresh()
				body = append(body, ir.Load{
					Dst: v,
					Src: ir.SourceLastValue(ir.CallID(e.FromNode), srcNode.Function, *srcFn.LagValue),
				})
				inputs[e.ToInput] = ir.OperandVar(v)
				supplied[e.ToInput] = true
				continue
			}
			if v, ok := produced[outputKey{e.FromNode, e.FromOutput}]; ok {
				inputs[e.ToInput] = ir.OperandVar(v)
				supplied[e.ToInput] = true
			}
		}

		skipCall := false
		for i := 0; i < fn.Arity(); i++ {
			if supplied[i] {
				continue
			}
			switch fn.Inputs[i].Default.Kind {
			case ir.DefaultValue:
				inputs[i] = ir.OperandLiteral(fn.Inputs[i].Default.Value)
			case ir.DefaultNormal:
				if i == 0 {
					return nil, &ir.CompileError{Kind: ir.InvalidArity, Function: node.Function, Detail: "Normal default on input 0 has nothing to duplicate"}
				}
				inputs[i] = inputs[i-1]
			case ir.DefaultEmptyArray:
				inputs[i] = ir.OperandConstant(ir.EmptyArrayConst)
			case ir.DefaultSkip:
				if !fn.IsLag() {
					return nil, &ir.CompileError{Kind: ir.InvalidArity, Function: node.Function, Detail: "Skip default is only valid on a lag function's own input"}
				}
				skipCall = true
			}
		}
		if skipCall {
			continue
		}

		outputs := make([]ir.VarRef, len(fn.Outputs))
		for i := range fn.Outputs {
			v := va.fresh()
			outputs[i] = v
			produced[outputKey{id, i}] = v
		}

		body = append(body, ir.Call{
			ID:      ir.CallID(id),
			Callee:  node.Function,
			Inputs:  inputs,
			Outputs: outputs,
		})
	}

	return &ir.Function{Name: g.Name, Body: body}, nil
}

// noiseDecl is the signature of the runtime's noise builtin, which has no
// registry entry.
var noiseDecl = &ir.Function{
	Name:    ir.NoiseFunction,
	Outputs: []ir.FunctionOutput{{Name: "v", Type: ir.Float}},
}

func resolveNodeFunction(reg *registry.Registry, name string) (*ir.Function, bool) {
	if fn, ok := reg.Get(name); ok {
		return fn, true
	}
	if name == ir.NoiseFunction {
		return noiseDecl, true
	}
	return nil, false
}

// topoSort computes a Kahn's-algorithm topological order over the
// lag-filtered view of g: every outgoing edge of a lag node (a node whose
// function declares a lag_value) is dropped first, which breaks any cycle
// that routes through persistent state — the only kind of cycle this
// graph format allows, since a lag-sourced input is read via LastValue
// rather than a same-sample edge. A cycle surviving that cut is a compile
// error.
func topoSort(g *Graph, reg *registry.Registry) ([]NodeID, error) {
	indegree := make(map[NodeID]int, len(g.nodes))
	adj := make(map[NodeID][]NodeID, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}

	for _, e := range g.edges {
		srcNode, ok := g.nodes[e.FromNode]
		if !ok {
			continue
		}
		if srcFn, ok := reg.Get(srcNode.Function); ok && srcFn.IsLag() {
			continue // lag-sourced edges are read via LastValue, not topological order
		}
		adj[e.FromNode] = append(adj[e.FromNode], e.ToNode)
		indegree[e.ToNode]++
	}

	var queue []NodeID
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	var order []NodeID
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		next := append([]NodeID(nil), adj[n]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, m := range next {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &ir.CompileError{Kind: ir.InvalidDataLayout, Function: g.Name, Detail: "flow graph contains a cycle with no lag node breaking it"}
	}
	return order, nil
}
