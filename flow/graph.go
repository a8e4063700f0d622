// Package flow compiles a node-and-edge signal flow graph into the IR body
// of a synthetic, zero-arg top-level function, following spec §4.5.
package flow

// NodeID is a node's stable integer identity; it doubles as the node's
// ir.CallID when the graph is lowered.
type NodeID int32

// Node is one flow-graph instance of a registered function.
type Node struct {
	ID       NodeID
	Function string
	// Meta is an open bag of UI/editor metadata (canvas position, size,
	// whatever else a host wants to keep alongside a node) that this
	// package never interprets.
	Meta map[string]any
}

// Edge connects one node's output to another node's input.
type Edge struct {
	FromNode   NodeID
	FromOutput int
	ToNode     NodeID
	ToInput    int
}

// Graph is a directed multigraph of function-instance nodes. Zero value is
// not useful; construct with NewGraph.
type Graph struct {
	Name  string
	nodes map[NodeID]*Node
	edges []Edge
	next  NodeID
}

// NewGraph creates an empty, named flow graph. The name becomes the
// registered name of the synthetic IR function CompileToIR produces.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, nodes: make(map[NodeID]*Node)}
}

// AddNode creates a new node instantiating function and returns its ID.
func (g *Graph) AddNode(function string, meta map[string]any) NodeID {
	id := g.next
	g.next++
	g.nodes[id] = &Node{ID: id, Function: function, Meta: meta}
	return id
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id NodeID) {
	delete(g.nodes, id)
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.FromNode != id && e.ToNode != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

// Node looks up a node by ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node, in no particular order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Connect adds an edge from (fromNode, fromOutput) to (toNode, toInput),
// unless an identical edge already exists (duplicate-edge suppression,
// matching the original Flow::connect's short-circuit on find_connection).
func (g *Graph) Connect(fromNode NodeID, fromOutput int, toNode NodeID, toInput int) {
	for _, e := range g.edges {
		if e == (Edge{fromNode, fromOutput, toNode, toInput}) {
			return
		}
	}
	g.edges = append(g.edges, Edge{fromNode, fromOutput, toNode, toInput})
}

// Disconnect removes a specific edge, if present.
func (g *Graph) Disconnect(fromNode NodeID, fromOutput int, toNode NodeID, toInput int) {
	target := Edge{fromNode, fromOutput, toNode, toInput}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e != target {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

// edgesInto returns every edge into toNode.
func (g *Graph) edgesInto(toNode NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.ToNode == toNode {
			out = append(out, e)
		}
	}
	return out
}
