package deps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/registry"
)

func callFn(name string, id ir.CallID, callee string) *ir.Function {
	return &ir.Function{
		Name: name,
		Body: []ir.Instruction{
			ir.Call{ID: id, Callee: callee},
		},
	}
}

func TestDirectFindsCallsInsideConditionals(t *testing.T) {
	r := registry.New()
	fn := &ir.Function{
		Name: "root",
		Body: []ir.Instruction{
			ir.Conditional{
				Cond: 0,
				Then: []ir.Instruction{ir.Call{ID: 1, Callee: "then_fn"}},
				Else: []ir.Instruction{ir.Call{ID: 2, Callee: "else_fn"}},
			},
			ir.Call{ID: 3, Callee: "direct_fn"},
		},
	}
	r.Add(fn)

	d := New(r)
	assert.ElementsMatch(t, []string{"then_fn", "else_fn", "direct_fn"}, d.Direct("root"))
}

func TestDirectDedupesRepeatedCallees(t *testing.T) {
	r := registry.New()
	fn := &ir.Function{
		Name: "root",
		Body: []ir.Instruction{
			ir.Call{ID: 1, Callee: "osc"},
			ir.Call{ID: 2, Callee: "osc"},
		},
	}
	r.Add(fn)
	d := New(r)
	assert.Equal(t, []string{"osc"}, d.Direct("root"))
}

func TestActiveSetIsCalleesFirst(t *testing.T) {
	r := registry.New()
	r.Add(callFn("root", 1, "mid"))
	r.Add(callFn("mid", 2, "leaf"))
	r.Add(&ir.Function{Name: "leaf"})

	d := New(r)
	order := d.ActiveSet("root")
	require.Equal(t, []string{"leaf", "mid", "root"}, order)
}

func TestActiveSetMemoizationInvalidatesOnChange(t *testing.T) {
	r := registry.New()
	r.Add(callFn("root", 1, "a"))
	r.Add(&ir.Function{Name: "a"})

	d := New(r)
	order1 := d.ActiveSet("root")
	assert.Equal(t, []string{"a", "root"}, order1)

	// Replacing "a" to now call "b" should invalidate the memoized active
	// set (keyed on the registry's global epoch), even though "root"
	// itself was never touched.
	r.Add(callFn("a", 1, "b"))
	r.Add(&ir.Function{Name: "b"})

	order2 := d.ActiveSet("root")
	assert.Equal(t, []string{"b", "a", "root"}, order2)
}

func TestDirectMemoizationInvalidatesOnVersionBump(t *testing.T) {
	r := registry.New()
	r.Add(callFn("root", 1, "a"))
	d := New(r)
	assert.Equal(t, []string{"a"}, d.Direct("root"))

	r.Add(callFn("root", 1, "b"))
	assert.Equal(t, []string{"b"}, d.Direct("root"))
}

func TestMissingReportsUnregisteredTransitiveCallees(t *testing.T) {
	r := registry.New()
	r.Add(callFn("root", 1, "mid"))
	r.Add(callFn("mid", 2, "ghost"))

	d := New(r)
	assert.Equal(t, []string{"ghost"}, d.Missing("root"))
}

func TestMissingRootItself(t *testing.T) {
	r := registry.New()
	d := New(r)
	assert.Equal(t, []string{"no_such_root"}, d.Missing("no_such_root"))
}

func TestDirectIncludesLastValueReads(t *testing.T) {
	r := registry.New()
	fn := &ir.Function{
		Name: "root",
		Body: []ir.Instruction{
			// A Skip-elided lag call leaves only the LastValue read behind;
			// the lag function is still a direct dependency.
			ir.Load{Dst: 0, Src: ir.SourceLastValue(ir.CallID(4), "lag", 0)},
			ir.Call{ID: 1, Callee: "osc"},
		},
	}
	r.Add(fn)

	d := New(r)
	assert.ElementsMatch(t, []string{"lag", "osc"}, d.Direct("root"))
}

func TestNoiseBuiltinIsNotADependency(t *testing.T) {
	r := registry.New()
	r.Add(&ir.Function{
		Name: "root",
		Body: []ir.Instruction{ir.Call{ID: 0, Callee: ir.NoiseFunction}},
	})

	d := New(r)
	assert.Empty(t, d.Direct("root"))
	assert.Empty(t, d.Missing("root"))
	assert.Equal(t, []string{"root"}, d.ActiveSet("root"))
}
