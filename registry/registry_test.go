package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-audio/fluxgraph/ir"
)

func TestAddGetReplace(t *testing.T) {
	r := New()
	fn := &ir.Function{Name: "osc"}
	r.Add(fn)

	got, ok := r.Get("osc")
	require.True(t, ok)
	assert.Same(t, fn, got)

	v1 := r.Version("osc")
	assert.NotZero(t, v1)

	fn2 := &ir.Function{Name: "osc", Inputs: []ir.FunctionInput{{Name: "freq", Type: ir.Float}}}
	r.Replace(fn2)

	got2, ok := r.Get("osc")
	require.True(t, ok)
	assert.Same(t, fn2, got2)
	assert.Greater(t, r.Version("osc"), v1)
}

func TestRemoveAndMissingVersion(t *testing.T) {
	r := New()
	r.Add(&ir.Function{Name: "lag"})
	r.Remove("lag")

	_, ok := r.Get("lag")
	assert.False(t, ok)
	assert.Zero(t, r.Version("lag"))
	assert.Zero(t, r.Version("never-registered"))
}

func TestResetClearsEverything(t *testing.T) {
	r := New()
	r.Add(&ir.Function{Name: "a"})
	r.Add(&ir.Function{Name: "b"})
	require.Len(t, r.All(), 2)

	r.Reset()
	assert.Empty(t, r.All())
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestEpochBumpsOnEveryMutation(t *testing.T) {
	r := New()
	e0 := r.Epoch()
	r.Add(&ir.Function{Name: "a"})
	e1 := r.Epoch()
	assert.Greater(t, e1, e0)

	r.Remove("a")
	assert.Greater(t, r.Epoch(), e1)
}

func TestMathPrefixedNamesAreNotSpecialCased(t *testing.T) {
	r := New()
	r.Add(&ir.Function{Name: "$math_1"})
	fn, ok := r.Get("$math_1")
	require.True(t, ok)
	assert.Equal(t, "$math_1", fn.Name)
}
