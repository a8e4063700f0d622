package jit

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/layout"
)

// compileStateless builds and finalizes a module from functions with no
// persistent data at all (so DeclareFunction never needs a real layout
// map), in the order given. The last function must be a zero-arg, zero-
// input top level suitable for AppendRenderEntry.
func compileStateless(t *testing.T, topLevel string, fns ...*ir.Function) *Engine {
	t.Helper()
	mod := NewModule("t", 48000)
	mod.DeclareExterns()

	table := make(map[string]*ir.Function, len(fns))
	for _, fn := range fns {
		table[fn.Name] = fn
	}
	for _, fn := range fns {
		mod.DeclareFunction(fn, nil)
	}
	for _, fn := range fns {
		require.NoError(t, mod.BuildFunction(fn, table))
	}
	_, err := mod.AppendRenderEntry(topLevel)
	require.NoError(t, err)

	engine, err := mod.Finalize()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

// TestComparisonAndBoolToFloatInvariant checks spec §4.4's equality
// indicator: ComparisonOp(Eq) composed with BoolToFloat yields 1.0 when
// equal, 0.0 otherwise.
func TestComparisonAndBoolToFloatInvariant(t *testing.T) {
	eqFn := &ir.Function{
		Name:    "eq",
		Inputs:  []ir.FunctionInput{{Name: "a", Type: ir.Float}, {Name: "b", Type: ir.Float}},
		Outputs: []ir.FunctionOutput{{Name: "out", Type: ir.Float}},
		Body: []ir.Instruction{
			ir.ComparisonOp{Dst: 0, Op: ir.Eq, A: ir.OperandArg(0), B: ir.OperandArg(1)},
			ir.BoolToFloat{Dst: 1, Src: ir.OperandVar(0)},
			ir.Store{Dst: ir.TargetFunctionOutput(0), Src: ir.OperandVar(1)},
		},
	}
	driver := &ir.Function{
		Name: "driver",
		Body: []ir.Instruction{
			ir.Call{ID: 0, Callee: "eq", Inputs: []ir.Operand{ir.OperandLiteral(3), ir.OperandLiteral(3)}, Outputs: []ir.VarRef{0}},
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandVar(0)},
			ir.Call{ID: 1, Callee: "eq", Inputs: []ir.Operand{ir.OperandLiteral(3), ir.OperandLiteral(4)}, Outputs: []ir.VarRef{1}},
			ir.Store{Dst: ir.TargetSignalOutput(1), Src: ir.OperandVar(1)},
		},
	}

	engine := compileStateless(t, "driver", eqFn, driver)

	frame := make([]float32, 2)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(nil)

	assert.Equal(t, float32(1), frame[0], "3 == 3 must report 1.0")
	assert.Equal(t, float32(0), frame[1], "3 == 4 must report 0.0")
}

// TestConditionalSelectsThenBranch checks that a Conditional whose Cond is
// true executes Then and skips Else.
func TestConditionalSelectsThenBranch(t *testing.T) {
	fn := &ir.Function{
		Name: "driver",
		Body: []ir.Instruction{
			ir.AllocLocal{Local: 0},
			ir.Store{Dst: ir.TargetLocal(0), Src: ir.OperandLiteral(0)},
			ir.ComparisonOp{Dst: 0, Op: ir.Gt, A: ir.OperandLiteral(5), B: ir.OperandLiteral(1)},
			ir.Conditional{
				Cond: 0,
				Then: []ir.Instruction{
					ir.Store{Dst: ir.TargetLocal(0), Src: ir.OperandLiteral(9)},
				},
				Else: []ir.Instruction{
					ir.Store{Dst: ir.TargetLocal(0), Src: ir.OperandLiteral(-9)},
				},
			},
			ir.Load{Dst: 1, Src: ir.SourceLocal(0)},
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandVar(1)},
		},
	}

	engine := compileStateless(t, "driver", fn)

	frame := make([]float32, 1)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(nil)

	assert.Equal(t, float32(9), frame[0])
}

// TestBinaryOpArithmetic exercises Add, Sub, Mul and Div in one pass.
func TestBinaryOpArithmetic(t *testing.T) {
	fn := &ir.Function{
		Name: "driver",
		Body: []ir.Instruction{
			ir.BinaryOp{Dst: 0, Op: ir.Add, A: ir.OperandLiteral(2), B: ir.OperandLiteral(3)},
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandVar(0)},
			ir.BinaryOp{Dst: 1, Op: ir.Sub, A: ir.OperandLiteral(5), B: ir.OperandLiteral(2)},
			ir.Store{Dst: ir.TargetSignalOutput(1), Src: ir.OperandVar(1)},
			ir.BinaryOp{Dst: 2, Op: ir.Mul, A: ir.OperandLiteral(4), B: ir.OperandLiteral(2.5)},
			ir.Store{Dst: ir.TargetSignalOutput(2), Src: ir.OperandVar(2)},
			ir.BinaryOp{Dst: 3, Op: ir.Div, A: ir.OperandLiteral(9), B: ir.OperandLiteral(2)},
			ir.Store{Dst: ir.TargetSignalOutput(3), Src: ir.OperandVar(3)},
		},
	}

	engine := compileStateless(t, "driver", fn)

	frame := make([]float32, 4)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(nil)

	assert.Equal(t, float32(5), frame[0])
	assert.Equal(t, float32(3), frame[1])
	assert.Equal(t, float32(10), frame[2])
	assert.Equal(t, float32(4.5), frame[3])
}

// TestSampleRateConstantIsBaked verifies Constant(SampleRate) resolves to
// the value passed to NewModule.
func TestSampleRateConstantIsBaked(t *testing.T) {
	fn := &ir.Function{
		Name: "driver",
		Body: []ir.Instruction{
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandConstant(ir.SampleRate)},
		},
	}

	mod := NewModule("t", 44100)
	mod.DeclareExterns()
	mod.DeclareFunction(fn, nil)
	require.NoError(t, mod.BuildFunction(fn, map[string]*ir.Function{"driver": fn}))
	_, err := mod.AppendRenderEntry("driver")
	require.NoError(t, err)
	engine, err := mod.Finalize()
	require.NoError(t, err)
	defer engine.Close()

	frame := make([]float32, 1)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(nil)

	assert.Equal(t, float32(44100), frame[0])
}

func TestAppendRenderEntryUnknownTopLevelIsError(t *testing.T) {
	mod := NewModule("t", 48000)
	mod.DeclareExterns()
	_, err := mod.AppendRenderEntry("nope")
	require.Error(t, err)
	var ce *ir.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.UnknownFunction, ce.Kind)
}

func TestBuildFunctionUnknownNameIsError(t *testing.T) {
	mod := NewModule("t", 48000)
	mod.DeclareExterns()
	err := mod.BuildFunction(&ir.Function{Name: "never_declared"}, nil)
	require.Error(t, err)
}

// TestILoadIStoreLenRoundTrip is spec §8's array invariant: IStore then
// ILoad at the same index round-trips, and Len reports the length prefix,
// both indexed one element past that prefix (spec §4.4 step 4(m)).
func TestILoadIStoreLenRoundTrip(t *testing.T) {
	fn := &ir.Function{
		Name: "arrtest",
		Data: []ir.DataItem{{Name: "buf", Type: ir.ArrayRef}},
		Body: []ir.Instruction{
			ir.Load{Dst: 0, Src: ir.SourceData(0)},
			ir.IStore{Array: ir.OperandVar(0), Index: ir.OperandLiteral(2), Value: ir.OperandLiteral(42)},
			ir.Load{Dst: 1, Src: ir.SourceData(0)},
			ir.ILoad{Dst: 2, Array: ir.OperandVar(1), Index: ir.OperandLiteral(2)},
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandVar(2)},
			ir.Load{Dst: 3, Src: ir.SourceData(0)},
			ir.Len{Dst: 4, Array: ir.OperandVar(3)},
			ir.Store{Dst: ir.TargetSignalOutput(1), Src: ir.OperandVar(4)},
		},
	}

	fl := &layout.FunctionLayout{OwnItems: []uint32{0}, TotalSize: 8}
	layouts := map[string]*layout.FunctionLayout{"arrtest": fl}

	mod := NewModule("t", 48000)
	mod.DeclareExterns()
	mod.DeclareFunction(fn, layouts)
	require.NoError(t, mod.BuildFunction(fn, map[string]*ir.Function{"arrtest": fn}))
	_, err := mod.AppendRenderEntry("arrtest")
	require.NoError(t, err)
	engine, err := mod.Finalize()
	require.NoError(t, err)
	defer engine.Close()

	encoded := ir.EncodeArray(make([]float32, 5))
	data := make([]byte, 8)
	*(*unsafe.Pointer)(unsafe.Pointer(&data[0])) = unsafe.Pointer(&encoded[0])

	frame := make([]float32, 2)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(unsafe.Pointer(&data[0]))

	assert.Equal(t, float32(42), frame[0], "ILoad must read back what IStore wrote at the same index")
	assert.Equal(t, float32(5), frame[1], "Len must report the encoded length prefix")
	assert.Equal(t, float32(42), ir.ArraySamples(encoded)[2], "IStore must have written through to the backing array")
}

// TestNoiseBuiltinCallsRuntimeEnv verifies a Call to the noise builtin
// resolves to the runtime extern rather than a registered function.
func TestNoiseBuiltinCallsRuntimeEnv(t *testing.T) {
	prev := activeEnv
	t.Cleanup(func() { activeEnv = prev })
	Bind(&RuntimeEnv{Noise: func() float32 { return 0.25 }})

	fn := &ir.Function{
		Name: "driver",
		Body: []ir.Instruction{
			ir.Call{ID: 0, Callee: ir.NoiseFunction, Outputs: []ir.VarRef{0}},
			ir.Store{Dst: ir.TargetSignalOutput(0), Src: ir.OperandVar(0)},
		},
	}

	engine := compileStateless(t, "driver", fn)

	frame := make([]float32, 1)
	engine.SetCurrentOutput(unsafe.Pointer(&frame[0]))
	engine.RenderEntry(nil)

	assert.Equal(t, float32(0.25), frame[0])
}
