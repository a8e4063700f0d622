// Package jit lowers IR functions to LLVM IR via github.com/tinygo-org/go-llvm
// and JIT-compiles them to native code, following spec §4.4.
package jit

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinygo-org/go-llvm"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/layout"
)

var (
	nativeOnce sync.Once
	nativeErr  error
)

// initNative links in MCJIT and initializes the host target, once per
// process. LLVM refuses to create an execution engine before this has
// happened.
func initNative() error {
	nativeOnce.Do(func() {
		llvm.LinkInMCJIT()
		if err := llvm.InitializeNativeTarget(); err != nil {
			nativeErr = err
			return
		}
		nativeErr = llvm.InitializeNativeAsmPrinter()
	})
	return nativeErr
}

// Module is a single compilation unit: one function is declared and built
// per active-set member, then an entry trampoline is appended and the
// whole thing handed to Finalize for JITting.
type Module struct {
	ctx        llvm.Context
	mod        llvm.Module
	builder    llvm.Builder
	sampleRate float32

	floatTy llvm.Type
	i32Ty   llvm.Type
	i1Ty    llvm.Type
	i8Ty    llvm.Type
	ptrTy   llvm.Type // pointer to float: array values, current_output, empty_array
	dataTy  llvm.Type // pointer to i8: a function's opaque persistent-data block

	noiseFn        llvm.Value
	noiseFnTy      llvm.Type
	debugLogFn     llvm.Value
	debugLogFnTy   llvm.Type
	truncFn        llvm.Value
	truncFnTy      llvm.Type
	currentOutputG llvm.Value
	emptyArrayG    llvm.Value

	fns     map[string]llvm.Value
	fnTypes map[string]llvm.Type
	layouts map[string]*layout.FunctionLayout
}

// NewModule creates a fresh LLVM context and module named name. sampleRate
// is baked in as the value of the Constant(SampleRate) operand; a hot-swap
// that changes the configured sample rate recompiles a fresh module.
func NewModule(name string, sampleRate float32) *Module {
	ctx := llvm.NewContext()
	m := &Module{
		ctx:        ctx,
		mod:        ctx.NewModule(name),
		builder:    ctx.NewBuilder(),
		sampleRate: sampleRate,
		floatTy:    ctx.FloatType(),
		i32Ty:      ctx.Int32Type(),
		i1Ty:       ctx.Int1Type(),
		i8Ty:       ctx.Int8Type(),
		fns:        make(map[string]llvm.Value),
		fnTypes:    make(map[string]llvm.Type),
		layouts:    make(map[string]*layout.FunctionLayout),
	}
	m.ptrTy = llvm.PointerType(m.floatTy, 0)
	m.dataTy = llvm.PointerType(m.i8Ty, 0)
	return m
}

// Dispose releases the underlying LLVM context and builder. Call it only
// when Finalize was never reached (a declare/build error aborted the
// compile); a successful Finalize transfers ownership of both to the
// returned Engine, whose Close releases them after the execution engine.
func (m *Module) Dispose() {
	m.builder.Dispose()
	m.ctx.Dispose()
}

// DeclareExterns declares the two runtime externs (`noise`, `debug_log`)
// and the two runtime globals (`current_output`, `empty_array`) that
// JIT-emitted code references, per spec §4.4 step 2.
func (m *Module) DeclareExterns() {
	m.noiseFnTy = llvm.FunctionType(m.floatTy, nil, false)
	m.noiseFn = llvm.AddFunction(m.mod, "fluxgraph_jit_noise", m.noiseFnTy)

	m.debugLogFnTy = llvm.FunctionType(m.ctx.VoidType(), []llvm.Type{m.floatTy}, false)
	m.debugLogFn = llvm.AddFunction(m.mod, "fluxgraph_jit_debug_log", m.debugLogFnTy)

	m.truncFnTy = llvm.FunctionType(m.floatTy, []llvm.Type{m.floatTy}, false)
	m.truncFn = llvm.AddFunction(m.mod, "llvm.trunc.f32", m.truncFnTy)

	m.currentOutputG = llvm.AddGlobal(m.mod, m.ptrTy, "current_output")
	m.currentOutputG.SetInitializer(llvm.ConstNull(m.ptrTy))

	m.emptyArrayG = llvm.AddGlobal(m.mod, m.ptrTy, "empty_array")
	m.emptyArrayG.SetInitializer(llvm.ConstNull(m.ptrTy))
}

// DeclareFunction declares fn's signature per the convention of spec §4.4
// step 3: a leading data pointer iff fn has a layout, then its declared
// inputs (float or array pointer), returning its single output's type or
// void.
func (m *Module) DeclareFunction(fn *ir.Function, layouts map[string]*layout.FunctionLayout) llvm.Value {
	m.layouts[fn.Name] = layouts[fn.Name]

	var params []llvm.Type
	if m.hasDataParam(fn.Name) {
		params = append(params, m.dataTy)
	}
	for _, in := range fn.Inputs {
		params = append(params, m.typeOf(in.Type))
	}

	retTy := m.ctx.VoidType()
	if len(fn.Outputs) > 0 {
		retTy = m.typeOf(fn.Outputs[0].Type)
	}

	fnTy := llvm.FunctionType(retTy, params, false)
	llvmFn := llvm.AddFunction(m.mod, fn.Name, fnTy)
	m.fns[fn.Name] = llvmFn
	m.fnTypes[fn.Name] = fnTy
	return llvmFn
}

func (m *Module) typeOf(t ir.DataType) llvm.Type {
	if t == ir.ArrayRef {
		return m.ptrTy
	}
	return m.floatTy
}

// hasDataParam reports whether fn's declared signature carries a leading
// data pointer: it does iff fn (or something it calls) owns at least one
// persistent data slot.
func (m *Module) hasDataParam(name string) bool {
	fl := m.layouts[name]
	return fl != nil && fl.TotalSize > 0
}

// AppendRenderEntry emits `render_entry(data*)`, a void trampoline that
// calls topLevel's compiled function with the root data pointer (spec §4.4
// step 5).
func (m *Module) AppendRenderEntry(topLevel string) (llvm.Value, error) {
	callee, ok := m.fns[topLevel]
	if !ok {
		return llvm.Value{}, &ir.CompileError{Kind: ir.UnknownFunction, Function: topLevel}
	}

	entryTy := llvm.FunctionType(m.ctx.VoidType(), []llvm.Type{m.dataTy}, false)
	entry := llvm.AddFunction(m.mod, "render_entry", entryTy)
	block := llvm.AddBasicBlock(entry, "entry")
	m.builder.SetInsertPointAtEnd(block)

	var args []llvm.Value
	if m.hasDataParam(topLevel) {
		args = append(args, entry.Param(0))
	}
	m.builder.CreateCall(m.fnTypes[topLevel], callee, args, "")
	m.builder.CreateRetVoid()
	return entry, nil
}

// Finalize runs a minimal optimization pipeline (promote-memory-to-
// registers, at minimum) and creates an MCJIT execution engine over the
// module, installing the extern/global mappings and resolving
// render_entry's native address.
func (m *Module) Finalize() (*Engine, error) {
	if err := initNative(); err != nil {
		return nil, &ir.CompileError{Kind: ir.InitExecutionEngineFailed, Detail: err.Error()}
	}
	if err := llvm.VerifyModule(m.mod, llvm.ReturnStatusAction); err != nil {
		return nil, &ir.CompileError{Kind: ir.BuildFailed, Detail: err.Error()}
	}

	triple := llvm.DefaultTargetTriple()
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		return nil, &ir.CompileError{Kind: ir.InitExecutionEngineFailed, Detail: err.Error()}
	}
	tm := target.CreateTargetMachine(triple, "", "",
		llvm.CodeGenLevelDefault, llvm.RelocDefault, llvm.CodeModelJITDefault)
	defer tm.Dispose()

	pbo := llvm.NewPassBuilderOptions()
	defer pbo.Dispose()
	if err := m.mod.RunPasses("mem2reg,instcombine", tm, pbo); err != nil {
		return nil, &ir.CompileError{Kind: ir.BuildFailed, Detail: err.Error()}
	}

	opts := llvm.NewMCJITCompilerOptions()
	opts.SetMCJITOptimizationLevel(2)
	engine, err := llvm.NewMCJITCompiler(m.mod, opts)
	if err != nil {
		return nil, &ir.CompileError{Kind: ir.InitExecutionEngineFailed, Detail: err.Error()}
	}

	engine.AddGlobalMapping(m.noiseFn, fluxgraphJitNoiseAddr())
	engine.AddGlobalMapping(m.debugLogFn, fluxgraphJitDebugLogAddr())

	renderFn := m.mod.NamedFunction("render_entry")
	if renderFn.IsNil() {
		return nil, &ir.CompileError{Kind: ir.NoMainFunction, Detail: "render_entry was not appended"}
	}
	addr := engine.PointerToGlobal(renderFn)

	e := &Engine{
		engine:           engine,
		ctx:              m.ctx,
		builder:          m.builder,
		renderEntry:      addr,
		currentOutputPtr: engine.PointerToGlobal(m.currentOutputG),
		emptyArrayPtr:    engine.PointerToGlobal(m.emptyArrayG),
	}
	e.BindEmptyArray(unsafe.Pointer(&ir.EmptyArray[0]))
	runtime.SetFinalizer(e, newEngineFinalizer)
	return e, nil
}

func unknownFunctionErr(name string) error {
	return &ir.CompileError{Kind: ir.UnknownFunction, Function: name, Detail: fmt.Sprintf("%q is not declared in this module", name)}
}
