package jit

/*
typedef void (*fluxgraph_render_entry_fn)(void *);

static void fluxgraph_call_render_entry(void *fn, void *data) {
	((fluxgraph_render_entry_fn)fn)(data);
}
*/
import "C"

import (
	"unsafe"

	"github.com/tinygo-org/go-llvm"
)

// Engine is one JIT-compiled, ready-to-render module. Ownership is
// single-threaded: the runtime hands off exactly one Engine across a
// hot-swap rather than sharing it, so RenderEntry/SetCurrentOutput need no
// locking of their own.
type Engine struct {
	engine llvm.ExecutionEngine

	// ctx and builder are inherited from the Module at Finalize; the
	// execution engine owns machine code compiled from ctx's module, so
	// ctx must outlive it and is released last.
	ctx     llvm.Context
	builder llvm.Builder

	renderEntry unsafe.Pointer

	// currentOutputPtr and emptyArrayPtr are the addresses of the
	// current_output and empty_array globals' own backing storage inside
	// the JITted module (each a pointer-sized cell holding a float*), not
	// the values those globals point to.
	currentOutputPtr unsafe.Pointer
	emptyArrayPtr    unsafe.Pointer

	closed bool
}

func newEngineFinalizer(e *Engine) { e.Close() }

// RenderEntry invokes the compiled render_entry(data_ptr) trampoline.
func (e *Engine) RenderEntry(dataPtr unsafe.Pointer) {
	C.fluxgraph_call_render_entry(e.renderEntry, dataPtr)
}

// SetCurrentOutput repoints the current_output global at frameAddr, the
// start of the interleaved output frame JIT code should write into for the
// next render_entry call (spec §4.6 step 2).
func (e *Engine) SetCurrentOutput(frameAddr unsafe.Pointer) {
	*(*unsafe.Pointer)(e.currentOutputPtr) = frameAddr
}

// BindEmptyArray points the empty_array global at addr, the backing
// storage of the shared zero-length array sentinel. Called once per
// Engine, at Finalize.
func (e *Engine) BindEmptyArray(addr unsafe.Pointer) {
	*(*unsafe.Pointer)(e.emptyArrayPtr) = addr
}

// Close disposes the execution engine and frees its JITted machine code.
// Safe to call more than once; the teacher's Close/Dispose-plus-finalizer
// pattern (see e.g. its cm108.go handle wrapper) is followed here so a
// forgotten Close still reclaims native memory eventually.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.engine.Dispose()
	e.builder.Dispose()
	e.ctx.Dispose()
	return nil
}
