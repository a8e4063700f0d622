package jit

/*
float fluxgraph_jit_noise(void);
void fluxgraph_jit_debug_log(float v);

static void *fluxgraph_jit_noise_addr(void)     { return (void *)fluxgraph_jit_noise; }
static void *fluxgraph_jit_debug_log_addr(void) { return (void *)fluxgraph_jit_debug_log; }
*/
import "C"
import "unsafe"

// These two exported functions are the actual native symbols the
// execution engine maps the `noise` and `debug_log` externs onto (see
// (*Module) DeclareExterns and (*Module) Finalize). LLVM's MCJIT resolves
// extern declarations to raw function pointers, so the bridge back into Go
// has to go through cgo export rather than a Go closure.

//export fluxgraph_jit_noise
func fluxgraph_jit_noise() C.float {
	if activeEnv == nil || activeEnv.Noise == nil {
		return 0
	}
	return C.float(activeEnv.Noise())
}

//export fluxgraph_jit_debug_log
func fluxgraph_jit_debug_log(v C.float) {
	if activeEnv == nil || activeEnv.DebugLog == nil {
		return
	}
	activeEnv.DebugLog(float32(v))
}

func fluxgraphJitNoiseAddr() unsafe.Pointer {
	return unsafe.Pointer(C.fluxgraph_jit_noise_addr())
}

func fluxgraphJitDebugLogAddr() unsafe.Pointer {
	return unsafe.Pointer(C.fluxgraph_jit_debug_log_addr())
}
