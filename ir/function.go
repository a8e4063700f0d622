package ir

// NoiseFunction is the name of the runtime-provided builtin: a zero-input,
// single-float-output noise source the JIT resolves to an extern rather
// than a registered IR function. It never appears in the registry, carries
// no persistent data, and is excluded from dependency closures.
const NoiseFunction = "noise"

// Function is a named, immutable IR function: an ordered input list, an
// ordered output list, an ordered persistent-data-item list, and a body.
// Functions are registered by name (see package registry); rebuilding a
// function means replacing the whole record, never mutating it in place.
type Function struct {
	Name   string
	Inputs []FunctionInput
	// LagValue, when set, names the data item holding this function's
	// previous-output slot. A function with LagValue set is a "lag
	// function": its outgoing flow edges are cut when lowering a Flow, and
	// its Skip default-input policy is legal only on itself.
	LagValue *DataRef
	Outputs  []FunctionOutput
	Data     []DataItem
	Body     []Instruction
}

// IsLag reports whether this function declares a lag value.
func (f *Function) IsLag() bool { return f.LagValue != nil }

// Arity is the number of declared inputs.
func (f *Function) Arity() int { return len(f.Inputs) }
