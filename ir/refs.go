// Package ir defines the typed, linear intermediate representation that
// flow lowering produces and the JIT consumes: values, locations, opcodes
// and the functions that hold them together.
package ir

// VarRef names an SSA-style local value produced within one function body.
type VarRef uint32

// LocalRef names a stack slot allocated in a function's prologue.
type LocalRef uint32

// DataRef indexes into a function's own persistent data items.
type DataRef uint32

// CallID stably identifies one call site within a function body.
type CallID uint32

// FunctionOutputIndex names one of a function's declared outputs.
type FunctionOutputIndex uint32

// SignalOutputIndex names one channel of the audio output frame.
type SignalOutputIndex uint32

// DataType is the type of a value, an input/output, or a persistent data
// item. Every value in the system is one or the other.
type DataType uint8

const (
	// Float is a 32-bit IEEE-754 floating point value.
	Float DataType = iota
	// ArrayRef is an opaque handle to an externally owned, length-prefixed
	// contiguous buffer of Floats.
	ArrayRef
)

func (t DataType) String() string {
	switch t {
	case Float:
		return "float"
	case ArrayRef:
		return "array"
	default:
		return "unknown"
	}
}
