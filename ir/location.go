package ir

// SourceLocation is the origin of a Load instruction's value.
type SourceLocation struct {
	kind       sourceKind
	local      LocalRef
	data       DataRef
	call       CallID
	calleeName string
	calleeData DataRef
}

type sourceKind uint8

const (
	sourceLocal sourceKind = iota
	sourceData
	sourceLastValue
)

// SourceLocal reads a stack slot.
func SourceLocal(l LocalRef) SourceLocation { return SourceLocation{kind: sourceLocal, local: l} }

// SourceData reads one of the function's own persistent data slots.
func SourceData(d DataRef) SourceLocation { return SourceLocation{kind: sourceData, data: d} }

// SourceLastValue reads the callee's data slot calleeData at the sub-offset
// this function's data layout reserved for call site call.
func SourceLastValue(call CallID, calleeName string, calleeData DataRef) SourceLocation {
	return SourceLocation{kind: sourceLastValue, call: call, calleeName: calleeName, calleeData: calleeData}
}

// AsLocal reports whether this is a Local source and, if so, the slot.
func (s SourceLocation) AsLocal() (LocalRef, bool) { return s.local, s.kind == sourceLocal }

// AsData reports whether this is a Data source and, if so, the ref.
func (s SourceLocation) AsData() (DataRef, bool) { return s.data, s.kind == sourceData }

// AsLastValue reports whether this is a LastValue source and, if so, its
// (call site, callee name, callee data ref) triple.
func (s SourceLocation) AsLastValue() (CallID, string, DataRef, bool) {
	return s.call, s.calleeName, s.calleeData, s.kind == sourceLastValue
}

// TargetLocation is the destination of a Store instruction.
type TargetLocation struct {
	kind   targetKind
	local  LocalRef
	data   DataRef
	output FunctionOutputIndex
	signal SignalOutputIndex
}

type targetKind uint8

const (
	targetLocal targetKind = iota
	targetData
	targetFunctionOutput
	targetSignalOutput
)

// TargetLocal writes a stack slot.
func TargetLocal(l LocalRef) TargetLocation { return TargetLocation{kind: targetLocal, local: l} }

// TargetData writes one of the function's own persistent data slots.
func TargetData(d DataRef) TargetLocation { return TargetLocation{kind: targetData, data: d} }

// TargetFunctionOutput binds the value to return for output index i.
func TargetFunctionOutput(i FunctionOutputIndex) TargetLocation {
	return TargetLocation{kind: targetFunctionOutput, output: i}
}

// TargetSignalOutput writes into the audio output frame at channel i.
func TargetSignalOutput(i SignalOutputIndex) TargetLocation {
	return TargetLocation{kind: targetSignalOutput, signal: i}
}

// AsLocal reports whether this is a Local target and, if so, the slot.
func (t TargetLocation) AsLocal() (LocalRef, bool) { return t.local, t.kind == targetLocal }

// AsData reports whether this is a Data target and, if so, the ref.
func (t TargetLocation) AsData() (DataRef, bool) { return t.data, t.kind == targetData }

// AsFunctionOutput reports whether this is a FunctionOutput target.
func (t TargetLocation) AsFunctionOutput() (FunctionOutputIndex, bool) {
	return t.output, t.kind == targetFunctionOutput
}

// AsSignalOutput reports whether this is a SignalOutput target.
func (t TargetLocation) AsSignalOutput() (SignalOutputIndex, bool) {
	return t.signal, t.kind == targetSignalOutput
}
