package ir

// ConstantKind names one of the built-in operand constants.
type ConstantKind uint8

const (
	// SampleRate yields the signal processor's configured sample rate as a
	// float.
	SampleRate ConstantKind = iota
	// EmptyArrayConst yields the shared zero-length array sentinel.
	EmptyArrayConst
)

// Operand is an IR-level value reference: a compile-time constant, a
// literal, a previously-defined local, or a caller-supplied argument.
type Operand struct {
	kind     operandKind
	constant ConstantKind
	literal  float32
	v        VarRef
	argIndex uint32
}

type operandKind uint8

const (
	operandConstant operandKind = iota
	operandLiteral
	operandVar
	operandArg
)

// OperandConstant builds a constant operand.
func OperandConstant(c ConstantKind) Operand { return Operand{kind: operandConstant, constant: c} }

// OperandLiteral builds a literal float32 operand.
func OperandLiteral(v float32) Operand { return Operand{kind: operandLiteral, literal: v} }

// OperandVar builds an operand referencing a previously-defined local value.
func OperandVar(v VarRef) Operand { return Operand{kind: operandVar, v: v} }

// OperandArg builds an operand referencing the caller's Nth argument.
func OperandArg(index uint32) Operand { return Operand{kind: operandArg, argIndex: index} }

// IsConstant reports whether the operand is a Constant and, if so, which one.
func (o Operand) IsConstant() (ConstantKind, bool) {
	return o.constant, o.kind == operandConstant
}

// IsLiteral reports whether the operand is a Literal and, if so, its value.
func (o Operand) IsLiteral() (float32, bool) {
	return o.literal, o.kind == operandLiteral
}

// IsVar reports whether the operand is a Var and, if so, which one.
func (o Operand) IsVar() (VarRef, bool) {
	return o.v, o.kind == operandVar
}

// IsArg reports whether the operand is an Arg and, if so, its index.
func (o Operand) IsArg() (uint32, bool) {
	return o.argIndex, o.kind == operandArg
}

// DefaultInputKind names the policy applied when a caller omits an input.
type DefaultInputKind uint8

const (
	// DefaultValue substitutes a fixed literal.
	DefaultValue DefaultInputKind = iota
	// DefaultNormal duplicates the operand bound to the previous index.
	DefaultNormal
	// DefaultSkip elides the entire call; valid only for a lag function's
	// own input (a previous value is still readable via LastValue).
	DefaultSkip
	// DefaultEmptyArray substitutes the empty-array sentinel.
	DefaultEmptyArray
)

// DefaultInput describes a function parameter's default-input policy.
type DefaultInput struct {
	Kind  DefaultInputKind
	Value float32 // meaningful only when Kind == DefaultValue
}

// FunctionInput declares one input parameter.
type FunctionInput struct {
	Name    string
	Type    DataType
	Default DefaultInput
}

// FunctionOutput declares one output slot.
type FunctionOutput struct {
	Name string
	Type DataType
}

// DataItem declares one persistent data slot owned by a function.
type DataItem struct {
	Name string
	Type DataType
}
