package jit

import (
	"github.com/tinygo-org/go-llvm"

	"github.com/fenwick-audio/fluxgraph/ir"
)

// defineVar creates (or reuses) the alloca backing v and stores val into
// it. A var's type is fixed by its first definition.
func (bc *buildCtx) defineVar(v ir.VarRef, val llvm.Value, ty llvm.Type) {
	s, ok := bc.vars[v]
	if !ok {
		s = slot{ptr: bc.m.builder.CreateAlloca(ty, ""), ty: ty}
		bc.vars[v] = s
	}
	bc.m.builder.CreateStore(val, s.ptr)
}

// loadVar reads the current value of v, which must already have been
// defined by a prior Load, BinaryOp, Call, etc.
func (bc *buildCtx) loadVar(v ir.VarRef) (llvm.Value, llvm.Type, error) {
	s, ok := bc.vars[v]
	if !ok {
		return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.UninitializedVar, Function: bc.fn.Name}
	}
	return bc.m.builder.CreateLoad(s.ty, s.ptr, ""), s.ty, nil
}

// operandValue resolves any IR operand to an LLVM value.
func (bc *buildCtx) operandValue(op ir.Operand) (llvm.Value, error) {
	if kind, ok := op.IsConstant(); ok {
		switch kind {
		case ir.SampleRate:
			return llvm.ConstFloat(bc.m.floatTy, float64(bc.m.sampleRate)), nil
		case ir.EmptyArrayConst:
			return bc.m.builder.CreateLoad(bc.m.ptrTy, bc.m.emptyArrayG, ""), nil
		}
	}
	if lit, ok := op.IsLiteral(); ok {
		return llvm.ConstFloat(bc.m.floatTy, float64(lit)), nil
	}
	if v, ok := op.IsVar(); ok {
		val, _, err := bc.loadVar(v)
		return val, err
	}
	if idx, ok := op.IsArg(); ok {
		if int(idx) >= len(bc.fn.Inputs) {
			return llvm.Value{}, &ir.CompileError{Kind: ir.UninitializedInput, Function: bc.fn.Name}
		}
		return bc.llvmFn.Param(bc.argBase + int(idx)), nil
	}
	return llvm.Value{}, &ir.CompileError{Kind: ir.UninitializedVar, Function: bc.fn.Name, Detail: "operand matched no known kind"}
}

// loadSource resolves a Load instruction's SourceLocation to a value and
// its LLVM type.
func (bc *buildCtx) loadSource(src ir.SourceLocation) (llvm.Value, llvm.Type, error) {
	b := &bc.m.builder

	if local, ok := src.AsLocal(); ok {
		s, ok := bc.locals[local]
		if !ok {
			return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.UninitializedVar, Function: bc.fn.Name, Detail: "read of a local with no AllocLocal"}
		}
		return b.CreateLoad(s.ty, s.ptr, ""), s.ty, nil
	}

	if data, ok := src.AsData(); ok {
		if bc.fl == nil || bc.data.IsNil() {
			return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.InvalidDataLayout, Function: bc.fn.Name}
		}
		ty := bc.m.typeOf(bc.fn.Data[data].Type)
		ptr := bc.dataSlotPtr(bc.data, bc.fl.OwnOffset(data), ty)
		return b.CreateLoad(ty, ptr, ""), ty, nil
	}

	if call, calleeName, calleeData, ok := src.AsLastValue(); ok {
		if bc.fl == nil || bc.data.IsNil() {
			return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.InvalidDataLayout, Function: bc.fn.Name}
		}
		cb, ok := bc.fl.ChildOffset(call)
		if !ok || cb.Callee == nil {
			return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.InvalidDataLayout, Function: bc.fn.Name, Detail: "no layout for call site " + calleeName}
		}
		calleeFn, ok := bc.fns[calleeName]
		if !ok {
			return llvm.Value{}, llvm.Type{}, unknownFunctionErr(calleeName).(*ir.CompileError)
		}
		ty := bc.m.typeOf(calleeFn.Data[calleeData].Type)
		absOffset := cb.Offset + cb.Callee.OwnOffset(calleeData)
		ptr := bc.dataSlotPtr(bc.data, absOffset, ty)
		return b.CreateLoad(ty, ptr, ""), ty, nil
	}

	return llvm.Value{}, llvm.Type{}, &ir.CompileError{Kind: ir.UninitializedVar, Function: bc.fn.Name, Detail: "source location matched no known kind"}
}

// storeTarget resolves a Store instruction's TargetLocation and writes val
// to it.
func (bc *buildCtx) storeTarget(dst ir.TargetLocation, val llvm.Value) error {
	b := &bc.m.builder

	if local, ok := dst.AsLocal(); ok {
		s, ok := bc.locals[local]
		if !ok {
			// A bare Store(Local) with no prior AllocLocal still allocates:
			// the data type is whatever's being stored.
			s = slot{ptr: b.CreateAlloca(val.Type(), ""), ty: val.Type()}
			bc.locals[local] = s
		}
		b.CreateStore(val, s.ptr)
		return nil
	}

	if data, ok := dst.AsData(); ok {
		if bc.fl == nil || bc.data.IsNil() {
			return &ir.CompileError{Kind: ir.InvalidDataLayout, Function: bc.fn.Name}
		}
		ty := bc.m.typeOf(bc.fn.Data[data].Type)
		ptr := bc.dataSlotPtr(bc.data, bc.fl.OwnOffset(data), ty)
		b.CreateStore(val, ptr)
		return nil
	}

	if idx, ok := dst.AsFunctionOutput(); ok {
		if bc.out == nil {
			return &ir.CompileError{Kind: ir.UninitializedOutput, Function: bc.fn.Name}
		}
		_ = idx // only one output is supported; BuildFunction rejects functions declaring more
		b.CreateStore(val, bc.out.ptr)
		return nil
	}

	if idx, ok := dst.AsSignalOutput(); ok {
		outBase := b.CreateLoad(bc.m.ptrTy, bc.m.currentOutputG, "")
		elemPtr := b.CreateInBoundsGEP(bc.m.floatTy, outBase, []llvm.Value{llvm.ConstInt(bc.m.i32Ty, uint64(idx), false)}, "")
		b.CreateStore(val, elemPtr)
		return nil
	}

	return &ir.CompileError{Kind: ir.UninitializedOutput, Function: bc.fn.Name, Detail: "target location matched no known kind"}
}

// dataSlotPtr computes the address of one 8-byte data slot at byteOffset
// within the function's data block, bitcast to a pointer of the slot's
// value type.
func (bc *buildCtx) dataSlotPtr(data llvm.Value, byteOffset uint32, valueTy llvm.Type) llvm.Value {
	b := &bc.m.builder
	bytePtr := b.CreateInBoundsGEP(bc.m.i8Ty, data, []llvm.Value{llvm.ConstInt(bc.m.i32Ty, uint64(byteOffset), false)}, "")
	return b.CreateBitCast(bytePtr, llvm.PointerType(valueTy, 0), "")
}
