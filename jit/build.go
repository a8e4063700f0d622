package jit

import (
	"github.com/tinygo-org/go-llvm"

	"github.com/fenwick-audio/fluxgraph/ir"
	"github.com/fenwick-audio/fluxgraph/layout"
)

// slot is an addressable alloca backing one VarRef or LocalRef. Every var
// and local gets its own alloca rather than being tracked as a bare SSA
// value; Finalize's mem2reg pass promotes these back to registers, which
// keeps Conditional lowering (distinct basic blocks, no manual phi
// insertion) simple.
type slot struct {
	ptr llvm.Value
	ty  llvm.Type
}

type buildCtx struct {
	m       *Module
	fn      *ir.Function
	fns     map[string]*ir.Function
	fl      *layout.FunctionLayout // nil if fn has no persistent data
	llvmFn  llvm.Value
	data    llvm.Value // this function's data-block param; IsNil() if none
	argBase int        // index of the first declared-input param
	vars    map[ir.VarRef]slot
	locals  map[ir.LocalRef]slot
	out     *slot
}

// BuildFunction lowers fn's body into the LLVM function previously created
// by DeclareFunction, per spec §4.4 step 4 and the call-site lowering of
// §4.4.1. fns is the full active-set function table, used to resolve
// callee arity and default-input policy; it must include every function
// fn transitively calls.
func (m *Module) BuildFunction(fn *ir.Function, fns map[string]*ir.Function) error {
	llvmFn, ok := m.fns[fn.Name]
	if !ok {
		return unknownFunctionErr(fn.Name)
	}
	if len(fn.Outputs) > 1 {
		return &ir.CompileError{Kind: ir.BuildFailed, Function: fn.Name, Detail: "functions with more than one output are not supported"}
	}

	entry := llvm.AddBasicBlock(llvmFn, "entry")
	m.builder.SetInsertPointAtEnd(entry)

	bc := &buildCtx{
		m:      m,
		fn:     fn,
		fns:    fns,
		fl:     m.layouts[fn.Name],
		llvmFn: llvmFn,
		vars:   make(map[ir.VarRef]slot),
		locals: make(map[ir.LocalRef]slot),
	}

	bc.argBase = 0
	if m.hasDataParam(fn.Name) {
		bc.data = llvmFn.Param(0)
		bc.argBase = 1
	}

	if len(fn.Outputs) > 0 {
		ty := m.typeOf(fn.Outputs[0].Type)
		ptr := m.builder.CreateAlloca(ty, "out0")
		m.builder.CreateStore(llvm.ConstNull(ty), ptr)
		bc.out = &slot{ptr: ptr, ty: ty}
	}

	if err := bc.buildBody(fn.Body); err != nil {
		return err
	}

	if bc.out != nil {
		ret := m.builder.CreateLoad(bc.out.ty, bc.out.ptr, "ret")
		m.builder.CreateRet(ret)
	} else {
		m.builder.CreateRetVoid()
	}
	return nil
}

func (bc *buildCtx) buildBody(body []ir.Instruction) error {
	for _, inst := range body {
		if err := bc.buildInstr(inst); err != nil {
			return err
		}
	}
	return nil
}

func (bc *buildCtx) buildInstr(inst ir.Instruction) error {
	b := &bc.m.builder
	switch i := inst.(type) {
	case ir.AllocLocal:
		if _, ok := bc.locals[i.Local]; !ok {
			ptr := b.CreateAlloca(bc.m.floatTy, "")
			bc.locals[i.Local] = slot{ptr: ptr, ty: bc.m.floatTy}
		}
		return nil

	case ir.Load:
		val, ty, err := bc.loadSource(i.Src)
		if err != nil {
			return err
		}
		bc.defineVar(i.Dst, val, ty)
		return nil

	case ir.Store:
		val, err := bc.operandValue(i.Src)
		if err != nil {
			return err
		}
		return bc.storeTarget(i.Dst, val)

	case ir.BinaryOp:
		a, err := bc.operandValue(i.A)
		if err != nil {
			return err
		}
		v2, err := bc.operandValue(i.B)
		if err != nil {
			return err
		}
		var v llvm.Value
		switch i.Op {
		case ir.Add:
			v = b.CreateFAdd(a, v2, "")
		case ir.Sub:
			v = b.CreateFSub(a, v2, "")
		case ir.Mul:
			v = b.CreateFMul(a, v2, "")
		case ir.Div:
			v = b.CreateFDiv(a, v2, "")
		case ir.Rem:
			v = b.CreateFRem(a, v2, "")
		}
		bc.defineVar(i.Dst, v, bc.m.floatTy)
		return nil

	case ir.ComparisonOp:
		a, err := bc.operandValue(i.A)
		if err != nil {
			return err
		}
		v2, err := bc.operandValue(i.B)
		if err != nil {
			return err
		}
		var pred llvm.FloatPredicate
		switch i.Op {
		case ir.Eq:
			pred = llvm.FloatOEQ
		case ir.Ne:
			pred = llvm.FloatONE
		case ir.Lt:
			pred = llvm.FloatOLT
		case ir.Le:
			pred = llvm.FloatOLE
		case ir.Gt:
			pred = llvm.FloatOGT
		case ir.Ge:
			pred = llvm.FloatOGE
		}
		v := b.CreateFCmp(pred, a, v2, "")
		bc.defineVar(i.Dst, v, bc.m.i1Ty)
		return nil

	case ir.BoolToFloat:
		src, err := bc.operandValue(i.Src)
		if err != nil {
			return err
		}
		v := b.CreateUIToFP(src, bc.m.floatTy, "")
		bc.defineVar(i.Dst, v, bc.m.floatTy)
		return nil

	case ir.UnaryOp:
		src, err := bc.operandValue(i.Src)
		if err != nil {
			return err
		}
		var v llvm.Value
		switch i.Op {
		case ir.Truncate:
			v = b.CreateCall(bc.m.truncFnTy, bc.m.truncFn, []llvm.Value{src}, "")
		}
		bc.defineVar(i.Dst, v, bc.m.floatTy)
		return nil

	case ir.Conditional:
		return bc.buildConditional(i)

	case ir.Call:
		return bc.buildCall(i)

	case ir.ILoad:
		return bc.buildILoad(i)

	case ir.IStore:
		return bc.buildIStore(i)

	case ir.Len:
		arr, err := bc.operandValue(i.Array)
		if err != nil {
			return err
		}
		lenPtr := b.CreateBitCast(arr, llvm.PointerType(bc.m.i32Ty, 0), "")
		lenI32 := b.CreateLoad(bc.m.i32Ty, lenPtr, "")
		lenF := b.CreateUIToFP(lenI32, bc.m.floatTy, "")
		bc.defineVar(i.Dst, lenF, bc.m.floatTy)
		return nil

	case ir.Debug:
		src, err := bc.operandValue(i.Src)
		if err != nil {
			return err
		}
		b.CreateCall(bc.m.debugLogFnTy, bc.m.debugLogFn, []llvm.Value{src}, "")
		return nil
	}
	return nil
}

// buildConditional lowers an if/else into three basic blocks with an
// unconditional branch from each arm's tail block to the join block, per
// spec §4.4 step 4(j).
func (bc *buildCtx) buildConditional(c ir.Conditional) error {
	b := &bc.m.builder
	cond, _, err := bc.loadVar(c.Cond)
	if err != nil {
		return err
	}

	thenBlock := llvm.AddBasicBlock(bc.llvmFn, "then")
	elseBlock := llvm.AddBasicBlock(bc.llvmFn, "else")
	joinBlock := llvm.AddBasicBlock(bc.llvmFn, "join")

	b.CreateCondBr(cond, thenBlock, elseBlock)

	b.SetInsertPointAtEnd(thenBlock)
	if err := bc.buildBody(c.Then); err != nil {
		return err
	}
	b.CreateBr(joinBlock)

	b.SetInsertPointAtEnd(elseBlock)
	if err := bc.buildBody(c.Else); err != nil {
		return err
	}
	b.CreateBr(joinBlock)

	b.SetInsertPointAtEnd(joinBlock)
	return nil
}

// buildCall lowers one Call instruction per spec §4.4.1: validate arity,
// resolve each input (applying the callee's default-input policy for any
// omitted trailing input, including a full call elision for Skip),
// prepend the callee's data sub-block pointer if it has one, emit the
// call, and bind any declared output.
func (bc *buildCtx) buildCall(call ir.Call) error {
	if call.Callee == ir.NoiseFunction {
		if len(call.Inputs) != 0 {
			return &ir.CompileError{Kind: ir.InvalidArity, Function: bc.fn.Name, Expected: 0, Got: len(call.Inputs)}
		}
		result := bc.m.builder.CreateCall(bc.m.noiseFnTy, bc.m.noiseFn, nil, "")
		if len(call.Outputs) > 0 {
			bc.defineVar(call.Outputs[0], result, bc.m.floatTy)
		}
		return nil
	}

	callee, ok := bc.fns[call.Callee]
	if !ok {
		return unknownFunctionErr(call.Callee)
	}
	if len(call.Inputs) > callee.Arity() {
		return &ir.CompileError{Kind: ir.InvalidArity, Function: bc.fn.Name, Expected: callee.Arity(), Got: len(call.Inputs)}
	}

	args, skip, err := bc.resolveCallInputs(call, callee)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	calleeLLVMFn, ok := bc.m.fns[call.Callee]
	if !ok {
		return unknownFunctionErr(call.Callee)
	}

	var callArgs []llvm.Value
	if bc.fl != nil {
		if cb, ok := bc.fl.ChildOffset(call.ID); ok {
			if cb.Callee != nil && cb.Callee.TotalSize > 0 {
				if bc.data.IsNil() {
					return &ir.CompileError{Kind: ir.InvalidDataLayout, Function: bc.fn.Name, Detail: "caller has no data block to derive a child offset from"}
				}
				childPtr := bc.m.builder.CreateInBoundsGEP(bc.m.i8Ty, bc.data, []llvm.Value{llvm.ConstInt(bc.m.i32Ty, uint64(cb.Offset), false)}, "")
				callArgs = append(callArgs, childPtr)
			}
		}
	}
	callArgs = append(callArgs, args...)

	result := bc.m.builder.CreateCall(bc.m.fnTypes[call.Callee], calleeLLVMFn, callArgs, "")
	if len(call.Outputs) > 0 && len(callee.Outputs) > 0 {
		bc.defineVar(call.Outputs[0], result, bc.m.typeOf(callee.Outputs[0].Type))
	}
	return nil
}

func (bc *buildCtx) resolveCallInputs(call ir.Call, callee *ir.Function) (args []llvm.Value, skip bool, err error) {
	var prev llvm.Value
	for idx := 0; idx < callee.Arity(); idx++ {
		if idx < len(call.Inputs) {
			v, err := bc.operandValue(call.Inputs[idx])
			if err != nil {
				return nil, false, err
			}
			args = append(args, v)
			prev = v
			continue
		}

		def := callee.Inputs[idx].Default
		switch def.Kind {
		case ir.DefaultValue:
			v := llvm.ConstFloat(bc.m.floatTy, float64(def.Value))
			args = append(args, v)
			prev = v
		case ir.DefaultNormal:
			if prev.IsNil() {
				return nil, false, &ir.CompileError{
					Kind: ir.InvalidArity, Function: bc.fn.Name,
					Expected: callee.Arity(), Got: len(call.Inputs),
					Detail: "Normal default input has no preceding argument to duplicate",
				}
			}
			args = append(args, prev)
		case ir.DefaultEmptyArray:
			v := bc.m.builder.CreateLoad(bc.m.ptrTy, bc.m.emptyArrayG, "")
			args = append(args, v)
			prev = v
		case ir.DefaultSkip:
			return nil, true, nil
		}
	}
	return args, false, nil
}

// buildILoad and buildIStore index an array pointer one element past its
// length prefix, per spec §4.4 step 4(m); the index is truncated toward
// zero and cast to an unsigned integer, with no bounds check.
func (bc *buildCtx) buildILoad(i ir.ILoad) error {
	elemPtr, err := bc.arrayElementPtr(i.Array, i.Index)
	if err != nil {
		return err
	}
	v := bc.m.builder.CreateLoad(bc.m.floatTy, elemPtr, "")
	bc.defineVar(i.Dst, v, bc.m.floatTy)
	return nil
}

func (bc *buildCtx) buildIStore(i ir.IStore) error {
	elemPtr, err := bc.arrayElementPtr(i.Array, i.Index)
	if err != nil {
		return err
	}
	val, err := bc.operandValue(i.Value)
	if err != nil {
		return err
	}
	bc.m.builder.CreateStore(val, elemPtr)
	return nil
}

func (bc *buildCtx) arrayElementPtr(arrayOp, indexOp ir.Operand) (llvm.Value, error) {
	arr, err := bc.operandValue(arrayOp)
	if err != nil {
		return llvm.Value{}, err
	}
	idxF, err := bc.operandValue(indexOp)
	if err != nil {
		return llvm.Value{}, err
	}
	b := &bc.m.builder
	truncated := b.CreateCall(bc.m.truncFnTy, bc.m.truncFn, []llvm.Value{idxF}, "")
	idxI := b.CreateFPToUI(truncated, bc.m.i32Ty, "")
	one := llvm.ConstInt(bc.m.i32Ty, 1, false)
	offset := b.CreateAdd(idxI, one, "")
	return b.CreateInBoundsGEP(bc.m.floatTy, arr, []llvm.Value{offset}, ""), nil
}
