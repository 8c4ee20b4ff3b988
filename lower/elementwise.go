package lower

import (
	"fmt"

	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/loopnest"
	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// lowerElementwise implements spec §4.4.2: a single collapsed loop of
// length product(shape) with step TileSize. The body loads TileSize
// elements, applies the scalar operator lane by lane, and stores the
// resulting TileSize-wide vector to the output buffer at the same
// offset within that iteration; no PHI carries a working vector across
// iterations, and there is no separate store on loop exit.
func (e *Engine) lowerElementwise(instr llvm.Value, op tensortype.ElementwiseOp, knob knobs.Knob) (llvm.Value, error) {
	in := instr.Operand(0)
	inTV, ok := e.Analysis.Lookup(in)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: elementwise input %s has no tensor type", in.Name())
	}
	outTV, ok := e.Analysis.Lookup(instr)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: elementwise result %s has no tensor type", instr.Name())
	}

	elemTy := inTV.Val.Type().ElementType()
	floatOnly := op.FloatOnly()
	workTy := elemTy
	if floatOnly && elemKind(elemTy) == tensortype.IntElem {
		workTy = e.Ctx.DoubleType()
	}

	tile := intOr(knob.TileSize, e.Cfg.TileSize)
	total := int(inTV.Type.Size())

	pred, succ := splitAt(e.Ctx, instr)
	e.Builder.SetInsertPointAtEnd(pred)

	i32 := e.Ctx.Int32Type()
	bound := loopnest.Bound{
		Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tile), false),
		BoundVal: llvm.ConstInt(i32, uint64(total), false), Name: "ew",
	}
	nest := e.Loops.Build(succ, []loopnest.Bound{bound}, true)
	lvl := &nest.Levels[0]

	e.Builder.SetInsertPointAtEnd(lvl.Body)
	loaded := loadTile(e.Builder, e.Ctx, inTV.MemPtr, elemTy, lvl.Induction, tile, "ew_in")
	transformed := e.applyElementwiseOp(op, loaded, elemTy, workTy, tile)
	storeTile(e.Builder, e.Ctx, outTV.MemPtr, elemTy, lvl.Induction, transformed, tile, "ew_out")

	final := lvl.Body
	e.Loops.Complete(nest, final)
	forceUnroll(e.Ctx, lvl.Header, intOr(knob.InnerLoopUnrollFactor, e.Cfg.InnerLoopUnrollFactor))

	e.Builder.SetInsertPointAtEnd(succ)
	finalVecTy := llvm.VectorType(elemTy, int(outTV.Type.Size()))
	finalPtrTy := llvm.PointerType(finalVecTy, 0)
	castedOut := e.Builder.CreateBitCast(outTV.MemPtr, finalPtrTy, instr.Name()+"_final_ptr")
	return e.Builder.CreateLoad(finalVecTy, castedOut, instr.Name()+"_final"), nil
}

// lowerBroadcast implements spec §4.4.2's "broadcast(v, scalar) — fill
// tensor with scalar": operand(0) is the destination tensor (carrying
// the resolved output TensorType via property analysis), operand(1) is
// the scalar to splat. A constant scalar produces a constant splat
// vector at compile time with no runtime loop; a non-constant scalar
// emits a single runtime splat via broadcastScalar across the whole
// output, since the splat value is identical in every lane and there is
// nothing to tile over.
func (e *Engine) lowerBroadcast(instr llvm.Value, knob knobs.Knob) (llvm.Value, error) {
	outTV, ok := e.Analysis.Lookup(instr)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: broadcast result %s has no tensor type", instr.Name())
	}
	scalar := instr.Operand(1)
	count := int(outTV.Type.Size())
	elemTy := scalar.Type()

	e.Builder.SetInsertPointBefore(instr)

	if !scalar.IsAConstant().IsNil() {
		splat := llvm.ConstVector(repeat(scalar, count))
		storeTile(e.Builder, e.Ctx, outTV.MemPtr, elemTy, llvm.ConstInt(e.Ctx.Int32Type(), 0, false), splat, count, instr.Name()+"_bcast")
		vecTy := llvm.VectorType(elemTy, count)
		vecPtrTy := llvm.PointerType(vecTy, 0)
		casted := e.Builder.CreateBitCast(outTV.MemPtr, vecPtrTy, instr.Name()+"_final_ptr")
		return e.Builder.CreateLoad(vecTy, casted, instr.Name()+"_final"), nil
	}

	splat := broadcastScalar(e.Builder, e.Ctx, elemTy, scalar, count, instr.Name()+"_bcast")
	storeTile(e.Builder, e.Ctx, outTV.MemPtr, elemTy, llvm.ConstInt(e.Ctx.Int32Type(), 0, false), splat, count, instr.Name()+"_store")
	return splat, nil
}

// applyElementwiseOp emits the scalar kernel body for a TileSize-wide
// vector: extract each lane, apply the scalar operator (converting to
// float first when the operator is float-only and the element type is
// integer, per spec §4.4.2, and converting back afterwards), and insert
// the result into a fresh vector of the tile's original type.
func (e *Engine) applyElementwiseOp(op tensortype.ElementwiseOp, tile llvm.Value, elemTy, workTy llvm.Type, count int) llvm.Value {
	resultVecTy := tile.Type()
	acc := llvm.GetUndef(resultVecTy)
	for i := 0; i < count; i++ {
		lane := extractVector(e.Builder, e.Ctx, tile, i, "ew_lane")
		converted := lane
		if workTy != elemTy {
			converted = e.Builder.CreateSIToFP(lane, workTy, "ew_conv")
		}
		scalarResult := e.applyScalarOp(op, converted, workTy)
		back := scalarResult
		if workTy != elemTy {
			back = e.Builder.CreateFPToSI(scalarResult, elemTy, "ew_back")
		}
		acc = insertVector(e.Builder, e.Ctx, acc, back, i, "ew_ins")
	}
	return acc
}

// applyScalarOp emits the scalar semantics of spec §4.4.2: relu via
// compare+select with UGE to preserve NaN on float inputs; tanh and
// sigmoid built from exp; the rest are direct platform intrinsics.
func (e *Engine) applyScalarOp(op tensortype.ElementwiseOp, x llvm.Value, ty llvm.Type) llvm.Value {
	switch op {
	case tensortype.OpRelu:
		return e.lowerRelu(x, ty)
	case tensortype.OpTanh:
		return e.lowerTanh(x, ty)
	case tensortype.OpSigmoid:
		return e.lowerSigmoid(x, ty)
	default:
		return e.callMathIntrinsic(string(op), x, ty)
	}
}

// lowerRelu: max(0, x) via a comparison and select. For float element
// types the comparison is UGE (unordered-or-greater-equal) so that a
// NaN input compares true and is selected through unmodified, matching
// spec §4.4.2's "preserving NaN for float with UGE".
func (e *Engine) lowerRelu(x llvm.Value, ty llvm.Type) llvm.Value {
	if elemKind(ty) == tensortype.FloatElem {
		zero := llvm.ConstFloat(ty, 0.0)
		cond := e.Builder.CreateFCmp(llvm.FloatUGE, x, zero, "relu_cmp")
		return e.Builder.CreateSelect(cond, x, zero, "relu")
	}
	zero := llvm.ConstInt(ty, 0, false)
	cond := e.Builder.CreateICmp(llvm.IntSGE, x, zero, "relu_cmp")
	return e.Builder.CreateSelect(cond, x, zero, "relu")
}

// lowerTanh: tanh(x) = (exp(2x)-1)/(exp(2x)+1), per spec §4.4.2.
func (e *Engine) lowerTanh(x llvm.Value, ty llvm.Type) llvm.Value {
	two := llvm.ConstFloat(ty, 2.0)
	one := llvm.ConstFloat(ty, 1.0)
	twoX := e.Builder.CreateFMul(two, x, "tanh_2x")
	expTwoX := e.callMathIntrinsic("exp", twoX, ty)
	num := e.Builder.CreateFSub(expTwoX, one, "tanh_num")
	den := e.Builder.CreateFAdd(expTwoX, one, "tanh_den")
	return e.Builder.CreateFDiv(num, den, "tanh")
}

// lowerSigmoid: sigmoid(x) = exp(x)/(exp(x)+1), per spec §4.4.2.
func (e *Engine) lowerSigmoid(x llvm.Value, ty llvm.Type) llvm.Value {
	one := llvm.ConstFloat(ty, 1.0)
	expX := e.callMathIntrinsic("exp", x, ty)
	den := e.Builder.CreateFAdd(expX, one, "sigmoid_den")
	return e.Builder.CreateFDiv(expX, den, "sigmoid")
}

// callMathIntrinsic declares (if needed) and calls the scalar LLVM
// intrinsic llvm.<name>.fN for ty, matching the IR surface (emitted)
// list in spec §6.
func (e *Engine) callMathIntrinsic(name string, x llvm.Value, ty llvm.Type) llvm.Value {
	fnName := fmt.Sprintf("llvm.%s.%s", name, suffixFor(ty))
	fn := e.declareUnaryIntrinsic(fnName, ty)
	fnTy := llvm.FunctionType(ty, []llvm.Type{ty}, false)
	return e.Builder.CreateCall(fnTy, fn, []llvm.Value{x}, name)
}

func suffixFor(ty llvm.Type) string {
	switch ty.TypeKind() {
	case llvm.DoubleTypeKind:
		return "f64"
	default:
		return "f32"
	}
}

func (e *Engine) declareUnaryIntrinsic(name string, ty llvm.Type) llvm.Value {
	mod := e.Builder.GetInsertBlock().Parent().GlobalParent()
	existing := mod.NamedFunction(name)
	if !existing.IsNil() {
		return existing
	}
	fnTy := llvm.FunctionType(ty, []llvm.Type{ty}, false)
	return llvm.AddFunction(mod, name, fnTy)
}
