// Package lower implements the Lowering Engine (Component E): for each
// tensor intrinsic, chooses tiling, wires tile-accumulator PHIs, emits
// load/kernel/store, force-unrolls the innermost loop, and replaces the
// intrinsic with a final load of the output buffer (spec §4.4).
package lower

import (
	"fmt"
	"math"

	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// elemKind classifies elemTy for opcode selection (fadd/fmul vs
// add/mul, and the reduction-identity table). This collapses the
// source's loadTile<T>/storeTile<T> C++ templates, and its separate
// int/float code paths in accumulateResult/reduceVector, into a single
// switch parametrized by ElemKind rather than by Go generics, since at
// this level every tensor element is already an llvm.Value of a single
// dynamic kind (spec §9's tagged-variant guidance applied to the
// "functions generic over the variant's common interface" wording).
func elemKind(t llvm.Type) tensortype.ElemKind {
	switch t.TypeKind() {
	case llvm.FloatTypeKind, llvm.DoubleTypeKind, llvm.HalfTypeKind:
		return tensortype.FloatElem
	default:
		return tensortype.IntElem
	}
}

// computeIndex computes the flat element offset into a tensor's
// backing buffer given per-axis indices and the tensor's per-axis
// strides, mirroring original_source's computeIndex helper.
func computeIndex(b llvm.Builder, ctx llvm.Context, indices []llvm.Value, strides []uint64) llvm.Value {
	offset := llvm.ConstInt(ctx.Int32Type(), 0, false)
	for i, idx := range indices {
		stride := llvm.ConstInt(ctx.Int32Type(), strides[i], false)
		term := b.CreateMul(idx, stride, "idx_term")
		offset = b.CreateAdd(offset, term, "idx_acc")
	}
	return offset
}

// loadTile loads count contiguous elements of elemTy starting at flat
// offset base from ptr into a fixed vector register, mirroring
// original_source's loadTile<T>.
func loadTile(b llvm.Builder, ctx llvm.Context, ptr llvm.Value, elemTy llvm.Type, base llvm.Value, count int, name string) llvm.Value {
	vecTy := llvm.VectorType(elemTy, count)
	gep := b.CreateGEP(elemTy, ptr, []llvm.Value{base}, name+"_gep")
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := b.CreateBitCast(gep, vecPtrTy, name+"_vecptr")
	return b.CreateLoad(vecTy, casted, name)
}

// storeTile stores vec (a fixed vector of count elements) to ptr at
// flat offset base, mirroring original_source's storeTile<T>.
func storeTile(b llvm.Builder, ctx llvm.Context, ptr llvm.Value, elemTy llvm.Type, base llvm.Value, vec llvm.Value, count int, name string) {
	vecTy := llvm.VectorType(elemTy, count)
	gep := b.CreateGEP(elemTy, ptr, []llvm.Value{base}, name+"_gep")
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := b.CreateBitCast(gep, vecPtrTy, name+"_vecptr")
	b.CreateStore(vec, casted)
}

// extractVector extracts element i from vec.
func extractVector(b llvm.Builder, ctx llvm.Context, vec llvm.Value, i int, name string) llvm.Value {
	idx := llvm.ConstInt(ctx.Int32Type(), uint64(i), false)
	return b.CreateExtractElement(vec, idx, name)
}

// insertVector inserts val at index i of vec.
func insertVector(b llvm.Builder, ctx llvm.Context, vec llvm.Value, val llvm.Value, i int, name string) llvm.Value {
	idx := llvm.ConstInt(ctx.Int32Type(), uint64(i), false)
	return b.CreateInsertElement(vec, val, idx, name)
}

// broadcastScalar splats scalar across a vector of count lanes.
func broadcastScalar(b llvm.Builder, ctx llvm.Context, elemTy llvm.Type, scalar llvm.Value, count int, name string) llvm.Value {
	vecTy := llvm.VectorType(elemTy, count)
	undef := llvm.GetUndef(vecTy)
	zero := llvm.ConstInt(ctx.Int32Type(), 0, false)
	seeded := b.CreateInsertElement(undef, scalar, zero, name+"_seed")
	maskElems := make([]llvm.Value, count)
	for i := range maskElems {
		maskElems[i] = llvm.ConstInt(ctx.Int32Type(), 0, false)
	}
	mask := llvm.ConstVector(maskElems)
	return b.CreateShuffleVector(seeded, undef, mask, name)
}

// mulAdd emits a fused multiply-accumulate step: acc = acc + a*b for
// float element types (fmul/fadd) or acc = acc + a*b for integer
// element types (mul/add), per spec §4.4.1's explicit int/float split.
// This is the FP-aware replacement for original_source's
// accumulateResult/reduceVector, which use plain integer Add even in
// float contexts (see DESIGN.md).
func mulAdd(b llvm.Builder, kind tensortype.ElemKind, acc, a, bv llvm.Value, name string) llvm.Value {
	if kind == tensortype.FloatElem {
		prod := b.CreateFMul(a, bv, name+"_fmul")
		return b.CreateFAdd(acc, prod, name+"_fadd")
	}
	prod := b.CreateMul(a, bv, name+"_mul")
	return b.CreateAdd(acc, prod, name+"_add")
}

// zeroAccumulator returns the neutral element for summation of elemTy,
// either as a scalar (count==0) or a zero-splat vector.
func zeroAccumulator(ctx llvm.Context, elemTy llvm.Type, count int) llvm.Value {
	var scalar llvm.Value
	if elemKind(elemTy) == tensortype.FloatElem {
		scalar = llvm.ConstFloat(elemTy, 0.0)
	} else {
		scalar = llvm.ConstInt(elemTy, 0, false)
	}
	if count == 0 {
		return scalar
	}
	return llvm.ConstVector(repeat(scalar, count))
}

func repeat(v llvm.Value, n int) []llvm.Value {
	out := make([]llvm.Value, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// reduceIdentity returns the neutral element for op over elemTy per
// spec §4.4.4's identity table: add->0, mul->1, and->all-ones, or->0,
// xor->0, max->MIN, min->MAX, with float variants selected by elemTy.
func reduceIdentity(ctx llvm.Context, elemTy llvm.Type, op tensortype.ReduceOp) llvm.Value {
	isFloat := elemKind(elemTy) == tensortype.FloatElem
	switch op {
	case tensortype.ReduceAdd:
		if isFloat {
			return llvm.ConstFloat(elemTy, 0.0)
		}
		return llvm.ConstInt(elemTy, 0, false)
	case tensortype.ReduceMul:
		if isFloat {
			return llvm.ConstFloat(elemTy, 1.0)
		}
		return llvm.ConstInt(elemTy, 1, false)
	case tensortype.ReduceAnd:
		return llvm.ConstAllOnes(elemTy)
	case tensortype.ReduceOr, tensortype.ReduceXor:
		return llvm.ConstInt(elemTy, 0, false)
	case tensortype.ReduceMax:
		if isFloat {
			return llvm.ConstFloat(elemTy, negInf)
		}
		return llvm.ConstIntFromString(elemTy, minIntLiteral(elemTy), 10)
	case tensortype.ReduceMin:
		if isFloat {
			return llvm.ConstFloat(elemTy, posInf)
		}
		return llvm.ConstIntFromString(elemTy, maxIntLiteral(elemTy), 10)
	default:
		panic(fmt.Sprintf("lower: unhandled reduce op %q", op))
	}
}

var (
	negInf = math.Inf(-1) // identity for float max
	posInf = math.Inf(1)  // identity for float min
)

func minIntLiteral(t llvm.Type) string {
	switch t.IntTypeWidth() {
	case 8:
		return "-128"
	case 16:
		return "-32768"
	case 32:
		return "-2147483648"
	default:
		return "-9223372036854775808"
	}
}

func maxIntLiteral(t llvm.Type) string {
	switch t.IntTypeWidth() {
	case 8:
		return "127"
	case 16:
		return "32767"
	case 32:
		return "2147483647"
	default:
		return "9223372036854775807"
	}
}

// reduceBinOp applies op elementwise/scalarwise to (acc, val), used to
// fold a tile's lanes or a window's partial results into the running
// accumulator (spec §4.4.4).
func reduceBinOp(b llvm.Builder, kind tensortype.ElemKind, op tensortype.ReduceOp, acc, val llvm.Value, name string) llvm.Value {
	switch op {
	case tensortype.ReduceAdd:
		if kind == tensortype.FloatElem {
			return b.CreateFAdd(acc, val, name)
		}
		return b.CreateAdd(acc, val, name)
	case tensortype.ReduceMul:
		if kind == tensortype.FloatElem {
			return b.CreateFMul(acc, val, name)
		}
		return b.CreateMul(acc, val, name)
	case tensortype.ReduceAnd:
		return b.CreateAnd(acc, val, name)
	case tensortype.ReduceOr:
		return b.CreateOr(acc, val, name)
	case tensortype.ReduceXor:
		return b.CreateXor(acc, val, name)
	case tensortype.ReduceMax:
		if kind == tensortype.FloatElem {
			cond := b.CreateFCmp(llvm.FloatOGT, val, acc, name+"_cmp")
			return b.CreateSelect(cond, val, acc, name)
		}
		cond := b.CreateICmp(llvm.IntSGT, val, acc, name+"_cmp")
		return b.CreateSelect(cond, val, acc, name)
	case tensortype.ReduceMin:
		if kind == tensortype.FloatElem {
			cond := b.CreateFCmp(llvm.FloatOLT, val, acc, name+"_cmp")
			return b.CreateSelect(cond, val, acc, name)
		}
		cond := b.CreateICmp(llvm.IntSLT, val, acc, name+"_cmp")
		return b.CreateSelect(cond, val, acc, name)
	default:
		panic(fmt.Sprintf("lower: unhandled reduce op %q", op))
	}
}

// forceUnroll attaches unroll pragma metadata to the loop headed by
// header when factor > 0, matching original_source's
// forceUnrollOfLoop (spec §4.4 step 5).
func forceUnroll(ctx llvm.Context, header llvm.BasicBlock, factor int) {
	if factor <= 0 {
		return
	}
	enableStr := ctx.MDString("llvm.loop.unroll.count")
	countVal := llvm.ConstInt(ctx.Int32Type(), uint64(factor), false)
	node := ctx.MDNode([]llvm.Value{enableStr, countVal})
	term := header.LastInstruction()
	term.SetMetadata(llvm.MDKindID("llvm.loop"), node)
}
