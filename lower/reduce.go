package lower

import (
	"fmt"

	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/loopnest"
	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// reduceWindowStrides re-extracts the window and strides constant
// vectors from a reduce intrinsic's first two operands, mirroring
// analysis.resolveReduce's extraction (that engine keeps the derived
// output TensorType, not the window/strides that produced it, so the
// lowering side re-reads the same operands directly off the IR, the
// same duplication print.go's matmulDims already accepts for matmul).
func reduceWindowStrides(instr llvm.Value) (windowM, windowN, strideM, strideN uint64) {
	window := constVectorUints(instr.Operand(0))
	strides := constVectorUints(instr.Operand(1))
	return window[len(window)-2], window[len(window)-1], strides[len(strides)-2], strides[len(strides)-1]
}

func constVectorUints(v llvm.Value) []uint64 {
	n := v.OperandsCount()
	if n == 0 {
		n = v.Type().VectorSize()
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = v.Operand(i).ZExtValue()
	}
	return out
}

// lowerReduce implements spec §4.4.4: a five-deep nest (batch, output
// row, output col, window row, window col) with two nested PHIs -- an
// outer-window accumulator combined once per window-row at the
// window-row latch, and an inner accumulator combined once per
// window-tile at the window-col latch -- both seeded from op's
// reduction identity, with the final value stored to the output cell
// once both window loops exit.
func (e *Engine) lowerReduce(instr llvm.Value, op tensortype.ReduceOp, knob knobs.Knob) (llvm.Value, error) {
	in := instr.Operand(2)
	inTV, ok := e.Analysis.Lookup(in)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: reduce input %s has no tensor type", in.Name())
	}
	outTV, ok := e.Analysis.Lookup(instr)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: reduce result %s has no tensor type", instr.Name())
	}

	d := inTV.Type.Rank()
	elemTy := inTV.Val.Type().ElementType()
	kind := elemKind(elemTy)

	windowM, windowN, strideM, strideN := reduceWindowStrides(instr)
	outM, outN := outTV.Type.Shape[d-2], outTV.Type.Shape[d-1]

	batch := uint64(1)
	for i := 0; i < d-2; i++ {
		batch *= inTV.Type.Shape[i]
	}
	inBatchStride := uint64(1)
	outBatchStride := uint64(1)
	if d >= 3 {
		inBatchStride = inTV.Type.Stride(d - 3)
		outBatchStride = outTV.Type.Stride(d - 3)
	}
	inStrideM, inStrideN := inTV.Type.Stride(d-2), inTV.Type.Stride(d-1)
	outStrideM, outStrideN := outTV.Type.Stride(d-2), outTV.Type.Stride(d-1)

	tileM := intOr(knob.TileSizeM, e.Cfg.TileSizeM)
	tileN := intOr(knob.TileSizeN, e.Cfg.TileSizeN)

	pred, succ := splitAt(e.Ctx, instr)
	e.Builder.SetInsertPointAtEnd(pred)

	i32 := e.Ctx.Int32Type()
	bounds := []loopnest.Bound{
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, 1, false), BoundVal: llvm.ConstInt(i32, batch, false), Name: "rd_batch"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, 1, false), BoundVal: llvm.ConstInt(i32, outM, false), Name: "rd_orow"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, 1, false), BoundVal: llvm.ConstInt(i32, outN, false), Name: "rd_ocol"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tileM), false), BoundVal: llvm.ConstInt(i32, windowM, false), Name: "rd_wrow"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tileN), false), BoundVal: llvm.ConstInt(i32, windowN, false), Name: "rd_wcol"},
	}
	nest := e.Loops.Build(succ, bounds, true)
	batchIv := nest.Levels[0].Induction
	orowIv := nest.Levels[1].Induction
	ocolIv := nest.Levels[2].Induction
	wrowIv := nest.Levels[3].Induction
	wcolIv := nest.Levels[4].Induction
	wrowHeader, wrowPreheader, wrowLatch := nest.Levels[3].Header, nest.Levels[3].Preheader, nest.Levels[3].Latch
	wcolHeader, wcolPreheader, wcolLatch := nest.Levels[4].Header, nest.Levels[4].Preheader, nest.Levels[4].Latch
	ocolLatch := nest.Levels[2].Latch
	body := nest.Innermost()

	identity := reduceIdentity(e.Ctx, elemTy, op)

	e.Builder.SetInsertPointBefore(wrowHeader.LastInstruction())
	outerPHI := e.Builder.CreatePHI(elemTy, "rd_outer")
	outerPHI.AddIncoming([]llvm.Value{identity}, []llvm.BasicBlock{wrowPreheader})

	e.Builder.SetInsertPointBefore(wcolHeader.LastInstruction())
	innerPHI := e.Builder.CreatePHI(elemTy, "rd_inner")
	innerPHI.AddIncoming([]llvm.Value{identity}, []llvm.BasicBlock{wcolPreheader})

	e.Builder.SetInsertPointAtEnd(body)
	inBatchBase := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, inBatchStride, false), "rd_ibb")

	tileResult := identity
	for i := 0; i < tileM; i++ {
		wr := e.Builder.CreateAdd(wrowIv, llvm.ConstInt(i32, uint64(i), false), "rd_wr")
		srcRow := e.Builder.CreateMul(orowIv, llvm.ConstInt(i32, strideM, false), "rd_srow_base")
		srcRow = e.Builder.CreateAdd(srcRow, wr, "rd_srow")
		for j := 0; j < tileN; j++ {
			wc := e.Builder.CreateAdd(wcolIv, llvm.ConstInt(i32, uint64(j), false), "rd_wc")
			srcCol := e.Builder.CreateMul(ocolIv, llvm.ConstInt(i32, strideN, false), "rd_scol_base")
			srcCol = e.Builder.CreateAdd(srcCol, wc, "rd_scol")

			idx := computeIndex(e.Builder, e.Ctx, []llvm.Value{srcRow, srcCol}, []uint64{inStrideM, inStrideN})
			idx = e.Builder.CreateAdd(inBatchBase, idx, "rd_idx")
			gep := e.Builder.CreateGEP(elemTy, inTV.MemPtr, []llvm.Value{idx}, "rd_gep")
			lane := e.Builder.CreateLoad(elemTy, gep, "rd_lane")

			tileResult = reduceBinOp(e.Builder, kind, op, tileResult, lane, "rd_tile")
		}
	}
	newInner := reduceBinOp(e.Builder, kind, op, innerPHI, tileResult, "rd_inner_next")
	innerPHI.AddIncoming([]llvm.Value{newInner}, []llvm.BasicBlock{wcolLatch})

	e.Builder.SetInsertPointAtEnd(wrowLatch)
	newOuter := reduceBinOp(e.Builder, kind, op, outerPHI, newInner, "rd_outer_next")
	outerPHI.AddIncoming([]llvm.Value{newOuter}, []llvm.BasicBlock{wrowLatch})

	e.Builder.SetInsertPointAtEnd(ocolLatch)
	outBatchBase := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, outBatchStride, false), "rd_obb")
	oIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{orowIv, ocolIv}, []uint64{outStrideM, outStrideN})
	oIdx = e.Builder.CreateAdd(outBatchBase, oIdx, "rd_oidx")
	oGep := e.Builder.CreateGEP(elemTy, outTV.MemPtr, []llvm.Value{oIdx}, "rd_ogep")
	e.Builder.CreateStore(newOuter, oGep)

	e.Loops.Complete(nest, body)
	forceUnroll(e.Ctx, wcolHeader, intOr(knob.InnerLoopUnrollFactor, e.Cfg.InnerLoopUnrollFactor))

	e.Builder.SetInsertPointAtEnd(succ)
	vecTy := llvm.VectorType(elemTy, int(outTV.Type.Size()))
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := e.Builder.CreateBitCast(outTV.MemPtr, vecPtrTy, instr.Name()+"_final_ptr")
	return e.Builder.CreateLoad(vecTy, casted, instr.Name()+"_final"), nil
}
