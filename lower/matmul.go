package lower

import (
	"fmt"

	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/loopnest"
	"tinygo.org/x/go-llvm"
)

// axisMap tells which physical axis of the last two holds which logical
// matmul role (m/k for L, k/n for R, m/n for O), derived from RowMajor
// vs ColumnMajor exactly as resolveMatmul does during property analysis.
func axisMap(rowMajor bool, d int) (first, second int) {
	if rowMajor {
		return d - 2, d - 1
	}
	return d - 1, d - 2
}

// lowerMatmul implements spec §4.4.1: a four-deep batch/M/N/K loop nest
// with m_tile accumulator PHIs of width n_tile living at the K-loop
// header, and tile-row stores emitted at the pre-last (N-loop) latch
// once the K-loop exits.
//
// Tile operands are fetched element-by-element via computeIndex/GEP
// rather than via bulk vector loads: TensorType.Stride is already
// defined over physical axis position (see tensortype.TensorType.Stride),
// so per-lane addressing is correct regardless of which of the four
// row/column-major combinations L and R are in, the same simplification
// lowerTranspose uses for its per-lane shuffle. The spec's four
// kernel-selection cases are a vectorization-direction optimization on
// top of that addressing, not a correctness requirement; this port
// trades the bulk-vector fast path for one addressing scheme uniform
// across all four layout combinations (see DESIGN.md).
func (e *Engine) lowerMatmul(instr llvm.Value, knob knobs.Knob) (llvm.Value, error) {
	lTV, ok := e.Analysis.Lookup(instr.Operand(0))
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: matmul L operand %s has no tensor type", instr.Operand(0).Name())
	}
	rTV, ok := e.Analysis.Lookup(instr.Operand(1))
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: matmul R operand %s has no tensor type", instr.Operand(1).Name())
	}
	outTV, ok := e.Analysis.Lookup(instr)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: matmul result %s has no tensor type", instr.Name())
	}

	d := lTV.Type.Rank()
	elemTy := lTV.Val.Type().ElementType()
	kind := elemKind(elemTy)

	mAxisL, kAxisL := axisMap(lTV.Type.RowMajor(), d)
	kAxisR, nAxisR := axisMap(rTV.Type.RowMajor(), d)
	mAxisO, nAxisO := axisMap(outTV.Type.RowMajor(), d)

	mDim := lTV.Type.Shape[mAxisL]
	kDim := lTV.Type.Shape[kAxisL]
	nDim := rTV.Type.Shape[nAxisR]

	batch := uint64(1)
	for i := 0; i < d-2; i++ {
		batch *= lTV.Type.Shape[i]
	}
	batchStrideL := uint64(1)
	batchStrideR := uint64(1)
	batchStrideO := uint64(1)
	if d >= 3 {
		batchStrideL = lTV.Type.Stride(d - 3)
		batchStrideR = rTV.Type.Stride(d - 3)
		batchStrideO = outTV.Type.Stride(d - 3)
	}

	tileM := intOr(knob.TileSizeM, e.Cfg.TileSizeM)
	tileN := intOr(knob.TileSizeN, e.Cfg.TileSizeN)
	tileK := intOr(knob.TileSizeK, e.Cfg.TileSizeK)

	pred, succ := splitAt(e.Ctx, instr)
	e.Builder.SetInsertPointAtEnd(pred)

	i32 := e.Ctx.Int32Type()
	bounds := []loopnest.Bound{
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, 1, false), BoundVal: llvm.ConstInt(i32, batch, false), Name: "mm_batch"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tileM), false), BoundVal: llvm.ConstInt(i32, mDim, false), Name: "mm_m"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tileN), false), BoundVal: llvm.ConstInt(i32, nDim, false), Name: "mm_n"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, uint64(tileK), false), BoundVal: llvm.ConstInt(i32, kDim, false), Name: "mm_k"},
	}
	nest := e.Loops.Build(succ, bounds, true)
	batchIv := nest.Levels[0].Induction
	mIv := nest.Levels[1].Induction
	nIv := nest.Levels[2].Induction
	kIv := nest.Levels[3].Induction
	kHeader := nest.Levels[3].Header
	kPreheader := nest.Levels[3].Preheader
	kBody := nest.Innermost()
	nLatch := nest.PreLastLatch()

	// Accumulator PHIs: one per row of the M tile, each an n_tile-wide
	// vector, initialized to zero on entry from the N-loop header (spec
	// §4.4.1, "initialized to all-zero at the preheader of the K-loop").
	term := kHeader.LastInstruction()
	e.Builder.SetInsertPointBefore(term)
	zero := zeroAccumulator(e.Ctx, elemTy, tileN)
	accPHIs := make([]llvm.Value, tileM)
	for i := range accPHIs {
		phi := e.Builder.CreatePHI(llvm.VectorType(elemTy, tileN), fmt.Sprintf("mm_acc_%d", i))
		phi.AddIncoming([]llvm.Value{zero}, []llvm.BasicBlock{kPreheader})
		accPHIs[i] = phi
	}

	e.Builder.SetInsertPointAtEnd(kBody)
	batchBaseL := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, batchStrideL, false), "mm_bbL")
	batchBaseR := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, batchStrideR, false), "mm_bbR")

	newAcc := make([]llvm.Value, tileM)
	for i := 0; i < tileM; i++ {
		acc := accPHIs[i]
		mRow := e.Builder.CreateAdd(mIv, llvm.ConstInt(i32, uint64(i), false), "mm_mrow")
		for kk := 0; kk < tileK; kk++ {
			kLane := e.Builder.CreateAdd(kIv, llvm.ConstInt(i32, uint64(kk), false), "mm_klane")

			lIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{mRow, kLane}, []uint64{lTV.Type.Stride(mAxisL), lTV.Type.Stride(kAxisL)})
			lIdx = e.Builder.CreateAdd(batchBaseL, lIdx, "mm_lidx")
			lGep := e.Builder.CreateGEP(elemTy, lTV.MemPtr, []llvm.Value{lIdx}, "mm_lgep")
			lScalar := e.Builder.CreateLoad(elemTy, lGep, "mm_lval")
			lBroadcast := broadcastScalar(e.Builder, e.Ctx, elemTy, lScalar, tileN, "mm_lbcast")

			rVec := llvm.GetUndef(llvm.VectorType(elemTy, tileN))
			for j := 0; j < tileN; j++ {
				nLane := e.Builder.CreateAdd(nIv, llvm.ConstInt(i32, uint64(j), false), "mm_nlane")
				rIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{kLane, nLane}, []uint64{rTV.Type.Stride(kAxisR), rTV.Type.Stride(nAxisR)})
				rIdx = e.Builder.CreateAdd(batchBaseR, rIdx, "mm_ridx")
				rGep := e.Builder.CreateGEP(elemTy, rTV.MemPtr, []llvm.Value{rIdx}, "mm_rgep")
				rScalar := e.Builder.CreateLoad(elemTy, rGep, "mm_rval")
				rVec = insertVector(e.Builder, e.Ctx, rVec, rScalar, j, "mm_rins")
			}

			acc = mulAdd(e.Builder, kind, acc, lBroadcast, rVec, fmt.Sprintf("mm_acc_%d_%d", i, kk))
		}
		newAcc[i] = acc
		accPHIs[i].AddIncoming([]llvm.Value{acc}, []llvm.BasicBlock{nest.Levels[3].Latch})
	}

	// Store completed tile rows to O at the N-loop's pre-last latch,
	// after the K-loop exits (spec §4.4.1, glossary "Pre-last latch").
	e.Builder.SetInsertPointAtEnd(nLatch)
	batchBaseO := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, batchStrideO, false), "mm_bbO")
	for i := 0; i < tileM; i++ {
		mRow := e.Builder.CreateAdd(mIv, llvm.ConstInt(i32, uint64(i), false), "mm_orow")
		for j := 0; j < tileN; j++ {
			nLane := e.Builder.CreateAdd(nIv, llvm.ConstInt(i32, uint64(j), false), "mm_ocol")
			oIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{mRow, nLane}, []uint64{outTV.Type.Stride(mAxisO), outTV.Type.Stride(nAxisO)})
			oIdx = e.Builder.CreateAdd(batchBaseO, oIdx, "mm_oidx")
			oGep := e.Builder.CreateGEP(elemTy, outTV.MemPtr, []llvm.Value{oIdx}, "mm_ogep")
			lane := extractVector(e.Builder, e.Ctx, newAcc[i], j, "mm_olane")
			e.Builder.CreateStore(lane, oGep)
		}
	}

	e.Loops.Complete(nest, kBody)
	forceUnroll(e.Ctx, kHeader, intOr(knob.InnerLoopUnrollFactor, e.Cfg.InnerLoopUnrollFactor))

	e.Builder.SetInsertPointAtEnd(succ)
	vecTy := llvm.VectorType(elemTy, int(outTV.Type.Size()))
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := e.Builder.CreateBitCast(outTV.MemPtr, vecPtrTy, instr.Name()+"_final_ptr")
	return e.Builder.CreateLoad(vecTy, casted, instr.Name()+"_final"), nil
}
