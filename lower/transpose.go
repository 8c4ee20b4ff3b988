package lower

import (
	"fmt"

	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/loopnest"
	"tinygo.org/x/go-llvm"
)

// lowerTranspose implements spec §4.4.3: a loop nest over the flattened
// batch of leading axes and the M/N tile of the last two axes, with a
// per-lane shuffle in the body. Only a swap of the last two axes is
// supported: a result whose last two layout entries are not the
// input's, exchanged, is rejected with an error.
func (e *Engine) lowerTranspose(instr llvm.Value, knob knobs.Knob) (llvm.Value, error) {
	inTV, ok := e.Analysis.Lookup(instr.Operand(0))
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: transpose input %s has no tensor type", instr.Operand(0).Name())
	}
	outTV, ok := e.Analysis.Lookup(instr)
	if !ok {
		return llvm.Value{}, fmt.Errorf("lower: transpose result %s has no tensor type", instr.Name())
	}

	d := inTV.Type.Rank()
	elemTy := inTV.Val.Type().ElementType()
	if outTV.Type.Layout[d-2] != inTV.Type.Layout[d-1] || outTV.Type.Layout[d-1] != inTV.Type.Layout[d-2] {
		return llvm.Value{}, fmt.Errorf("lower: transpose %s: output layout %v is not input layout %v with the last two axes swapped",
			instr.Name(), outTV.Type.Layout, inTV.Type.Layout)
	}

	batch := uint64(1)
	for i := 0; i < d-2; i++ {
		batch *= inTV.Type.Shape[i]
	}
	mDim, nDim := inTV.Type.Shape[d-2], inTV.Type.Shape[d-1]
	tileM := uint64(intOr(knob.TileSizeM, e.Cfg.TileSizeM))
	tileN := uint64(intOr(knob.TileSizeN, e.Cfg.TileSizeN))

	inStrideBatch := mDim * nDim
	if d >= 3 {
		inStrideBatch = inTV.Type.Stride(d - 3)
	}
	inStrideM, inStrideN := inTV.Type.Stride(d-2), inTV.Type.Stride(d-1)
	outStrideM, outStrideN := outTV.Type.Stride(d-2), outTV.Type.Stride(d-1)

	pred, succ := splitAt(e.Ctx, instr)
	e.Builder.SetInsertPointAtEnd(pred)

	i32 := e.Ctx.Int32Type()
	bounds := []loopnest.Bound{
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, 1, false), BoundVal: llvm.ConstInt(i32, batch, false), Name: "t_batch"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, tileM, false), BoundVal: llvm.ConstInt(i32, mDim, false), Name: "t_m"},
		{Start: llvm.ConstInt(i32, 0, false), Step: llvm.ConstInt(i32, tileN, false), BoundVal: llvm.ConstInt(i32, nDim, false), Name: "t_n"},
	}
	nest := e.Loops.Build(succ, bounds, true)
	batchIv, mIv, nIv := nest.Levels[0].Induction, nest.Levels[1].Induction, nest.Levels[2].Induction
	body := nest.Innermost()

	e.Builder.SetInsertPointAtEnd(body)
	batchBase := e.Builder.CreateMul(batchIv, llvm.ConstInt(i32, inStrideBatch, false), "t_batch_base")

	for i := uint64(0); i < tileM; i++ {
		for j := uint64(0); j < tileN; j++ {
			srcRow := e.Builder.CreateAdd(mIv, llvm.ConstInt(i32, i, false), "t_src_row")
			srcCol := e.Builder.CreateAdd(nIv, llvm.ConstInt(i32, j, false), "t_src_col")
			srcIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{srcRow, srcCol}, []uint64{inStrideM, inStrideN})
			srcIdx = e.Builder.CreateAdd(batchBase, srcIdx, "t_src_idx")
			gep := e.Builder.CreateGEP(elemTy, inTV.MemPtr, []llvm.Value{srcIdx}, "t_src_gep")
			lane := e.Builder.CreateLoad(elemTy, gep, "t_lane")

			dstRow := e.Builder.CreateAdd(nIv, llvm.ConstInt(i32, j, false), "t_dst_row")
			dstCol := e.Builder.CreateAdd(mIv, llvm.ConstInt(i32, i, false), "t_dst_col")
			dstIdx := computeIndex(e.Builder, e.Ctx, []llvm.Value{dstRow, dstCol}, []uint64{outStrideM, outStrideN})
			dstIdx = e.Builder.CreateAdd(batchBase, dstIdx, "t_dst_idx")
			dgep := e.Builder.CreateGEP(elemTy, outTV.MemPtr, []llvm.Value{dstIdx}, "t_dst_gep")
			e.Builder.CreateStore(lane, dgep)
		}
	}

	e.Loops.Complete(nest, body)
	forceUnroll(e.Ctx, nest.Levels[len(nest.Levels)-1].Header, intOr(knob.InnerLoopUnrollFactor, e.Cfg.InnerLoopUnrollFactor))

	e.Builder.SetInsertPointAtEnd(succ)
	vecTy := llvm.VectorType(elemTy, int(outTV.Type.Size()))
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := e.Builder.CreateBitCast(outTV.MemPtr, vecPtrTy, instr.Name()+"_final_ptr")
	return e.Builder.CreateLoad(vecTy, casted, instr.Name()+"_final"), nil
}
