package lower

import "tinygo.org/x/go-llvm"

// splitAt implements spec §4.4 step 2's "split the original block at
// the intrinsic so the nest lies between the predecessor and
// successor": every instruction after instr, plus the block's original
// terminator, is moved into a fresh successor block; instr itself stays
// behind (Cleanup erases it later once its uses are replaced). instr's
// original block becomes the preheader, left open with no terminator
// so the caller can build the loop nest and branch into it. The
// returned succ block is where execution resumes once the nest's
// outermost latch falls through.
func splitAt(ctx llvm.Context, instr llvm.Value) (pred, succ llvm.BasicBlock) {
	bb := instr.InstructionParent()
	fn := bb.Parent()
	succ = ctx.AddBasicBlock(fn, bb.AsValue().Name()+".cont")

	// instr itself stays in pred (it is erased later by Cleanup, once
	// its uses have been replaced by the final load); everything after
	// it, including the block's original terminator, moves to succ.
	var tail []llvm.Value
	for cur := instr.NextInstruction(); !cur.IsNil(); cur = cur.NextInstruction() {
		tail = append(tail, cur)
	}

	builder := ctx.NewBuilder()
	builder.SetInsertPointAtEnd(succ)
	for _, v := range tail {
		v.InstructionRemoveFromParent()
		builder.Insert(v)
	}

	return bb, succ
}
