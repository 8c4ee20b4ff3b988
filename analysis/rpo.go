package analysis

import "tinygo.org/x/go-llvm"

// rpo returns the basic blocks of fn in reverse post order, the
// traversal order of the initial analysis sweep (spec §4.1). The
// lowering package orders intrinsics with its own copy, rpoBlocks.
func rpo(fn llvm.Value) []llvm.BasicBlock {
	entry := fn.EntryBasicBlock()
	if entry.IsNil() {
		return nil
	}

	visited := map[llvm.BasicBlock]bool{}
	var post []llvm.BasicBlock

	var visit func(bb llvm.BasicBlock)
	visit = func(bb llvm.BasicBlock) {
		if visited[bb] {
			return
		}
		visited[bb] = true
		for _, succ := range successors(bb) {
			visit(succ)
		}
		post = append(post, bb)
	}
	visit(entry)

	// post is post-order; reverse it for reverse-post-order.
	out := make([]llvm.BasicBlock, len(post))
	for i, bb := range post {
		out[len(post)-1-i] = bb
	}
	return out
}

func successors(bb llvm.BasicBlock) []llvm.BasicBlock {
	term := bb.LastInstruction()
	if term.IsNil() {
		return nil
	}
	count := term.SuccessorsCount()
	out := make([]llvm.BasicBlock, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, term.Successor(i))
	}
	return out
}
