// Package loopnest implements the Loop-Nest Builder (Component D): a
// chain of header/body/latch basic blocks with induction PHIs, built
// from a list of (bound, step, start) triples in outer-to-inner order
// (spec §4.3).
//
// Construction is split into Build and Complete because the Lowering
// Engine must emit tile loads, the compute kernel, and tile stores
// into the innermost body *between* those two steps (spec §4.4 steps
// 2-5); Build leaves the innermost body open with no terminator, and
// Complete wires the latch chain and finishes the induction PHIs once
// the caller is done emitting into the body.
package loopnest

import "tinygo.org/x/go-llvm"

// Bound describes one loop level's trip parameters: runtime i32
// values, matching the teacher's own start/stop/step idiom in the
// (dead, but directly grounding) createLoop sketch in compiler/loop.go.
type Bound struct {
	Start, Step, BoundVal llvm.Value
	Name                  string // used to derive block names, e.g. "m", "n", "k"
}

// Level is one realized loop level of a Nest.
type Level struct {
	Header, Body, Latch, Preheader llvm.BasicBlock
	Induction                      llvm.Value // the PHI at Header
	Bound                          Bound
}

// Nest is the built chain of loops, outer to inner. Ownership: owned by
// the lowering of a single intrinsic and discarded once that lowering
// completes (spec §3).
type Nest struct {
	Levels []Level
	exit   llvm.BasicBlock
}

// Innermost returns the innermost level's body block, the insertion
// point the Lowering Engine emits loads/kernel/stores into.
func (n *Nest) Innermost() llvm.BasicBlock {
	return n.Levels[len(n.Levels)-1].Body
}

// PreLastLatch returns the latch of the second-innermost loop, where
// matmul tile stores are emitted (spec glossary, "Pre-last latch"). For
// a nest with fewer than two levels this is the innermost latch itself.
func (n *Nest) PreLastLatch() llvm.BasicBlock {
	if len(n.Levels) < 2 {
		return n.Levels[len(n.Levels)-1].Latch
	}
	return n.Levels[len(n.Levels)-2].Latch
}

// Builder constructs loop nests within one function using ctx/builder,
// the same insertion-point discipline the teacher's createIfElseCont
// and createEntryBlockAlloca helpers use.
type Builder struct {
	ctx     llvm.Context
	builder llvm.Builder
}

func New(ctx llvm.Context, builder llvm.Builder) *Builder {
	return &Builder{ctx: ctx, builder: builder}
}

// Build creates the header/latch blocks and induction PHIs for every
// level, outer to inner, and (when mustHaveBody) a distinct innermost
// body block. The latch blocks are created but left empty; the
// induction PHIs only have their preheader incoming so far. The
// builder's insertion point is left at the innermost body (or header,
// if mustHaveBody is false), open for the caller to emit into.
func (b *Builder) Build(exit llvm.BasicBlock, bounds []Bound, mustHaveBody bool) *Nest {
	fn := b.builder.GetInsertBlock().Parent()
	nest := &Nest{Levels: make([]Level, len(bounds)), exit: exit}

	preheader := b.builder.GetInsertBlock()
	for i, bound := range bounds {
		header := b.ctx.AddBasicBlock(fn, bound.Name+"_header")
		latch := b.ctx.AddBasicBlock(fn, bound.Name+"_latch")

		b.builder.CreateBr(header)
		b.builder.SetInsertPointAtEnd(header)

		iv := b.builder.CreatePHI(b.ctx.Int32Type(), bound.Name+"_iv")
		iv.AddIncoming([]llvm.Value{bound.Start}, []llvm.BasicBlock{preheader})

		body := header
		isInnermost := i == len(bounds)-1
		if isInnermost && mustHaveBody {
			body = b.ctx.AddBasicBlock(fn, bound.Name+"_body")
			b.builder.CreateBr(body)
			b.builder.SetInsertPointAtEnd(body)
		}

		nest.Levels[i] = Level{
			Header:    header,
			Body:      body,
			Latch:     latch,
			Preheader: preheader,
			Induction: iv,
			Bound:     bound,
		}
		preheader = header
	}

	return nest
}

// Complete finishes a Nest after the caller emitted its body: fromBlock
// is the block currently open (the last block the caller inserted into,
// usually nest.Innermost() itself, but may be a descendant block the
// caller created for its own nested control flow). Complete branches
// fromBlock into the innermost latch, then wires every latch
// innermost-to-outermost: increments the induction, completes its PHI
// with the latch incoming, and emits the `ICMP_NE inc, bound` branch
// back to header or through to the next outer latch / exit (spec §4.3,
// §8's "latch comparison uses ICMP_NE inc, bound" invariant).
func (b *Builder) Complete(n *Nest, fromBlock llvm.BasicBlock) {
	cur := b.builder.GetInsertBlock()
	b.builder.SetInsertPointAtEnd(fromBlock)
	b.builder.CreateBr(n.Levels[len(n.Levels)-1].Latch)
	b.builder.SetInsertPointAtEnd(cur)

	for i := len(n.Levels) - 1; i >= 0; i-- {
		lvl := &n.Levels[i]
		b.builder.SetInsertPointAtEnd(lvl.Latch)
		inc := b.builder.CreateAdd(lvl.Induction, lvl.Bound.Step, lvl.Bound.Name+"_inc")
		lvl.Induction.AddIncoming([]llvm.Value{inc}, []llvm.BasicBlock{lvl.Latch})

		cond := b.builder.CreateICmp(llvm.IntNE, inc, lvl.Bound.BoundVal, lvl.Bound.Name+"_cmp")

		fallthroughDst := n.exit
		if i > 0 {
			fallthroughDst = n.Levels[i-1].Latch
		}
		b.builder.CreateCondBr(cond, lvl.Header, fallthroughDst)
	}
}
