package lower

import (
	"fmt"

	"github.com/tensorlower/tensorlower/analysis"
	"github.com/tensorlower/tensorlower/buffer"
	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/loopnest"
	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// Engine is the per-function driver for Component E. It owns no
// globals: its tensor-type map (via Analysis), buffer-pointer map (via
// Alloc) and waitlist are all scoped to one function, consistent with
// spec §5's single-threaded, non-concurrent resource model.
type Engine struct {
	Ctx     llvm.Context
	Builder llvm.Builder
	Cfg     knobs.Defaults
	KnobSet knobs.Set // nil in print mode

	Analysis *analysis.Engine
	Alloc    *buffer.Allocator
	Loops    *loopnest.Builder

	PrintMode bool
	Schema    knobs.PrintSchema // populated in print mode

	counters map[tensortype.Kind]int
	erase    []llvm.Value // queued for erasure, per spec §4.5
}

// New builds an Engine for lowering (or print-mode knob enumeration)
// within one LLVM context/module.
func New(ctx llvm.Context, cfg knobs.Defaults, knobSet knobs.Set) *Engine {
	builder := ctx.NewBuilder()
	return &Engine{
		Ctx:      ctx,
		Builder:  builder,
		Cfg:      cfg,
		KnobSet:  knobSet,
		Loops:    loopnest.New(ctx, builder),
		counters: map[tensortype.Kind]int{},
	}
}

// instanceName assigns the "<IntrinsicID>_<counter>" name spec §4.4.5
// uses to key the KnobSet, counting per-kind within the function being
// processed.
func (e *Engine) instanceName(kind tensortype.Kind) string {
	n := e.counters[kind]
	e.counters[kind] = n + 1
	return fmt.Sprintf("%s_%d", kind, n)
}

// LowerFunction runs Property Analysis, Buffer Allocation, and then
// lowers every tensor intrinsic in fn in reverse-post order (spec §2's
// data-flow description and §5's ordering guarantee), finishing with
// Cleanup. In print mode, Buffer Allocation and lowering are skipped
// entirely, fn is left unchanged, and the knob schema is accumulated
// into e.Schema instead (spec §4.4.5).
func (e *Engine) LowerFunction(fn llvm.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lower: fatal error in %s: %v", fn.Name(), r)
		}
	}()

	e.Analysis = analysis.New()
	if aerr := e.Analysis.Run(fn); aerr != nil {
		return aerr
	}

	// e.Builder is fresh from ctx.NewBuilder() and has no insertion point
	// yet; allocaFor's own save/restore of the current block would
	// otherwise save and later restore a null block.
	e.Builder.SetInsertPointAtEnd(fn.EntryBasicBlock())

	if !e.PrintMode {
		e.Alloc = buffer.New(e.Ctx, e.Builder, e.Cfg)
		if berr := e.Alloc.Allocate(e.Analysis); berr != nil {
			return berr
		}
	}

	e.counters = map[tensortype.Kind]int{}
	e.erase = nil

	intrinsics := intrinsicsInOrder(fn)
	fnName := fn.Name()

	for _, instr := range intrinsics {
		kind, elemOp, redOp, _ := analysis.ClassifyIntrinsic(instr)
		if kind == tensortype.TypeInfoKind {
			e.erase = append(e.erase, instr)
			continue
		}

		instance := e.instanceName(kind)

		if e.PrintMode {
			e.recordSchema(fnName, instance, kind, instr)
			e.erase = append(e.erase, instr) // print mode never lowers; erasure list unused there
			continue
		}

		knob := e.lookupKnob(fnName, instance, kind)
		final, lerr := e.lowerOne(instr, kind, elemOp, redOp, knob)
		if lerr != nil {
			return lerr
		}
		instr.ReplaceAllUsesWith(final)
		e.erase = append(e.erase, instr)
	}

	if e.PrintMode {
		return nil
	}
	return Cleanup(e.erase)
}

func (e *Engine) lowerOne(instr llvm.Value, kind tensortype.Kind, elemOp tensortype.ElementwiseOp, redOp tensortype.ReduceOp, knob knobs.Knob) (llvm.Value, error) {
	switch kind {
	case tensortype.MatmulKind:
		return e.lowerMatmul(instr, knob)
	case tensortype.ElementwiseKind:
		return e.lowerElementwise(instr, elemOp, knob)
	case tensortype.BroadcastKind:
		return e.lowerBroadcast(instr, knob)
	case tensortype.TransposeKind:
		return e.lowerTranspose(instr, knob)
	case tensortype.ReduceKind:
		return e.lowerReduce(instr, redOp, knob)
	default:
		return llvm.Value{}, fmt.Errorf("lower: unhandled intrinsic kind %v", kind)
	}
}

// intrinsicsInOrder collects every tensor intrinsic call instruction in
// fn, in reverse-post-order over basic blocks and program order within
// each block (spec §5's ordering guarantee).
func intrinsicsInOrder(fn llvm.Value) []llvm.Value {
	var out []llvm.Value
	for _, bb := range rpoBlocks(fn) {
		for instr := bb.FirstInstruction(); !instr.IsNil(); instr = instr.NextInstruction() {
			if _, _, _, ok := analysis.ClassifyIntrinsic(instr); ok {
				out = append(out, instr)
			}
		}
	}
	return out
}

func rpoBlocks(fn llvm.Value) []llvm.BasicBlock {
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
		term := bb.LastInstruction()
		if !term.IsNil() {
			for i := 0; i < term.SuccessorsCount(); i++ {
				visit(term.Successor(i))
			}
		}
		post = append(post, bb)
	}
	visit(entry)
	out := make([]llvm.BasicBlock, len(post))
	for i, bb := range post {
		out[len(post)-1-i] = bb
	}
	return out
}

// lookupKnob resolves the knob for fn/instance, falling back to the
// engine's compile-time Defaults when the KnobSet has no entry (spec
// §4.4.5, §6).
func (e *Engine) lookupKnob(fn, instance string, kind tensortype.Kind) knobs.Knob {
	if e.KnobSet != nil {
		if k, ok := e.KnobSet.Lookup(fn, instance); ok {
			return k
		}
	}
	ts := e.Cfg.TileSize
	tm, tn, tk := e.Cfg.TileSizeM, e.Cfg.TileSizeN, e.Cfg.TileSizeK
	u := e.Cfg.InnerLoopUnrollFactor
	return knobs.Knob{TileSize: &ts, TileSizeM: &tm, TileSizeN: &tn, TileSizeK: &tk, InnerLoopUnrollFactor: &u}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
