// Package buffer implements the Buffer Allocator (Component C): it
// materializes one buffer per tensor SSA value and optionally seeds it
// from the value's source, per spec §4.2. Buffers are stack allocas
// (see allocaFor); no heap allocation is emitted.
package buffer

import (
	"fmt"

	"github.com/tensorlower/tensorlower/analysis"
	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// Allocator owns the buffer-pointer side table for one function. It is
// a non-owning view over the IR: the engine never frees values it did
// not itself create (spec §9, Ownership of IR nodes).
type Allocator struct {
	ctx     llvm.Context
	builder llvm.Builder
	memcpy  bool // memcpy-mode vs typed-store-mode, from knobs.Defaults.MemcpyMode

	// PtrAlias is a side table from a pointer operand of a TypeInfo
	// annotation to a buffer, kept separate from the per-value records.
	// New creates it empty and nothing in this package writes or reads
	// it: Allocate gives a pointer operand that analysis registered as a
	// tensor value its own buffer, like any other tensor value.
	PtrAlias map[llvm.Value]llvm.Value
}

// New creates an allocator bound to ctx/builder, honoring the
// memcpy-mode vs typed-store-mode selection from cfg.
func New(ctx llvm.Context, builder llvm.Builder, cfg knobs.Defaults) *Allocator {
	return &Allocator{ctx: ctx, builder: builder, memcpy: cfg.MemcpyMode, PtrAlias: map[llvm.Value]llvm.Value{}}
}

// Allocate materializes a buffer for every tensor value in eng in
// discovery order, recording memPtr/allocSize on the TensorValue
// record itself (spec §3's TensorValue.memPtr / allocSize fields).
func (a *Allocator) Allocate(eng *analysis.Engine) error {
	for _, tv := range eng.TensorValues() {
		if !tv.MemPtr.IsNil() {
			continue // PHI-driven re-visit, or an alias already resolved it
		}
		elemTy := elementType(tv.Val)
		size := tv.Type.Size()

		ptr := a.allocaFor(tv.Val, elemTy, size)
		tv.MemPtr = ptr
		tv.AllocSize = size

		if err := a.seed(tv, elemTy); err != nil {
			return err
		}
	}
	return nil
}

// allocaFor inserts the allocation at the first non-PHI of v's block
// when v is itself a PHI (spec §4.2), otherwise at the current
// insertion point's entry block, matching the teacher's
// createEntryBlockAlloca idiom of always hoisting allocas to the
// function entry regardless of where the logical "allocation site" is.
func (a *Allocator) allocaFor(v llvm.Value, elemTy llvm.Type, size uint64) llvm.Value {
	arrTy := llvm.ArrayType(elemTy, int(size))

	if v.InstructionOpcode() == llvm.PHI {
		bb := v.InstructionParent()
		cur := a.builder.GetInsertBlock()
		first := firstNonPHI(bb)
		if first.IsNil() {
			a.builder.SetInsertPointAtEnd(bb)
		} else {
			a.builder.SetInsertPointBefore(first)
		}
		alloca := a.builder.CreateAlloca(arrTy, v.Name()+"_buf")
		a.builder.SetInsertPointAtEnd(cur)
		return alloca
	}

	fn := a.builder.GetInsertBlock().Parent()
	entry := fn.EntryBasicBlock()
	cur := a.builder.GetInsertBlock()
	first := entry.FirstInstruction()
	if first.IsNil() {
		a.builder.SetInsertPointAtEnd(entry)
	} else {
		a.builder.SetInsertPointBefore(first)
	}
	alloca := a.builder.CreateAlloca(arrTy, v.Name()+"_buf")
	a.builder.SetInsertPointAtEnd(cur)
	return alloca
}

func firstNonPHI(bb llvm.BasicBlock) llvm.Value {
	for instr := bb.FirstInstruction(); !instr.IsNil(); instr = instr.NextInstruction() {
		if instr.InstructionOpcode() != llvm.PHI {
			return instr
		}
	}
	return llvm.Value{}
}

// seed implements the two initialization policies of spec §4.2. If the
// source SSA value is neither a load nor a stored value, the buffer is
// left uninitialized: allocation is best-effort, and the lowered
// kernel remains responsible for writing it.
func (a *Allocator) seed(tv *analysis.TensorValue, elemTy llvm.Type) error {
	src, kind := sourceOf(tv.Val)
	switch kind {
	case sourceNone:
		return nil
	case sourceLoad:
		if !a.memcpy {
			return a.typedStore(tv, elemTy)
		}
		return a.memcpyFrom(tv, src, elemTy)
	case sourceStoredValue:
		return a.typedStoreValue(tv, src, elemTy)
	default:
		return fmt.Errorf("buffer: unhandled source kind for %s", tv.Val.Name())
	}
}

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceLoad
	sourceStoredValue
)

// sourceOf identifies how tv's SSA value came to exist: loaded from
// memory (seed via memcpy from that pointer, in memcpy mode) or simply
// produced as a value with no backing memory yet (seed via a typed
// store of the value itself).
func sourceOf(v llvm.Value) (llvm.Value, sourceKind) {
	if v.InstructionOpcode() == llvm.Load {
		return v.Operand(0), sourceLoad
	}
	if isLoweredIntrinsicResult(v) {
		// The buffer for a matmul/elementwise/broadcast/transpose/reduce
		// call is filled by the loop nest the lowering engine builds in
		// its place, not by a typed store of the call's own result: that
		// result gets ReplaceAllUsesWith-rewired to the nest's final
		// value once lowered, which would leave a store referencing a
		// definition that no longer dominates it.
		return llvm.Value{}, sourceNone
	}
	if v.OperandsCount() > 0 {
		return v, sourceStoredValue
	}
	return llvm.Value{}, sourceNone
}

// isLoweredIntrinsicResult reports whether v is itself the call result
// of one of the tensor intrinsics the lowering engine replaces in
// place, as opposed to a TypeInfo annotation (which carries no result
// value of its own) or any other computed value.
func isLoweredIntrinsicResult(v llvm.Value) bool {
	kind, _, _, ok := analysis.ClassifyIntrinsic(v)
	return ok && kind != tensortype.TypeInfoKind
}

func (a *Allocator) memcpyFrom(tv *analysis.TensorValue, srcPtr llvm.Value, elemTy llvm.Type) error {
	// A flat byte-for-byte copy of tv.AllocSize elements; the byte
	// count is tv.AllocSize times the width of elemTy (byteWidth).
	size := llvm.ConstInt(a.ctx.Int64Type(), tv.AllocSize*byteWidth(elemTy), false)
	a.builder.CreateCall(memcpyType(a.ctx), memcpyIntrinsic(a, a.ctx), []llvm.Value{
		tv.MemPtr, srcPtr, size, llvm.ConstInt(a.ctx.Int1Type(), 0, false),
	}, "")
	return nil
}

func (a *Allocator) typedStore(tv *analysis.TensorValue, elemTy llvm.Type) error {
	return a.typedStoreValue(tv, tv.Val, elemTy)
}

// typedStoreValue casts the allocation to a pointer-to-vector of the
// correct length and emits a single store of val (spec §4.2, typed
// store mode).
func (a *Allocator) typedStoreValue(tv *analysis.TensorValue, val llvm.Value, elemTy llvm.Type) error {
	vecTy := llvm.VectorType(elemTy, int(tv.AllocSize))
	vecPtrTy := llvm.PointerType(vecTy, 0)
	casted := a.builder.CreateBitCast(tv.MemPtr, vecPtrTy, tv.Val.Name()+"_vecptr")
	a.builder.CreateStore(val, casted)
	return nil
}

func elementType(v llvm.Value) llvm.Type {
	t := v.Type()
	if t.TypeKind() == llvm.VectorTypeKind {
		return t.ElementType()
	}
	return t
}

func byteWidth(t llvm.Type) uint64 {
	switch t.TypeKind() {
	case llvm.IntegerTypeKind:
		return uint64(t.IntTypeWidth()+7) / 8
	case llvm.FloatTypeKind:
		return 4
	case llvm.DoubleTypeKind:
		return 8
	default:
		return 8
	}
}

func memcpyType(ctx llvm.Context) llvm.Type {
	i8p := llvm.PointerType(ctx.Int8Type(), 0)
	return llvm.FunctionType(ctx.VoidType(), []llvm.Type{i8p, i8p, ctx.Int64Type(), ctx.Int1Type()}, false)
}

func memcpyIntrinsic(a *Allocator, ctx llvm.Context) llvm.Value {
	// Declared lazily in whichever module the current insert block
	// belongs to; re-declaring an existing function returns the
	// existing llvm.Value (a.builder's insertion point always lives in
	// the module being lowered).
	fn := a.builder.GetInsertBlock().Parent()
	mod := moduleOf(fn)
	name := "llvm.memcpy.p0.p0.i64"
	existing := mod.NamedFunction(name)
	if !existing.IsNil() {
		return existing
	}
	return llvm.AddFunction(mod, name, memcpyType(ctx))
}

func moduleOf(fn llvm.Value) llvm.Module {
	return fn.GlobalParent()
}
