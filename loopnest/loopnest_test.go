package loopnest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

func TestBuildSingleLoopLatchInvariant(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("test")
	fnTy := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(mod, "f", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	exit := ctx.AddBasicBlock(fn, "exit")

	builder := ctx.NewBuilder()
	builder.SetInsertPointAtEnd(entry)

	i32 := ctx.Int32Type()
	bound := Bound{
		Start:    llvm.ConstInt(i32, 0, false),
		Step:     llvm.ConstInt(i32, 2, false),
		BoundVal: llvm.ConstInt(i32, 10, false),
		Name:     "i",
	}

	b := New(ctx, builder)
	nest := b.Build(exit, []Bound{bound}, true)
	require.Len(t, nest.Levels, 1)
	require.False(t, nest.Innermost().IsNil())

	// Simulate the lowering engine emitting a kernel into the body,
	// then completing the nest.
	builder.SetInsertPointAtEnd(nest.Innermost())
	b.Complete(nest, nest.Innermost())

	lvl := nest.Levels[0]
	require.Equal(t, 2, lvl.Induction.IncomingCount())

	latchTerm := lvl.Latch.LastInstruction()
	require.Equal(t, llvm.Br, latchTerm.InstructionOpcode())
	require.True(t, latchTerm.IsConditional())
}

func TestBuildNestedLevelsUseOuterHeaderAsInnerPreheader(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("test")
	fnTy := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(mod, "f", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	exit := ctx.AddBasicBlock(fn, "exit")

	builder := ctx.NewBuilder()
	builder.SetInsertPointAtEnd(entry)

	i32 := ctx.Int32Type()
	mkBound := func(name string) Bound {
		return Bound{
			Start:    llvm.ConstInt(i32, 0, false),
			Step:     llvm.ConstInt(i32, 1, false),
			BoundVal: llvm.ConstInt(i32, 4, false),
			Name:     name,
		}
	}

	b := New(ctx, builder)
	nest := b.Build(exit, []Bound{mkBound("m"), mkBound("n"), mkBound("k")}, true)
	require.Len(t, nest.Levels, 3)

	require.Equal(t, nest.Levels[0].Header, nest.Levels[1].Preheader)
	require.Equal(t, nest.Levels[1].Header, nest.Levels[2].Preheader)
	require.NotEqual(t, nest.Levels[2].Header, nest.Levels[2].Body)

	b.Complete(nest, nest.Innermost())
	require.Equal(t, nest.PreLastLatch(), nest.Levels[1].Latch)
}
