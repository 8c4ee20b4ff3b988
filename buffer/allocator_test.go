package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tensorlower/tensorlower/analysis"
	"github.com/tensorlower/tensorlower/knobs"
	"tinygo.org/x/go-llvm"
)

// buildTypeInfoAndRelu mirrors analysis's own fixture: a typeinfo call
// on a parameter followed by one elementwise intrinsic, enough to
// exercise allocation for the parameter (neither a load nor a value
// with operands, so its buffer is left unseeded) and for the relu
// result.
func buildTypeInfoAndRelu(t *testing.T) (llvm.Context, llvm.Builder, llvm.Value, llvm.Value, llvm.Value) {
	t.Helper()
	ctx := llvm.NewContext()
	mod := ctx.NewModule("test")
	i32 := ctx.Int32Type()
	vec4 := llvm.VectorType(i32, 4)

	typeInfoTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec4, vec4, vec4, vec4}, false)
	typeInfoFn := llvm.AddFunction(mod, "tensor.typeinfo", typeInfoTy)

	reluTy := llvm.FunctionType(vec4, []llvm.Type{vec4}, false)
	reluFn := llvm.AddFunction(mod, "tensor.relu", reluTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec4}, false)
	fn := llvm.AddFunction(mod, "f", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")

	builder := ctx.NewBuilder()
	builder.SetInsertPointAtEnd(entry)

	p := fn.Param(0)
	shape := llvm.ConstVector([]llvm.Value{
		llvm.ConstInt(i32, 1, false), llvm.ConstInt(i32, 1, false),
		llvm.ConstInt(i32, 2, false), llvm.ConstInt(i32, 2, false),
	})
	layout := llvm.ConstVector([]llvm.Value{
		llvm.ConstInt(i32, 0, false), llvm.ConstInt(i32, 1, false),
		llvm.ConstInt(i32, 2, false), llvm.ConstInt(i32, 3, false),
	})
	padding := llvm.ConstNull(vec4)

	builder.CreateCall(typeInfoTy, typeInfoFn, []llvm.Value{p, shape, layout, padding}, "")
	r := builder.CreateCall(reluTy, reluFn, []llvm.Value{p}, "r")
	builder.CreateRetVoid()

	return ctx, builder, fn, p, r
}

func TestAllocateMaterializesBufferPerTensorValue(t *testing.T) {
	ctx, builder, fn, p, r := buildTypeInfoAndRelu(t)
	defer ctx.Dispose()

	eng := analysis.New()
	require.NoError(t, eng.Run(fn))

	alloc := New(ctx, builder, knobs.DefaultConfig())
	require.NoError(t, alloc.Allocate(eng))

	pTV, ok := eng.Lookup(p)
	require.True(t, ok)
	require.False(t, pTV.MemPtr.IsNil())
	require.Equal(t, uint64(4), pTV.AllocSize)

	rTV, ok := eng.Lookup(r)
	require.True(t, ok)
	require.False(t, rTV.MemPtr.IsNil())
	require.NotEqual(t, pTV.MemPtr, rTV.MemPtr)
}

func TestAllocateIsIdempotentOnRevisit(t *testing.T) {
	ctx, builder, fn, p, _ := buildTypeInfoAndRelu(t)
	defer ctx.Dispose()

	eng := analysis.New()
	require.NoError(t, eng.Run(fn))

	alloc := New(ctx, builder, knobs.DefaultConfig())
	require.NoError(t, alloc.Allocate(eng))

	pTV, ok := eng.Lookup(p)
	require.True(t, ok)
	first := pTV.MemPtr

	require.NoError(t, alloc.Allocate(eng))
	pTV2, ok := eng.Lookup(p)
	require.True(t, ok)
	require.Equal(t, first, pTV2.MemPtr)
}

func TestAllocateTypedStoreModeUsesNoMemcpy(t *testing.T) {
	ctx, builder, fn, _, r := buildTypeInfoAndRelu(t)
	defer ctx.Dispose()

	eng := analysis.New()
	require.NoError(t, eng.Run(fn))

	cfg := knobs.DefaultConfig()
	cfg.MemcpyMode = false
	alloc := New(ctx, builder, cfg)
	require.NoError(t, alloc.Allocate(eng))

	rTV, ok := eng.Lookup(r)
	require.True(t, ok)
	require.False(t, rTV.MemPtr.IsNil())

	mod := fn.GlobalParent()
	require.True(t, mod.NamedFunction("llvm.memcpy.p0.p0.i64").IsNil())
}
