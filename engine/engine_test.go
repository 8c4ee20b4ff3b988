package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tensorlower/tensorlower/knobs"
	"tinygo.org/x/go-llvm"
)

// buildReluModule constructs a module with one function: typeinfo on a
// 4-lane i32 vector parameter followed by a tensor.relu call, mirroring
// the IR analysis/engine_test.go builds for the analysis package.
func buildReluModule(t *testing.T) (llvm.Context, llvm.Module, llvm.Value) {
	t.Helper()
	ctx := llvm.NewContext()
	mod := ctx.NewModule("m")

	i32 := ctx.Int32Type()
	vecTy := llvm.VectorType(i32, 4)
	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vecTy}, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")

	builder := ctx.NewBuilder()
	builder.SetInsertPointAtEnd(entry)

	v := fn.Param(0)
	shape := llvm.ConstVector([]llvm.Value{
		llvm.ConstInt(i32, 1, false), llvm.ConstInt(i32, 1, false),
		llvm.ConstInt(i32, 2, false), llvm.ConstInt(i32, 2, false),
	})
	layout := llvm.ConstVector([]llvm.Value{
		llvm.ConstInt(i32, 0, false), llvm.ConstInt(i32, 1, false),
		llvm.ConstInt(i32, 2, false), llvm.ConstInt(i32, 3, false),
	})
	padding := llvm.ConstVector([]llvm.Value{
		llvm.ConstInt(i32, 0, false), llvm.ConstInt(i32, 0, false),
		llvm.ConstInt(i32, 0, false), llvm.ConstInt(i32, 0, false),
	})

	typeInfoTy := llvm.FunctionType(vecTy, []llvm.Type{vecTy, vecTy, vecTy, vecTy}, false)
	typeInfoFn := llvm.AddFunction(mod, "tensor.typeinfo", typeInfoTy)
	typed := builder.CreateCall(typeInfoTy, typeInfoFn, []llvm.Value{v, shape, layout, padding}, "v_typed")

	reluTy := llvm.FunctionType(vecTy, []llvm.Type{vecTy}, false)
	reluFn := llvm.AddFunction(mod, "tensor.relu", reluTy)
	builder.CreateCall(reluTy, reluFn, []llvm.Value{typed}, "relu_out")

	builder.CreateRetVoid()
	return ctx, mod, fn
}

func TestHasTensorIntrinsicsDetectsTaggedFunction(t *testing.T) {
	_, _, fn := buildReluModule(t)
	require.True(t, hasTensorIntrinsics(fn))
}

func TestRunPrintModeSkipsLoweringAndCollectsSchema(t *testing.T) {
	ctx, mod, _ := buildReluModule(t)
	result, err := Run(ctx, mod, knobs.DefaultConfig(), nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, result.FunctionsProcessed)
	require.Contains(t, result.Schema, "kernel")
	require.Contains(t, result.Schema["kernel"], "elementwise_0")
}

func TestRunSkipsDeclarations(t *testing.T) {
	ctx := llvm.NewContext()
	mod := ctx.NewModule("m")
	fnTy := llvm.FunctionType(ctx.VoidType(), nil, false)
	llvm.AddFunction(mod, "declared_only", fnTy) // no basic blocks: a declaration

	result, err := Run(ctx, mod, knobs.DefaultConfig(), nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.FunctionsProcessed)
}
