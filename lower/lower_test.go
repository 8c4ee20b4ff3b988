package lower

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tensorlower/tensorlower/knobs"
	"tinygo.org/x/go-llvm"
)

func constVec(ctx llvm.Context, i32 llvm.Type, vals ...uint64) llvm.Value {
	elems := make([]llvm.Value, len(vals))
	for i, v := range vals {
		elems[i] = llvm.ConstInt(i32, v, false)
	}
	return llvm.ConstVector(elems)
}

func typeInfo(ctx llvm.Context, mod llvm.Module, builder llvm.Builder, i32, vecTy llvm.Type, v llvm.Value, shape, layout, padding []uint64) {
	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vecTy, vecTy, vecTy, vecTy}, false)
	fn := mod.NamedFunction("tensor.typeinfo")
	if fn.IsNil() {
		fn = llvm.AddFunction(mod, "tensor.typeinfo", fnTy)
	}
	builder.CreateCall(fnTy, fn, []llvm.Value{
		v, constVec(ctx, i32, shape...), constVec(ctx, i32, layout...), constVec(ctx, i32, padding...),
	}, "")
}

// TestLowerElementwiseReplacesReluCall builds a 1x1x2x2 i32 relu call
// and checks the intrinsic is erased and an elementwise tile loop body
// ("ew_body") is built in its place (spec §4.4.2, scenario 2 in spec §8).
func TestLowerElementwiseReplacesReluCall(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("m")
	builder := ctx.NewBuilder()

	i32 := ctx.Int32Type()
	vec4 := llvm.VectorType(i32, 4)

	reluTy := llvm.FunctionType(vec4, []llvm.Type{vec4}, false)
	reluFn := llvm.AddFunction(mod, "tensor.relu", reluTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec4}, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(entry)

	p := fn.Param(0)
	typeInfo(ctx, mod, builder, i32, vec4, p, []uint64{1, 1, 2, 2}, []uint64{0, 1, 2, 3}, []uint64{0, 0, 0, 0})
	r := builder.CreateCall(reluTy, reluFn, []llvm.Value{p}, "r")
	builder.CreateRetVoid()

	eng := New(ctx, knobs.DefaultConfig(), nil)
	require.NoError(t, eng.LowerFunction(fn))

	require.True(t, r.IsNil() || r.InstructionParent().IsNil(), "original relu call must be erased")

	foundBody := false
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = bb.NextBasicBlock() {
		if bb.AsValue().Name() == "ew_body" {
			foundBody = true
		}
	}
	require.True(t, foundBody, "expected a tile loop body block for the lowered elementwise call")
}

// TestLowerMatmulBuildsFourLevelNest exercises spec §4.4.1's 2x2
// numeric scenario shape-wise: a 1x2x2 @ 1x2x2 row-major matmul.
func TestLowerMatmulBuildsFourLevelNest(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("m")
	builder := ctx.NewBuilder()

	i32 := ctx.Int32Type()
	vec4 := llvm.VectorType(i32, 4)

	matmulTy := llvm.FunctionType(vec4, []llvm.Type{vec4, vec4}, false)
	matmulFn := llvm.AddFunction(mod, "tensor.matmul", matmulTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec4, vec4}, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(entry)

	l, r := fn.Param(0), fn.Param(1)
	typeInfo(ctx, mod, builder, i32, vec4, l, []uint64{1, 2, 2}, []uint64{0, 1, 2}, []uint64{0, 0, 0})
	typeInfo(ctx, mod, builder, i32, vec4, r, []uint64{1, 2, 2}, []uint64{0, 1, 2}, []uint64{0, 0, 0})
	builder.CreateCall(matmulTy, matmulFn, []llvm.Value{l, r}, "o")
	builder.CreateRetVoid()

	knobSet := knobs.Set{"kernel": {"matmul_0": knobs.Knob{
		TileSizeM: intPtr(1), TileSizeN: intPtr(1), TileSizeK: intPtr(1),
	}}}

	eng := New(ctx, knobs.DefaultConfig(), knobSet)
	require.NoError(t, eng.LowerFunction(fn))

	foundK := false
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = bb.NextBasicBlock() {
		if bb.AsValue().Name() == "mm_k_header" {
			foundK = true
		}
	}
	require.True(t, foundK, "expected a K-loop header block for the lowered matmul call")
}

// TestLowerTransposeSwapsLastTwoAxes checks the 3-level transpose nest
// is built for a 1x2x3 input.
func TestLowerTransposeSwapsLastTwoAxes(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("m")
	builder := ctx.NewBuilder()

	i32 := ctx.Int32Type()
	vec6 := llvm.VectorType(i32, 6)

	transposeTy := llvm.FunctionType(vec6, []llvm.Type{vec6}, false)
	transposeFn := llvm.AddFunction(mod, "tensor.transpose", transposeTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec6}, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(entry)

	p := fn.Param(0)
	typeInfo(ctx, mod, builder, i32, vec6, p, []uint64{1, 2, 3}, []uint64{0, 1, 2}, []uint64{0, 0, 0})
	builder.CreateCall(transposeTy, transposeFn, []llvm.Value{p}, "o")
	builder.CreateRetVoid()

	knobSet := knobs.Set{"kernel": {"transpose_0": knobs.Knob{TileSizeM: intPtr(1), TileSizeN: intPtr(1)}}}

	eng := New(ctx, knobs.DefaultConfig(), knobSet)
	require.NoError(t, eng.LowerFunction(fn))

	foundN := false
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = bb.NextBasicBlock() {
		if bb.AsValue().Name() == "t_n_header" {
			foundN = true
		}
	}
	require.True(t, foundN, "expected an N-loop header block for the lowered transpose call")
}

// TestLowerReduceMaxBuildsFiveLevelNest exercises spec §4.4.4's
// reduce_max scenario shape-wise: a 1x4x4 input reduced by a 2x2
// window with stride 2, producing a 1x2x2 output.
func TestLowerReduceMaxBuildsFiveLevelNest(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("m")
	builder := ctx.NewBuilder()

	i32 := ctx.Int32Type()
	vec16 := llvm.VectorType(i32, 16)
	vec4 := llvm.VectorType(i32, 4)

	reduceTy := llvm.FunctionType(vec4, []llvm.Type{vec4, vec4, vec16}, false)
	reduceFn := llvm.AddFunction(mod, "tensor.reduce_max", reduceTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{vec16}, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(entry)

	p := fn.Param(0)
	typeInfo(ctx, mod, builder, i32, vec16, p, []uint64{1, 4, 4}, []uint64{0, 1, 2}, []uint64{0, 0, 0})
	window := constVec(ctx, i32, 1, 2, 2)
	strides := constVec(ctx, i32, 1, 2, 2)
	builder.CreateCall(reduceTy, reduceFn, []llvm.Value{window, strides, p}, "o")
	builder.CreateRetVoid()

	knobSet := knobs.Set{"kernel": {"reduce_0": knobs.Knob{TileSizeM: intPtr(1), TileSizeN: intPtr(1)}}}

	eng := New(ctx, knobs.DefaultConfig(), knobSet)
	require.NoError(t, eng.LowerFunction(fn))

	foundWcol := false
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = bb.NextBasicBlock() {
		if bb.AsValue().Name() == "rd_wcol_header" {
			foundWcol = true
		}
	}
	require.True(t, foundWcol, "expected a window-col loop header block for the lowered reduce call")
}

// TestLowerBroadcastConstantScalarUsesSplatVector covers the
// compile-time constant-scalar path.
func TestLowerBroadcastConstantScalarUsesSplatVector(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("m")
	builder := ctx.NewBuilder()

	i32 := ctx.Int32Type()
	vec4 := llvm.VectorType(i32, 4)

	broadcastTy := llvm.FunctionType(vec4, []llvm.Type{vec4, i32}, false)
	broadcastFn := llvm.AddFunction(mod, "tensor.broadcast", broadcastTy)

	fnTy := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(mod, "kernel", fnTy)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder.SetInsertPointAtEnd(entry)

	out := llvm.GetUndef(vec4)
	typeInfo(ctx, mod, builder, i32, vec4, out, []uint64{1, 1, 2, 2}, []uint64{0, 1, 2, 3}, []uint64{0, 0, 0, 0})
	scalar := llvm.ConstInt(i32, 7, false)
	builder.CreateCall(broadcastTy, broadcastFn, []llvm.Value{out, scalar}, "o")
	builder.CreateRetVoid()

	eng := New(ctx, knobs.DefaultConfig(), nil)
	require.NoError(t, eng.LowerFunction(fn))
}

func intPtr(v int) *int { return &v }
