package analysis

import (
	"strings"

	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// intrinsicPrefix is how tensor intrinsics are named on the called
// function, e.g. "tensor.matmul", "tensor.typeinfo", "tensor.relu".
// The frontend that emits these names is out of scope (spec §1); this
// package only needs to recognize them.
const intrinsicPrefix = "tensor."

func calledName(instr llvm.Value) (string, bool) {
	if instr.InstructionOpcode() != llvm.Call {
		return "", false
	}
	callee := instr.CalledValue()
	if callee.IsNil() {
		return "", false
	}
	name := callee.Name()
	if !strings.HasPrefix(name, intrinsicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, intrinsicPrefix), true
}

var elementwiseOps = map[string]tensortype.ElementwiseOp{
	"relu": tensortype.OpRelu, "tanh": tensortype.OpTanh, "sigmoid": tensortype.OpSigmoid,
	"sin": tensortype.OpSin, "cos": tensortype.OpCos, "exp": tensortype.OpExp, "exp2": tensortype.OpExp2,
	"log": tensortype.OpLog, "log2": tensortype.OpLog2, "log10": tensortype.OpLog10,
	"sqrt": tensortype.OpSqrt, "fabs": tensortype.OpFabs, "floor": tensortype.OpFloor, "ceil": tensortype.OpCeil,
}

var reduceOps = map[string]tensortype.ReduceOp{
	"reduce_max": tensortype.ReduceMax, "reduce_min": tensortype.ReduceMin,
	"reduce_and": tensortype.ReduceAnd, "reduce_or": tensortype.ReduceOr, "reduce_xor": tensortype.ReduceXor,
	"reduce_add": tensortype.ReduceAdd, "reduce_mul": tensortype.ReduceMul,
}

// ClassifyIntrinsic inspects instr and, if it names a tensor intrinsic, returns
// its Kind (and operator, for Elementwise/Reduce). ok is false for
// every other instruction, including ones that may still be
// tensor-valued by the transitive rules classify() applies during Run.
func ClassifyIntrinsic(instr llvm.Value) (tensortype.Kind, tensortype.ElementwiseOp, tensortype.ReduceOp, bool) {
	name, ok := calledName(instr)
	if !ok {
		return 0, "", "", false
	}
	switch name {
	case "typeinfo":
		return tensortype.TypeInfoKind, "", "", true
	case "broadcast":
		return tensortype.BroadcastKind, "", "", true
	case "matmul":
		return tensortype.MatmulKind, "", "", true
	case "transpose":
		return tensortype.TransposeKind, "", "", true
	}
	if op, ok := elementwiseOps[name]; ok {
		return tensortype.ElementwiseKind, op, "", true
	}
	if op, ok := reduceOps[name]; ok {
		return tensortype.ReduceKind, "", op, true
	}
	return 0, "", "", false
}

// classify implements the full classification rule of spec §4.1: an
// instruction is tensor-valued iff it is a recognized intrinsic call,
// or a unary/binary/select/compare instruction whose first operand is
// itself tensor-valued, or a tensor-incoming PHI.
func (e *Engine) classify(instr llvm.Value) bool {
	if _, _, _, ok := ClassifyIntrinsic(instr); ok {
		return true
	}

	switch instr.InstructionOpcode() {
	case llvm.PHI:
		return e.classifyPHI(instr)
	case llvm.Select, llvm.ICmp, llvm.FCmp,
		llvm.Add, llvm.FAdd, llvm.Sub, llvm.FSub, llvm.Mul, llvm.FMul,
		llvm.UDiv, llvm.SDiv, llvm.FDiv, llvm.And, llvm.Or, llvm.Xor,
		llvm.Shl, llvm.LShr, llvm.AShr,
		llvm.Trunc, llvm.ZExt, llvm.SExt, llvm.FPToUI, llvm.FPToSI,
		llvm.UIToFP, llvm.SIToFP, llvm.FPTrunc, llvm.FPExt:
		if instr.OperandsCount() == 0 {
			return false
		}
		first := instr.Operand(0)
		if first.Type().TypeKind() != llvm.VectorTypeKind {
			return false
		}
		if _, ok := e.values[first]; ok {
			return true
		}
		// first may not have resolved yet (e.g. a PHI still waiting on a
		// forward typeinfo lookahead past a back-edge), but it can still
		// be classified as tensor-valued independent of resolution order;
		// recursing here keeps instr eligible for the waitlist instead of
		// being dropped for good by this one-shot sweep.
		return e.classify(first)
	default:
		return false
	}
}

// classifyPHI applies the PHI rule: incomings are vectors and include
// at least one non-constant vector. This is the looser of the two
// rules seen across the source material (the original C++ disqualifies
// a PHI if *any* incoming is a constant vector); spec §4.1 only asks
// for *at least one* non-constant incoming, so that is the rule
// implemented here.
func (e *Engine) classifyPHI(instr llvm.Value) bool {
	n := instr.IncomingCount()
	if n == 0 {
		return false
	}
	sawNonConstant := false
	for i := 0; i < n; i++ {
		v := instr.IncomingValue(i)
		if v.Type().TypeKind() != llvm.VectorTypeKind {
			return false
		}
		if !v.IsAConstant().IsNil() {
			continue
		}
		sawNonConstant = true
	}
	return sawNonConstant
}
