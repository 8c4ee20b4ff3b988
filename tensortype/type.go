// Package tensortype holds the immutable TensorType value (Component A)
// and the tagged IntrinsicKind enumeration used throughout the lowering
// pipeline.
package tensortype

import (
	"fmt"
	"strings"
)

// TensorType is an immutable triple of equal-length unsigned vectors
// describing a tensor SSA value: shape, layout (a permutation of the
// logical axes) and trailing padding per axis.
type TensorType struct {
	Shape   []uint64
	Layout  []uint64
	Padding []uint64
}

// Rank is the number of dimensions.
func (t TensorType) Rank() int {
	return len(t.Shape)
}

// Valid checks the invariants from the data model: equal-length vectors,
// a permutation layout, and strictly positive extents.
func (t TensorType) Valid() error {
	d := len(t.Shape)
	if len(t.Layout) != d || len(t.Padding) != d {
		return fmt.Errorf("tensortype: rank mismatch shape=%d layout=%d padding=%d", d, len(t.Layout), len(t.Padding))
	}
	seen := make([]bool, d)
	for _, l := range t.Layout {
		if l >= uint64(d) || seen[l] {
			return fmt.Errorf("tensortype: layout %v is not a permutation of 0..%d", t.Layout, d-1)
		}
		seen[l] = true
	}
	for i, s := range t.Shape {
		if s == 0 {
			return fmt.Errorf("tensortype: shape[%d] must be > 0", i)
		}
	}
	return nil
}

// Size is the total element count, the product of Shape.
func (t TensorType) Size() uint64 {
	n := uint64(1)
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// RowMajor reports whether the last two layout entries are d-2, d-1.
func (t TensorType) RowMajor() bool {
	d := t.Rank()
	if d < 2 {
		return true
	}
	return t.Layout[d-2] == uint64(d-2) && t.Layout[d-1] == uint64(d-1)
}

// ColumnMajor reports whether the last two layout entries are d-1, d-2.
func (t TensorType) ColumnMajor() bool {
	d := t.Rank()
	if d < 2 {
		return true
	}
	return t.Layout[d-2] == uint64(d-1) && t.Layout[d-1] == uint64(d-2)
}

// Stride returns the element stride for physical axis i under a
// standard row-major-within-physical-order packing (the only packing
// the buffer allocator ever materializes: padding is always appended
// after the logical extent of an axis).
func (t TensorType) Stride(i int) uint64 {
	s := uint64(1)
	for j := i + 1; j < t.Rank(); j++ {
		s *= t.Shape[j] + t.Padding[j]
	}
	return s
}

// Equal is structural equality on the three vectors, per spec: the
// original C++ TensorType compares Value* pointer identity, but this
// port always compares contents, since two values with identical
// shape/layout/padding are required to be interchangeable everywhere
// in this package.
func (t TensorType) Equal(o TensorType) bool {
	return equalUint64(t.Shape, o.Shape) &&
		equalUint64(t.Layout, o.Layout) &&
		equalUint64(t.Padding, o.Padding)
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t TensorType) String() string {
	fmtVec := func(v []uint64) string {
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = fmt.Sprintf("%d", x)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprintf("shape=%s layout=%s padding=%s", fmtVec(t.Shape), fmtVec(t.Layout), fmtVec(t.Padding))
}

// Transposed returns a TensorType with the last two axes of shape,
// layout and padding swapped (Component E §4.4.3).
func (t TensorType) Transposed() TensorType {
	d := t.Rank()
	shape := append([]uint64(nil), t.Shape...)
	layout := append([]uint64(nil), t.Layout...)
	padding := append([]uint64(nil), t.Padding...)
	if d >= 2 {
		shape[d-1], shape[d-2] = shape[d-2], shape[d-1]
		layout[d-1], layout[d-2] = layout[d-2], layout[d-1]
		padding[d-1], padding[d-2] = padding[d-2], padding[d-1]
	}
	return TensorType{Shape: shape, Layout: layout, Padding: padding}
}

// ElemKind distinguishes the arithmetic family used by an element type:
// the lowering engine needs this to pick between fadd/fmul and add/mul,
// and between the float and integer reduction-identity tables.
type ElemKind int

const (
	IntElem ElemKind = iota
	FloatElem
)

// Kind is the tagged variant distinguishing the five tensor intrinsic
// families plus the TypeInfo annotation. The operator of the
// Elementwise and Reduce variants is carried separately, as an
// ElementwiseOp or ReduceOp (see Intrinsic). This collapses the source's
// TensorMapinfo / MatMulInfo / ElementWiseInfo / ReductionInfo class
// hierarchy into a single tagged value per spec §9.
type Kind int

const (
	TypeInfoKind Kind = iota
	ElementwiseKind
	BroadcastKind
	MatmulKind
	TransposeKind
	ReduceKind
)

func (k Kind) String() string {
	switch k {
	case TypeInfoKind:
		return "typeinfo"
	case ElementwiseKind:
		return "elementwise"
	case BroadcastKind:
		return "broadcast"
	case MatmulKind:
		return "matmul"
	case TransposeKind:
		return "transpose"
	case ReduceKind:
		return "reduce"
	default:
		return "unknown"
	}
}

// ElementwiseOp enumerates the scalar operators valid under Elementwise.
type ElementwiseOp string

const (
	OpRelu  ElementwiseOp = "relu"
	OpTanh  ElementwiseOp = "tanh"
	OpSigmoid ElementwiseOp = "sigmoid"
	OpSin   ElementwiseOp = "sin"
	OpCos   ElementwiseOp = "cos"
	OpExp   ElementwiseOp = "exp"
	OpExp2  ElementwiseOp = "exp2"
	OpLog   ElementwiseOp = "log"
	OpLog2  ElementwiseOp = "log2"
	OpLog10 ElementwiseOp = "log10"
	OpSqrt  ElementwiseOp = "sqrt"
	OpFabs  ElementwiseOp = "fabs"
	OpFloor ElementwiseOp = "floor"
	OpCeil  ElementwiseOp = "ceil"
)

// FloatOnly reports whether op is defined only on float inputs, in
// which case integer operands must first be converted (spec §4.4.2).
func (op ElementwiseOp) FloatOnly() bool {
	switch op {
	case OpExp, OpTanh, OpSigmoid, OpSin, OpCos, OpExp2, OpLog, OpLog2, OpLog10, OpSqrt,
		OpFabs, OpFloor, OpCeil:
		return true
	default:
		return false
	}
}

// ReduceOp enumerates the reduction operators.
type ReduceOp string

const (
	ReduceMax ReduceOp = "max"
	ReduceMin ReduceOp = "min"
	ReduceAnd ReduceOp = "and"
	ReduceOr  ReduceOp = "or"
	ReduceXor ReduceOp = "xor"
	ReduceAdd ReduceOp = "add"
	ReduceMul ReduceOp = "mul"
)

// Intrinsic is the tagged variant described above: the Kind plus the
// operator and instance name as ordinary fields. It has no output
// tensor, output tile, tile vector or output index fields or accessors.
type Intrinsic struct {
	Kind        Kind
	ElemOp      ElementwiseOp
	RedOp       ReduceOp
	InstanceName string // "<IntrinsicID>_<counter>", assigned at knob-print time
}
