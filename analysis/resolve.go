package analysis

import (
	"fmt"

	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// resolve attempts to derive instr's tensortype.TensorType per the
// derived-type rules of spec §4.1. ok is false when an operand is not
// yet typed, in which case the caller enqueues instr for a later
// drain pass.
func (e *Engine) resolve(instr llvm.Value) (tensortype.TensorType, bool) {
	if kind, op, rop, isIntrinsic := ClassifyIntrinsic(instr); isIntrinsic {
		return e.resolveIntrinsic(instr, kind, op, rop)
	}

	if instr.InstructionOpcode() == llvm.PHI {
		return e.resolvePHI(instr)
	}

	// unary/binary/select/compare transitive case: output type mirrors
	// the first (tensor) operand's type.
	if instr.OperandsCount() == 0 {
		return tensortype.TensorType{}, false
	}
	first := instr.Operand(0)
	t, ok := e.TypeOf(first)
	if !ok {
		return tensortype.TensorType{}, false
	}
	e.register(instr, t)
	return t, true
}

func (e *Engine) resolveIntrinsic(instr llvm.Value, kind tensortype.Kind, op tensortype.ElementwiseOp, rop tensortype.ReduceOp) (tensortype.TensorType, bool) {
	switch kind {
	case tensortype.TypeInfoKind:
		return e.resolveTypeInfo(instr)
	case tensortype.ElementwiseKind, tensortype.BroadcastKind:
		return e.resolveElementwiseLike(instr)
	case tensortype.TransposeKind:
		return e.resolveTranspose(instr)
	case tensortype.MatmulKind:
		return e.resolveMatmul(instr)
	case tensortype.ReduceKind:
		return e.resolveReduce(instr, rop)
	default:
		panic(fmt.Sprintf("analysis: unhandled intrinsic kind %v", kind))
	}
}

// resolveTypeInfo implements typeinfo(v, shape, layout, padding): the
// three trailing operands are constant vectors naming the type bound
// to v (spec §4.1, §6). If v is itself a pointer, the value stored
// through it is registered with the same type, matching the buffer
// allocator's later need to find that stored SSA value (spec §4.2).
func (e *Engine) resolveTypeInfo(instr llvm.Value) (tensortype.TensorType, bool) {
	if instr.OperandsCount() < 4 {
		panic("analysis: typeinfo intrinsic requires (v, shape, layout, padding) operands")
	}
	v := instr.Operand(0)
	shape := constVectorUints(instr.Operand(1))
	layout := constVectorUints(instr.Operand(2))
	padding := constVectorUints(instr.Operand(3))

	t := tensortype.TensorType{Shape: shape, Layout: layout, Padding: padding}
	if err := t.Valid(); err != nil {
		panic(fmt.Sprintf("analysis: malformed typeinfo on %s: %v", valueName(instr), err))
	}

	e.register(instr, t)
	e.register(v, t)

	if v.Type().TypeKind() == llvm.PointerTypeKind {
		if stored, ok := findStoredValue(v); ok {
			e.register(stored, t)
		}
	}
	return t, true
}

// findStoredValue walks the uses of ptr looking for a Store
// instruction that writes into it, and returns the stored SSA value.
func findStoredValue(ptr llvm.Value) (llvm.Value, bool) {
	for use := ptr.FirstUse(); !use.IsNil(); use = use.NextUse() {
		user := use.User()
		if user.InstructionOpcode() == llvm.Store && user.OperandsCount() >= 2 && user.Operand(1) == ptr {
			return user.Operand(0), true
		}
	}
	return llvm.Value{}, false
}

func (e *Engine) resolveElementwiseLike(instr llvm.Value) (tensortype.TensorType, bool) {
	if instr.OperandsCount() == 0 {
		return tensortype.TensorType{}, false
	}
	t, ok := e.TypeOf(instr.Operand(0))
	if !ok {
		return tensortype.TensorType{}, false
	}
	e.register(instr, t)
	return t, true
}

func (e *Engine) resolveTranspose(instr llvm.Value) (tensortype.TensorType, bool) {
	if instr.OperandsCount() == 0 {
		return tensortype.TensorType{}, false
	}
	in, ok := e.TypeOf(instr.Operand(0))
	if !ok {
		return tensortype.TensorType{}, false
	}
	out := in.Transposed()
	e.register(instr, out)
	return out, true
}

// resolveMatmul implements the matmul derivation rule of spec §4.4.1:
// the common dimension is L's inner axis (column if row-major, row if
// column-major), which must match the corresponding dim of R; outer
// extents are L's outer and R's other outer; leading (batch) dims are
// copied from L; output padding is zero. The requested output layout
// is not carried as a separate matmul operand in this IR surface, so
// it defaults to L's layout; a subsequent explicit typeinfo on the
// result, if present, overrides this provisional type (register()
// overwrites any prior entry for the same value).
func (e *Engine) resolveMatmul(instr llvm.Value) (tensortype.TensorType, bool) {
	if instr.OperandsCount() < 2 {
		return tensortype.TensorType{}, false
	}
	lv, rv := instr.Operand(0), instr.Operand(1)
	l, ok := e.TypeOf(lv)
	if !ok {
		return tensortype.TensorType{}, false
	}
	r, ok := e.TypeOf(rv)
	if !ok {
		return tensortype.TensorType{}, false
	}

	d := l.Rank()
	if d < 2 || r.Rank() != d {
		panic(fmt.Sprintf("analysis: matmul rank mismatch on %s: L rank %d, R rank %d", valueName(instr), d, r.Rank()))
	}

	var m, k, k2, n uint64
	if l.RowMajor() {
		m, k = l.Shape[d-2], l.Shape[d-1]
	} else {
		k, m = l.Shape[d-2], l.Shape[d-1]
	}
	if r.RowMajor() {
		k2, n = r.Shape[d-2], r.Shape[d-1]
	} else {
		n, k2 = r.Shape[d-2], r.Shape[d-1]
	}
	if k != k2 {
		panic(fmt.Sprintf("analysis: matmul common-dim mismatch on %s: %d vs %d", valueName(instr), k, k2))
	}

	shape := append([]uint64(nil), l.Shape[:d-2]...)
	shape = append(shape, m, n)
	layout := append([]uint64(nil), l.Layout...)
	padding := make([]uint64, d)

	out := tensortype.TensorType{Shape: shape, Layout: layout, Padding: padding}
	e.register(instr, out)
	return out, true
}

// resolveReduce implements spec §4.4.4's output-shape derivation:
// leading dims unchanged; for each of the last two dims,
// out = (in_dim - W_dim)/T_dim + 1; output padding zero; layout
// defaults to the input layout (no alternate output layout operand
// exists on this IR surface).
func (e *Engine) resolveReduce(instr llvm.Value, _ tensortype.ReduceOp) (tensortype.TensorType, bool) {
	if instr.OperandsCount() < 3 {
		panic("analysis: reduce intrinsic requires (window, strides, v) operands")
	}
	window := constVectorUints(instr.Operand(0))
	strides := constVectorUints(instr.Operand(1))
	v := instr.Operand(2)

	in, ok := e.TypeOf(v)
	if !ok {
		return tensortype.TensorType{}, false
	}

	d := in.Rank()
	shape := append([]uint64(nil), in.Shape...)
	for i := d - 2; i < d; i++ {
		if i < 0 {
			continue
		}
		wi := window[len(window)-(d-i)]
		ti := strides[len(strides)-(d-i)]
		shape[i] = (in.Shape[i]-wi)/ti + 1
	}

	out := tensortype.TensorType{Shape: shape, Layout: append([]uint64(nil), in.Layout...), Padding: make([]uint64, d)}
	e.register(instr, out)
	return out, true
}

// resolvePHI implements the PHI rule of spec §4.1: walk users() until a
// TypeInfo consumer is found (forward reachability); otherwise use the
// type of any resolved incoming. Disagreement among resolved incomings,
// or between forward-reachability and an incoming, is a fatal error.
func (e *Engine) resolvePHI(instr llvm.Value) (tensortype.TensorType, bool) {
	if t, ok := forwardTypeInfo(instr); ok {
		if err := e.checkIncomingAgreement(instr, t); err != nil {
			panic(err.Error())
		}
		e.register(instr, t)
		return t, true
	}

	var found tensortype.TensorType
	haveOne := false
	n := instr.IncomingCount()
	for i := 0; i < n; i++ {
		inc := instr.IncomingValue(i)
		t, ok := e.TypeOf(inc)
		if !ok {
			continue
		}
		if !haveOne {
			found, haveOne = t, true
			continue
		}
		if !found.Equal(t) {
			panic(fmt.Sprintf("analysis: PHI %s has disagreeing incoming types: %s vs %s", valueName(instr), found, t))
		}
	}
	if !haveOne {
		return tensortype.TensorType{}, false
	}
	e.register(instr, found)
	return found, true
}

func (e *Engine) checkIncomingAgreement(phi llvm.Value, t tensortype.TensorType) error {
	n := phi.IncomingCount()
	for i := 0; i < n; i++ {
		inc := phi.IncomingValue(i)
		if it, ok := e.TypeOf(inc); ok && !it.Equal(t) {
			return fmt.Errorf("analysis: PHI %s incoming %s disagrees with forward-reachable type %s vs %s",
				valueName(phi), valueName(inc), it, t)
		}
	}
	return nil
}

// forwardTypeInfo walks users(v) (breadth-first, cycle-safe) looking
// for a TypeInfo intrinsic consumer, returning the type it binds.
func forwardTypeInfo(v llvm.Value) (tensortype.TensorType, bool) {
	seen := map[llvm.Value]bool{}
	queue := []llvm.Value{v}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for use := cur.FirstUse(); !use.IsNil(); use = use.NextUse() {
			user := use.User()
			if kind, _, _, ok := ClassifyIntrinsic(user); ok && kind == tensortype.TypeInfoKind && user.Operand(0) == cur {
				shape := constVectorUints(user.Operand(1))
				layout := constVectorUints(user.Operand(2))
				padding := constVectorUints(user.Operand(3))
				return tensortype.TensorType{Shape: shape, Layout: layout, Padding: padding}, true
			}
			queue = append(queue, user)
		}
	}
	return tensortype.TensorType{}, false
}

// constVectorUints extracts the unsigned integer elements of a
// constant integer vector, matching the original source's assumption
// that shape/layout/padding/window/strides are always constant vectors
// (spec §4.1: "non-constant shape/layout/padding" is fatal).
func constVectorUints(v llvm.Value) []uint64 {
	n := v.OperandsCount()
	if n == 0 {
		// Some constant vector representations expose elements without
		// going through the generic Operand accessor; fall back to the
		// vector's element count from its type.
		n = v.Type().VectorSize()
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		elem := v.Operand(i)
		out[i] = elem.ZExtValue()
	}
	return out
}
