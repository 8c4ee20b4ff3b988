package lower

import (
	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// recordSchema implements print-knobs mode (spec §4.4.5): instead of
// lowering instr, enumerate the legal tile sizes (divisors of the
// relevant shape dimension) and the unroll range, and stash them into
// e.Schema for the CLI driver to write out as JSON.
func (e *Engine) recordSchema(fnName, instance string, kind tensortype.Kind, instr llvm.Value) {
	if e.Schema == nil {
		e.Schema = knobs.PrintSchema{}
	}
	if e.Schema[fnName] == nil {
		e.Schema[fnName] = map[string]knobs.PrintEntry{}
	}

	switch kind {
	case tensortype.MatmulKind:
		m, n, k := e.matmulDims(instr)
		e.Schema[fnName][instance] = knobs.MatmulPrintEntry(m, n, k)
	case tensortype.TransposeKind:
		t, ok := e.Analysis.TypeOf(instr.Operand(0))
		if !ok {
			return
		}
		d := t.Rank()
		e.Schema[fnName][instance] = knobs.TransposePrintEntry(t.Shape[d-2], t.Shape[d-1])
	case tensortype.ReduceKind:
		// lowerReduce steps the window rows/cols by TileSize_M/TileSize_N.
		windowM, windowN, _, _ := reduceWindowStrides(instr)
		e.Schema[fnName][instance] = knobs.TransposePrintEntry(windowM, windowN)
	default: // Elementwise and Broadcast use a single TileSize knob
		t, ok := e.Analysis.TypeOf(instr)
		if !ok {
			return
		}
		e.Schema[fnName][instance] = knobs.ElementwisePrintEntry(t.Size())
	}
}

func (e *Engine) matmulDims(instr llvm.Value) (m, n, k uint64) {
	l, _ := e.Analysis.TypeOf(instr.Operand(0))
	r, _ := e.Analysis.TypeOf(instr.Operand(1))
	d := l.Rank()
	if l.RowMajor() {
		m, k = l.Shape[d-2], l.Shape[d-1]
	} else {
		k, m = l.Shape[d-2], l.Shape[d-1]
	}
	if r.RowMajor() {
		n = r.Shape[d-1]
	} else {
		n = r.Shape[d-2]
	}
	return
}
