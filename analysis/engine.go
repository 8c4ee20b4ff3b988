// Package analysis implements the flow-sensitive Tensor Property
// Analysis (Component B): the fixed point that assigns every tensor SSA
// value a tensortype.TensorType.
package analysis

import (
	"fmt"

	"github.com/tensorlower/tensorlower/tensortype"
	"tinygo.org/x/go-llvm"
)

// TensorValue is the per-value record the analysis maintains, matching
// the data model in spec §3: the resolved type plus, once the buffer
// allocator has run, the backing pointer and allocated element count.
type TensorValue struct {
	Val       llvm.Value
	Type      tensortype.TensorType
	MemPtr    llvm.Value // nil-able; IsNil() until the buffer allocator runs
	AllocSize uint64
}

// pending is a work-queue entry: a value whose type could not yet be
// resolved, plus how many times resolution has been retried. This
// replaces the source's recursive-descent-with-implicit-visited-set
// with an explicit work queue per spec §9's re-architecture guidance.
type pending struct {
	Val      llvm.Value
	Attempts int
}

// Engine holds all per-function analysis state: the engine owns its
// tensor-type map and waitlist; nothing here is global (spec §5).
type Engine struct {
	values  map[llvm.Value]*TensorValue
	order   []llvm.Value // insertion order, for deterministic iteration
	queue   []pending
}

// New creates an empty, per-function analysis engine.
func New() *Engine {
	return &Engine{values: make(map[llvm.Value]*TensorValue)}
}

// TensorValues returns every registered tensor value in discovery
// order, for the buffer allocator to iterate over.
func (e *Engine) TensorValues() []*TensorValue {
	out := make([]*TensorValue, 0, len(e.order))
	for _, v := range e.order {
		out = append(out, e.values[v])
	}
	return out
}

// Lookup returns the TensorValue record for v, if registered.
func (e *Engine) Lookup(v llvm.Value) (*TensorValue, bool) {
	tv, ok := e.values[v]
	return tv, ok
}

// TypeOf is a convenience that returns just the resolved type.
func (e *Engine) TypeOf(v llvm.Value) (tensortype.TensorType, bool) {
	tv, ok := e.values[v]
	if !ok {
		return tensortype.TensorType{}, false
	}
	return tv.Type, true
}

func (e *Engine) register(v llvm.Value, t tensortype.TensorType) *TensorValue {
	if tv, ok := e.values[v]; ok {
		tv.Type = t
		return tv
	}
	tv := &TensorValue{Val: v, Type: t}
	e.values[v] = tv
	e.order = append(e.order, v)
	return tv
}

func (e *Engine) enqueue(v llvm.Value) {
	for _, p := range e.queue {
		if p.Val == v {
			return
		}
	}
	e.queue = append(e.queue, pending{Val: v})
}

// Run performs the full Property Analysis contract for fn: an initial
// reverse-post-order sweep over its basic blocks, classifying and
// attempting to resolve every tensor-valued instruction, followed by
// repeated waitlist drains until the queue is empty or a sweep makes no
// progress (which is fatal, per spec §4.1).
func (e *Engine) Run(fn llvm.Value) error {
	blocks := rpo(fn)
	for _, bb := range blocks {
		for instr := bb.FirstInstruction(); !instr.IsNil(); instr = nextInstruction(instr) {
			if !e.classify(instr) {
				continue
			}
			if _, ok := e.resolve(instr); !ok {
				e.enqueue(instr)
			}
		}
	}
	return e.drain()
}

func (e *Engine) drain() error {
	for len(e.queue) > 0 {
		progressed := 0
		next := e.queue[:0:0]
		for _, p := range e.queue {
			if _, ok := e.resolve(p.Val); ok {
				progressed++
				continue
			}
			p.Attempts++
			next = append(next, p)
		}
		e.queue = next
		if progressed == 0 {
			return fmt.Errorf("analysis: waitlist drain made no progress on %d value(s); first=%s",
				len(e.queue), valueName(e.queue[0].Val))
		}
	}
	return nil
}

func valueName(v llvm.Value) string {
	n := v.Name()
	if n == "" {
		return "<anon>"
	}
	return n
}

func nextInstruction(instr llvm.Value) llvm.Value {
	return instr.NextInstruction()
}
