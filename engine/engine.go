// Package engine is the per-module driver tying the pipeline together:
// for every defined function in an LLVM module it runs the Lowering
// Engine (which internally drives Property Analysis and Buffer
// Allocation), then revalidates the module (spec §2, §4.5).
package engine

import (
	"fmt"
	"strings"

	"github.com/tensorlower/tensorlower/knobs"
	"github.com/tensorlower/tensorlower/lower"
	"tinygo.org/x/go-llvm"
)

// Result is returned from a print-mode Run: the accumulated knob schema
// for every tensor intrinsic seen across every function in the module.
type Result struct {
	Schema      knobs.PrintSchema
	FunctionsProcessed int
}

// Run lowers every defined (non-declaration) function in mod. In print
// mode, no function is mutated: lowering is replaced by knob-schema
// enumeration and the module is never reverified. Otherwise, every
// function is lowered in place and the finished module is verified with
// llvm.VerifyModule (spec §4.5, "the module is revalidated").
func Run(ctx llvm.Context, mod llvm.Module, cfg knobs.Defaults, knobSet knobs.Set, printMode bool) (Result, error) {
	schema := knobs.PrintSchema{}
	processed := 0

	for fn := mod.FirstFunction(); !fn.IsNil(); fn = fn.NextFunction() {
		if fn.IsDeclaration() {
			continue
		}
		if !hasTensorIntrinsics(fn) {
			continue
		}

		eng := lower.New(ctx, cfg, knobSet)
		eng.PrintMode = printMode
		if err := eng.LowerFunction(fn); err != nil {
			return Result{}, fmt.Errorf("engine: lowering %s: %w", fn.Name(), err)
		}
		processed++

		for fnName, instances := range eng.Schema {
			if schema[fnName] == nil {
				schema[fnName] = map[string]knobs.PrintEntry{}
			}
			for instance, entry := range instances {
				schema[fnName][instance] = entry
			}
		}
	}

	if !printMode {
		if ok, msg := verify(mod); !ok {
			return Result{}, fmt.Errorf("engine: module failed verification after lowering: %s", msg)
		}
	}

	return Result{Schema: schema, FunctionsProcessed: processed}, nil
}

// hasTensorIntrinsics reports whether fn calls any function named
// "tensor.*", a cheap pre-filter so functions untouched by this tool
// are skipped entirely (and never instantiate an analysis.Engine/
// buffer.Allocator for nothing).
func hasTensorIntrinsics(fn llvm.Value) bool {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = bb.NextBasicBlock() {
		for instr := bb.FirstInstruction(); !instr.IsNil(); instr = instr.NextInstruction() {
			if instr.InstructionOpcode() != llvm.Call {
				continue
			}
			callee := instr.CalledValue()
			if callee.IsNil() {
				continue
			}
			if strings.HasPrefix(callee.Name(), "tensor.") {
				return true
			}
		}
	}
	return false
}

// verify runs llvm.VerifyModule with ReturnStatusAction so a failure is
// reported as an error string rather than aborting the process (the
// teacher's own codebase never calls the verifier; this wiring is
// grounded directly on the go-llvm API surface instead, per DESIGN.md).
func verify(mod llvm.Module) (bool, string) {
	if err := llvm.VerifyModule(mod, llvm.ReturnStatusAction); err != nil {
		return false, err.Error()
	}
	return true, ""
}
