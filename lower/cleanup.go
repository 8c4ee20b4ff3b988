package lower

import "tinygo.org/x/go-llvm"

// Cleanup erases every queued intrinsic (both erased TypeInfo
// annotations and lowered, use-replaced intrinsics), per spec §4.5.
// Erasure order is innermost-instruction-first within the queue, which
// is already how e.erase was built (each intrinsic's uses are replaced
// immediately before being queued), so no further ordering is required
// here; IR-node ownership side tables are discarded wholesale with the
// per-function analysis.Engine/buffer.Allocator, so no separate purge
// step is needed (spec §9, "Erasure requires removing side-table
// entries first" -- here the side tables simply do not outlive the
// function being lowered).
func Cleanup(erase []llvm.Value) error {
	for _, v := range erase {
		v.EraseFromParent()
	}
	return nil
}
