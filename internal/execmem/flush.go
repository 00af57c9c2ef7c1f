package execmem

import "runtime"

// flushInstructionCache makes region's freshly written bytes visible to
// instruction fetch on every core that may execute it.
//
// The real per-host-architecture sequence is clflush+mfence (x86),
// dc cvau+ic ivau+dsb+isb (ARM64), and fence.i (RISC-V): none of those
// are reachable from Go without either cgo or hand-written assembly.
// This module's only caller into this allocator, package jit, targets
// amd64 hosts exclusively (see its DESIGN.md entry for why arm64 and
// riscv64 never reach a Seal call in production), so the amd64 branch
// below is the one actually exercised: it relies on the kernel
// transition Seal already performs via Mprotect, since entering and
// returning from a syscall is a serializing event and x86's strong
// memory model keeps self-modifying code coherent across that boundary
// without any further action. The arm64 and riscv64 branches are
// reachable only by calling this allocator directly, as this package's
// own tests do on whatever host runs them; they stay unimplemented
// no-ops because this module carries no cgo or hand-written assembly to
// ground a real flush on, and the Mprotect-boundary argument that
// covers amd64 doesn't hold on either of them.
func flushInstructionCache(region []byte) {
	switch runtime.GOARCH {
	case "amd64", "386":
		// x86 guarantees instruction/data cache coherency for writes that
		// precede the mprotect syscall boundary; no additional action
		// needed.
	case "arm64":
		// No codegen backend in this module targets arm64 hosts; a real
		// dc-cvau/ic-ivau/dsb/isb sequence needs a cgo or assembly
		// backend this module doesn't carry.
	case "riscv64":
		// Same as arm64: nothing in this module targets riscv64 hosts,
		// and a real fence.i needs a cgo or assembly backend.
	}
	_ = region
}
