package guest

// NumGPRegs is large enough to host every ISA family in scope (RISC-V and
// ARM64 define 32 integer registers, x86-64 uses 16) plus a block of
// scratch slots (32..63) decoders may use to stage intermediate values,
// such as a branch's compare result, without ever aliasing a real guest
// register: no ISA in scope addresses past index 31.
const NumGPRegs = 64

// ScratchReg0 is the first guest-unaddressable GP slot a decoder may use
// for staging values (e.g. a branch condition consumed by the very next
// terminator). Indices ScratchReg0..NumGPRegs-1 are reserved this way.
const ScratchReg0 = 32

// NumFPRegs sizes the floating-point bank. Unlike NumGPRegs it has no
// scratch block: it holds the 32 architectural FP registers only.
const NumFPRegs = 32

// RegisterFile is the mutable state shared by the interpreter and by
// compiled host code for a single guest core. Compiled code accesses it
// through a raw pointer handed across the ABI boundary (see package jit);
// the layout here must stay a flat array of uint64 for that to work.
type RegisterFile struct {
	GP [NumGPRegs]uint64
	FP [NumFPRegs]uint64

	// ZeroReg marks GP register 0 as hardwired to zero, per architectures
	// (RISC-V, among others) that define such a register. Loads from it
	// return 0; stores to it are discarded.
	ZeroReg bool
}

// Read returns the value of GP register idx, honoring ZeroReg.
func (r *RegisterFile) Read(idx int) uint64 {
	if r.ZeroReg && idx == 0 {
		return 0
	}
	return r.GP[idx&(NumGPRegs-1)]
}

// Write stores val into GP register idx, discarding the write when ZeroReg
// is set and idx is the zero register.
func (r *RegisterFile) Write(idx int, val uint64) {
	if r.ZeroReg && idx == 0 {
		return
	}
	r.GP[idx&(NumGPRegs-1)] = val
}

// ReadFP and WriteFP are the floating-point bank equivalents; there is no
// hardwired-zero register in the float bank for any ISA in scope.
func (r *RegisterFile) ReadFP(idx int) uint64 { return r.FP[idx&(NumFPRegs-1)] }

func (r *RegisterFile) WriteFP(idx int, val uint64) { r.FP[idx&(NumFPRegs-1)] = val }

// Snapshot returns a copy of the register state, safe to retain independent
// of further mutation of r.
func (r *RegisterFile) Snapshot() RegisterFile {
	return *r
}

// Restore overwrites r's contents from a previously captured snapshot.
func (r *RegisterFile) Restore(s RegisterFile) {
	*r = s
}
