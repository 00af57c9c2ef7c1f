package mmu

import "github.com/xarchvm/corevm/internal/guest"

// Mode selects the page-table format used by pageWalker.walk.
type Mode uint8

const (
	ModeFlat Mode = iota
	ModeSV39
	ModeSV48
	ModeX86_64
	ModeARMv8
)

// Access tags the kind of memory operation being translated.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "execute"
	default:
		return "read"
	}
}

// Flags is the permission/status bitset recorded in a TLBEntry, expressed
// in the RISC-V SV39/SV48 bit positions; the x86-64 and ARMv8 walkers
// translate their own native PTE encodings into this common set so the
// TLB and the permission checker need only one representation.
type Flags uint16

const (
	FlagValid Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagAccessed
	FlagDirty
	FlagGlobal
)

func (f Flags) permits(access Access) bool {
	switch access {
	case AccessRead:
		return f&FlagRead != 0
	case AccessWrite:
		return f&FlagWrite != 0
	case AccessExec:
		return f&FlagExec != 0
	default:
		return false
	}
}

// Cause classifies why a translation failed.
type Cause uint8

const (
	CauseNotPresent Cause = iota
	CauseProtectionViolation
	CauseReserved
)

// Fault is the value raised when address translation fails; it is a plain
// value, never a panic, and unwinds only as far as the run loop.
type Fault struct {
	GVA    guest.Addr
	Access Access
	Cause  Cause
}

func (f *Fault) Error() string {
	reason := "not present"
	if f.Cause == CauseProtectionViolation {
		reason = "protection violation"
	}
	return "page fault: " + f.GVA.String() + " (" + f.Access.String() + "): " + reason
}

const (
	sizeFlat4K     = 4096
	vpnBits        = 9
	ppnMask uint64 = (1 << 44) - 1
)

// walkResult carries what a successful walk resolved.
type walkResult struct {
	PPN      uint64
	Flags    Flags
	PageSize uint64
}

// pageWalker performs the architecture-specific multi-level table walk. All
// three formats in scope (SV39, SV48, and the x86-64/ARMv8 four-level
// formats, which share the same 9-bit-per-level / 4KiB-leaf shape) are
// walked by the same loop, parametrized by level count; semantics that
// differ (bit layout of leaf vs. non-leaf markers) are translated at the
// per-mode decodePTEFlags/isLeafPTE hooks.
type pageWalker struct {
	mode       Mode
	levels     int
	rootPPN    uint64
	readPTE    func(addr uint64) (uint64, error)
	writePTE   func(addr uint64, val uint64) error
}

func (w *pageWalker) walk(gva uint64, access Access) (walkResult, *Fault) {
	if w.mode == ModeFlat {
		return walkResult{PPN: gva >> 12, Flags: FlagValid | FlagRead | FlagWrite | FlagExec, PageSize: sizeFlat4K}, nil
	}

	tableAddr := w.rootPPN << 12
	pageSize := uint64(sizeFlat4K)

	for level := w.levels - 1; level >= 0; level-- {
		shift := 12 + level*vpnBits
		vpn := (gva >> shift) & 0x1ff

		pteAddr := tableAddr + vpn*8
		pte, err := w.readPTE(pteAddr)
		if err != nil {
			return walkResult{}, &Fault{GVA: guest.Addr(gva), Access: access, Cause: CauseNotPresent}
		}

		flags := decodePTEFlags(w.mode, pte)
		if flags&FlagValid == 0 {
			return walkResult{}, &Fault{GVA: guest.Addr(gva), Access: access, Cause: CauseNotPresent}
		}

		if isLeafPTE(w.mode, pte, flags, level) {
			if level > 0 {
				pageSize = 1 << shift
			}
			if !flags.permits(access) {
				return walkResult{}, &Fault{GVA: guest.Addr(gva), Access: access, Cause: CauseProtectionViolation}
			}

			if flags&FlagAccessed == 0 || (access == AccessWrite && flags&FlagDirty == 0) {
				updated := pte | encodeAccessedDirty(w.mode, access)
				_ = w.writePTE(pteAddr, updated)
				flags |= FlagAccessed
				if access == AccessWrite {
					flags |= FlagDirty
				}
			}

			ppn := pteToPPN(w.mode, pte)
			return walkResult{PPN: ppn, Flags: flags, PageSize: pageSize}, nil
		}

		tableAddr = pteToPPN(w.mode, pte) << 12
	}

	return walkResult{}, &Fault{GVA: guest.Addr(gva), Access: access, Cause: CauseNotPresent}
}

// decodePTEFlags translates a raw PTE into the common Flags bitset. SV39
// and SV48 share RISC-V's bit layout; x86-64 and ARMv8 each use their own
// native present/writable/no-execute conventions.
func decodePTEFlags(mode Mode, pte uint64) Flags {
	switch mode {
	case ModeSV39, ModeSV48:
		var f Flags
		if pte&(1<<0) != 0 {
			f |= FlagValid
		}
		if pte&(1<<1) != 0 {
			f |= FlagRead
		}
		if pte&(1<<2) != 0 {
			f |= FlagWrite
		}
		if pte&(1<<3) != 0 {
			f |= FlagExec
		}
		if pte&(1<<4) != 0 {
			f |= FlagUser
		}
		if pte&(1<<5) != 0 {
			f |= FlagGlobal
		}
		if pte&(1<<6) != 0 {
			f |= FlagAccessed
		}
		if pte&(1<<7) != 0 {
			f |= FlagDirty
		}
		return f
	case ModeX86_64:
		var f Flags
		if pte&(1<<0) != 0 { // present
			f |= FlagValid | FlagRead
		}
		if pte&(1<<1) != 0 { // writable
			f |= FlagWrite
		}
		if pte&(1<<2) != 0 { // user
			f |= FlagUser
		}
		if pte&(1<<5) != 0 { // accessed
			f |= FlagAccessed
		}
		if pte&(1<<6) != 0 { // dirty
			f |= FlagDirty
		}
		if pte&(1<<63) == 0 { // NX clear => executable
			f |= FlagExec
		}
		return f
	case ModeARMv8:
		var f Flags
		if pte&(1<<0) != 0 { // valid
			f |= FlagValid | FlagRead
		}
		if pte&(1<<10) != 0 { // access flag
			f |= FlagAccessed
		}
		if pte&(1<<7) == 0 { // AP[2:1]==0 => read/write
			f |= FlagWrite
		}
		if pte&(1<<6) != 0 { // AP[1] user bit
			f |= FlagUser
		}
		if pte&(1<<54) == 0 { // UXN clear => executable
			f |= FlagExec
		}
		return f
	default:
		return 0
	}
}

// isLeafPTE reports whether pte terminates the walk at the given level
// (0 = innermost, 4KiB granularity). The lowest level is always a leaf;
// above that, x86-64 and ARMv8 mark a superpage leaf with a dedicated bit,
// while SV39/SV48 leaves are recognised by any of R/W/X being set at any
// level (a pure non-leaf PTE carries none of them).
func isLeafPTE(mode Mode, pte uint64, flags Flags, level int) bool {
	switch mode {
	case ModeSV39, ModeSV48:
		return flags&(FlagRead|FlagWrite|FlagExec) != 0
	case ModeX86_64:
		if level == 0 {
			return true
		}
		return pte&(1<<7) != 0 // PS bit: 2MiB/1GiB superpage
	case ModeARMv8:
		if level == 0 {
			return true
		}
		return pte&(1<<1) == 0 // block descriptor (table descriptors set bit 1)
	default:
		return true
	}
}

func pteToPPN(mode Mode, pte uint64) uint64 {
	switch mode {
	case ModeSV39, ModeSV48:
		return (pte >> 10) & ppnMask
	case ModeX86_64, ModeARMv8:
		return (pte >> 12) & ((1 << 40) - 1)
	default:
		return 0
	}
}

func encodeAccessedDirty(mode Mode, access Access) uint64 {
	switch mode {
	case ModeSV39, ModeSV48:
		v := uint64(1 << 6)
		if access == AccessWrite {
			v |= 1 << 7
		}
		return v
	case ModeX86_64:
		v := uint64(1 << 5)
		if access == AccessWrite {
			v |= 1 << 6
		}
		return v
	case ModeARMv8:
		return 1 << 10
	default:
		return 0
	}
}

func levelsForMode(mode Mode) int {
	switch mode {
	case ModeSV39:
		return 3
	case ModeSV48:
		return 4
	case ModeX86_64, ModeARMv8:
		return 4
	default:
		return 0
	}
}
