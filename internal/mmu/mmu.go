// Package mmu implements the software memory-management unit: guest
// page-table walking under SV39, SV48, x86-64, and ARMv8 formats, a
// sharded TLB, and the advanced flush manager described alongside it. It
// is the sole path by which any guest virtual address becomes a guest
// physical one.
package mmu

import (
	"sync"

	"github.com/xarchvm/corevm/internal/guest"
)

// pageShiftFor returns log2(pageSize) for the sizes this package uses.
func pageShiftFor(size uint64) uint64 {
	shift := uint64(0)
	for size > 1 {
		size >>= 1
		shift++
	}
	return shift
}

// Config selects the paging mode and root table location for an MMU
// instance. RootPPN is ignored when Mode is ModeFlat. FlushPolicy
// selects the advanced flush manager's initial policy; the zero value
// (PolicySelective) matches the manager's own default.
type Config struct {
	Mode        Mode
	RootPPN     uint64
	FlushPolicy FlushPolicy
}

// MMU ties a paging mode, a sharded TLB, an advanced flush manager, and
// the guest-physical bus together behind a single Translate entry point.
type MMU struct {
	mu     sync.RWMutex
	mode   Mode
	root   uint64
	bus    *Bus
	tlb    *TLB
	flush  *AdvancedFlushManager
}

// New constructs an MMU over bus using the given initial configuration.
func New(bus *Bus, cfg Config) *MMU {
	tlb := NewTLB()
	return &MMU{
		mode:  cfg.Mode,
		root:  cfg.RootPPN,
		bus:   bus,
		tlb:   tlb,
		flush: NewAdvancedFlushManager(tlb, cfg.FlushPolicy),
	}
}

// SetRoot updates the paging mode and root page-table PPN, as on a guest
// write to SATP/CR3/TTBR. It does not itself flush the TLB: the caller is
// responsible for an explicit FlushAll if the address space changed,
// matching the semantics of the native registers it mirrors.
func (m *MMU) SetRoot(mode Mode, rootPPN uint64) {
	m.mu.Lock()
	m.mode = mode
	m.root = rootPPN
	m.mu.Unlock()
}

// FlushManager exposes the advanced flush manager for policy selection and
// stride-prefetch queries from the run loop.
func (m *MMU) FlushManager() *AdvancedFlushManager { return m.flush }

// Bus exposes the guest-physical memory bus for collaborators (the
// interpreter, compiled-code load/store helpers) that have already
// translated a guest virtual address and need the physical access itself.
func (m *MMU) Bus() *Bus { return m.bus }

// Load translates gva for a read of size bytes and performs the access.
func (m *MMU) Load(gva guest.Addr, size int) (uint64, error) {
	pa, err := m.Translate(gva, AccessRead)
	if err != nil {
		return 0, err
	}
	return m.bus.Read(uint64(pa), size)
}

// Store translates gva for a write of size bytes and performs the access.
func (m *MMU) Store(gva guest.Addr, size int, value uint64) error {
	pa, err := m.Translate(gva, AccessWrite)
	if err != nil {
		return err
	}
	return m.bus.Write(uint64(pa), size, value)
}

// TLB exposes the sharded TLB directly, mainly for observability counters.
func (m *MMU) TLB() *TLB { return m.tlb }

// Translate resolves a guest virtual address for the given access kind,
// consulting the TLB first and falling back to a full page-table walk on
// a miss. A successful walk both installs the translation in the TLB and
// feeds the flush manager's usage/stride trackers.
func (m *MMU) Translate(gva guest.Addr, access Access) (guest.PhysAddr, error) {
	m.mu.RLock()
	mode := m.mode
	root := m.root
	m.mu.RUnlock()

	shift := uint64(12)
	vpn := uint64(gva) >> shift

	if ppn, pshift, flags, ok := m.tlb.Lookup(vpn); ok {
		if !flags.permits(access) {
			return 0, &Fault{GVA: gva, Access: access, Cause: CauseProtectionViolation}
		}
		m.flush.RecordAccess(vpn, ppn, flags, float64(pshift-12)/9, int64(m.tlb.clock.Load()))
		offset := uint64(gva) & ((1 << pshift) - 1)
		return guest.PhysAddr((ppn << pshift) | offset), nil
	}

	walker := &pageWalker{
		mode:    mode,
		levels:  levelsForMode(mode),
		rootPPN: root,
		readPTE: func(addr uint64) (uint64, error) { return m.bus.Read(addr, 8) },
		writePTE: func(addr uint64, val uint64) error { return m.bus.Write(addr, 8, val) },
	}

	res, fault := walker.walk(uint64(gva), access)
	if fault != nil {
		return 0, fault
	}

	pshift := pageShiftFor(res.PageSize)
	alignedVPN := uint64(gva) >> pshift
	m.tlb.Insert(alignedVPN, res.PPN, pshift, res.Flags)

	sizeClass := 0.0
	switch res.PageSize {
	case 1 << 21:
		sizeClass = 1
	case 1 << 30:
		sizeClass = 2
	}
	m.flush.RecordAccess(alignedVPN, res.PPN, res.Flags, sizeClass, int64(m.tlb.clock.Load()))

	offset := uint64(gva) & (res.PageSize - 1)
	return guest.PhysAddr((res.PPN << pshift) | offset), nil
}

// TranslateFetch is a convenience wrapper for instruction fetch, the most
// common AccessExec caller in the run loop.
func (m *MMU) TranslateFetch(gva guest.Addr) (guest.PhysAddr, error) {
	return m.Translate(gva, AccessExec)
}

// FlushPage invalidates the single page containing gva.
func (m *MMU) FlushPage(gva guest.Addr) {
	m.tlb.FlushPage(uint64(gva) >> 12)
}

// FlushAll invalidates every cached translation, as on an address-space
// switch.
func (m *MMU) FlushAll() {
	m.tlb.FlushAll()
}

// FlushRange invalidates [lo, hi) via the advanced flush manager's active
// policy, consulting the page walker for the selective policy's
// unchanged-mapping check.
func (m *MMU) FlushRange(lo, hi guest.Addr) {
	m.mu.RLock()
	mode := m.mode
	root := m.root
	m.mu.RUnlock()

	walker := &pageWalker{
		mode:    mode,
		levels:  levelsForMode(mode),
		rootPPN: root,
		readPTE: func(addr uint64) (uint64, error) { return m.bus.Read(addr, 8) },
		writePTE: func(addr uint64, val uint64) error { return m.bus.Write(addr, 8, val) },
	}

	current := func(vpn uint64) (uint64, Flags, bool) {
		res, fault := walker.walk(vpn<<12, AccessRead)
		if fault != nil {
			return 0, 0, false
		}
		return res.PPN, res.Flags, true
	}

	m.flush.FlushRange(uint64(lo)>>12, uint64(hi)>>12, current)
}
