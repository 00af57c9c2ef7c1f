// Package execmem implements the executable-memory allocator: page-aligned
// regions that start RW for the compiler to populate and seal to RX before
// the translation cache hands them to a guest core. It generalizes a
// single mmap/mprotect trampoline for running compiled assembly from "one
// fixed-size trampoline" to "many independently-sized, independently-
// lifetime regions owned by the translation cache".
package execmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Protection is the current permission state of a HostExecRegion.
type Protection uint8

const (
	ProtRW Protection = iota
	ProtRX
)

// Region is a page-aligned host memory region obtained from the
// allocator. Its permission state transitions RW->RX exactly once per
// generation: Alloc always returns a ProtRW region; Seal flips it to
// ProtRX; Free reclaims it regardless of state.
type Region struct {
	mem  []byte
	prot atomic.Int32
	epoch uint64
}

// Base returns the region's host base address as a byte slice view; the
// compiler writes machine code into this slice while the region is RW.
func (r *Region) Base() []byte { return r.mem }

// Size returns the region's allocated size in bytes, rounded up to the
// host page size.
func (r *Region) Size() int { return len(r.mem) }

// Protection reports the region's current permission state.
func (r *Region) Protection() Protection { return Protection(r.prot.Load()) }

// Allocator hands out and reclaims executable regions. Every protection
// flip in Seal runs under mu and bumps the allocator's epoch counter, so
// no two flips interleave.
type Allocator struct {
	mu    sync.Mutex
	epoch uint64

	allocated atomic.Int64
	sealed    atomic.Int64
}

// New constructs an Allocator. There is no process-wide singleton: each
// guest VM instance owns one, so no global mutable state is required.
func New() *Allocator {
	return &Allocator{}
}

// Alloc reserves size bytes, rounded up to the host page granularity,
// with read+write permission. It fails with a wrapped error classified
// as OutOfMemory-shaped if the host mmap call fails (e.g. address space
// exhaustion). Its caller, package jit, then leaves that block without a
// native region, so the block's ops run through the interpreter; no
// eviction pass is forced and the allocation is not retried.
func (a *Allocator) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("execmem: invalid alloc size %d", size)
	}
	pageSize := unix.Getpagesize()
	rounded := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("execmem: OutOfMemory: mmap %d bytes: %w", rounded, err)
	}

	r := &Region{mem: mem}
	r.prot.Store(int32(ProtRW))
	a.allocated.Add(1)
	return r, nil
}

// Seal removes write permission and adds execute permission, then flushes
// the instruction cache for the region so cores that already observed the
// old mapping see the new code rather than stale i-cache lines. The flip
// is serialized by the allocator's epoch so that a concurrent seal on a
// different region never interleaves with this one's two-step
// mprotect+flush in a way that could let another core observe the region
// mid-transition — seal itself only ever touches its own region's
// mapping, but the epoch bump is the signal a core samples at its next
// safe point to know a new compiled block may exist.
func (a *Allocator) Seal(r *Region) error {
	if Protection(r.prot.Load()) == ProtRX {
		return nil
	}
	a.mu.Lock()
	if err := unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("execmem: SealDenied: mprotect region of %d bytes: %w", len(r.mem), err)
	}
	flushInstructionCache(r.mem)
	a.epoch++
	r.epoch = a.epoch
	a.mu.Unlock()

	r.prot.Store(int32(ProtRX))
	a.sealed.Add(1)
	return nil
}

// Free unmaps r. The translation cache must not call this while any
// call frame still references r's code; doing so is undefined behavior,
// same as a bare munmap of in-use executable memory on any host.
func (a *Allocator) Free(r *Region) error {
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("execmem: munmap: %w", err)
	}
	if Protection(r.prot.Load()) == ProtRX {
		a.sealed.Add(-1)
	}
	a.allocated.Add(-1)
	r.mem = nil
	return nil
}

// Epoch returns the allocator's current protection-flip epoch, sampled by
// a guest core at a safe point to decide whether to re-check the
// translation cache for newly sealed code.
func (a *Allocator) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Stats reports the allocator's live region and sealed-region counts.
type Stats struct {
	Allocated int64
	Sealed    int64
}

func (a *Allocator) Stats() Stats {
	return Stats{Allocated: a.allocated.Load(), Sealed: a.sealed.Load()}
}
