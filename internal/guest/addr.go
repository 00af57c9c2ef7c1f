// Package guest defines the opaque address types and per-core register state
// shared by every other subsystem. Nothing here knows about any particular
// guest ISA; arithmetic on addresses only ever happens through the helpers
// below so that a guest address can never be mistaken for a host pointer.
package guest

import "fmt"

// Addr is a guest virtual address. It is a distinct type from PhysAddr
// and from any host pointer type; the only way to get one is to construct it
// explicitly or to add a displacement to an existing one.
type Addr uint64

// PhysAddr is a guest physical address, produced only by the MMU's
// translation path.
type PhysAddr uint64

// Add returns a+disp, matching the two's-complement wraparound a real CPU's
// address arithmetic exhibits.
func (a Addr) Add(disp int64) Addr {
	return Addr(int64(a) + disp)
}

// Sub returns the signed distance between two addresses.
func (a Addr) Sub(b Addr) int64 {
	return int64(a) - int64(b)
}

// PageBase masks off the low bits of a according to the given page size
// (which must be a power of two).
func (a Addr) PageBase(pageSize uint64) Addr {
	return Addr(uint64(a) &^ (pageSize - 1))
}

// PageOffset returns the low bits of a within a page of the given size.
func (a Addr) PageOffset(pageSize uint64) uint64 {
	return uint64(a) & (pageSize - 1)
}

func (a Addr) String() string     { return fmt.Sprintf("0x%016x", uint64(a)) }
func (a PhysAddr) String() string { return fmt.Sprintf("0x%016x", uint64(a)) }

// Add returns p+disp.
func (p PhysAddr) Add(disp int64) PhysAddr {
	return PhysAddr(int64(p) + disp)
}

// WithOffset reconstructs a full address from a page base and an in-page
// offset, used after a TLB hit resolves only the page number.
func (p PhysAddr) WithOffset(offset uint64) PhysAddr {
	return PhysAddr(uint64(p) | offset)
}
