// Package device defines the single point of open polymorphism in the core:
// the three-method MMIO capability a device collaborator implements so the
// MMU can dispatch reads and writes into it without knowing its concrete
// type. Everything else in the system is a closed tagged variant.
package device

// MMIO is implemented by device collaborators (virtio, framebuffers, UARTs,
// interrupt controllers, ...) registered against an address range. Reads
// complete synchronously; a write may side-effect, including raising an
// interrupt through whatever interrupt queue the device was constructed
// with.
type MMIO interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	// Size reports the byte length of the device's address window, used to
	// validate registration and to reject out-of-range accesses.
	Size() uint64
}

// Region pairs an MMIO device with the guest-physical range it was
// registered against.
type Region struct {
	Base   uint64
	Size   uint64
	Device MMIO
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}
