package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/xarchvm/corevm/internal/device"
)

var byteOrder = binary.LittleEndian

// RAM is a single contiguous host allocation backing guest physical memory.
// A real deployment may back this with Linux huge pages; the plain byte
// slice here is the portable fallback used whenever that isn't available.
type RAM struct {
	base uint64
	data []byte
}

// NewRAM allocates size bytes of guest physical memory starting at base.
func NewRAM(base, size uint64) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

func (r *RAM) contains(addr uint64, n uint64) bool {
	return addr >= r.base && addr+n <= r.base+uint64(len(r.data))
}

func (r *RAM) read(addr uint64, size int) (uint64, error) {
	off := addr - r.base
	if !r.contains(addr, uint64(size)) {
		return 0, fmt.Errorf("mmu: ram read out of bounds at 0x%x size %d", addr, size)
	}
	switch size {
	case 1:
		return uint64(r.data[off]), nil
	case 2:
		return uint64(byteOrder.Uint16(r.data[off:])), nil
	case 4:
		return uint64(byteOrder.Uint32(r.data[off:])), nil
	case 8:
		return byteOrder.Uint64(r.data[off:]), nil
	default:
		return 0, fmt.Errorf("mmu: invalid read size %d", size)
	}
}

func (r *RAM) write(addr uint64, size int, val uint64) error {
	off := addr - r.base
	if !r.contains(addr, uint64(size)) {
		return fmt.Errorf("mmu: ram write out of bounds at 0x%x size %d", addr, size)
	}
	switch size {
	case 1:
		r.data[off] = byte(val)
	case 2:
		byteOrder.PutUint16(r.data[off:], uint16(val))
	case 4:
		byteOrder.PutUint32(r.data[off:], uint32(val))
	case 8:
		byteOrder.PutUint64(r.data[off:], val)
	default:
		return fmt.Errorf("mmu: invalid write size %d", size)
	}
	return nil
}

// LoadBytes copies data into guest physical memory starting at addr, used
// by the guest image loader.
func (r *RAM) LoadBytes(addr uint64, data []byte) error {
	if !r.contains(addr, uint64(len(data))) {
		return fmt.Errorf("mmu: load out of bounds at 0x%x len %d", addr, len(data))
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

// ReadAt/WriteAt implement io.ReaderAt/io.WriterAt against guest physical
// memory, used by the snapshot collaborator to capture guest_memory_range.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= uint64(len(r.data)) {
		return 0, fmt.Errorf("mmu: read-at offset %d out of range", off)
	}
	n := copy(p, r.data[off:])
	return n, nil
}

func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > uint64(len(r.data)) {
		return 0, fmt.Errorf("mmu: write-at offset %d out of range", off)
	}
	n := copy(r.data[off:], p)
	return n, nil
}

// Bus routes guest-physical accesses to RAM or to a registered MMIO device.
// The MMU never fetches instructions from an MMIO region.
type Bus struct {
	ram     *RAM
	regions []device.Region
}

// NewBus creates a bus backed by ram.
func NewBus(ram *RAM) *Bus {
	return &Bus{ram: ram}
}

// RAM returns the bus's backing memory region.
func (b *Bus) RAM() *RAM { return b.ram }

// AddDevice registers dev at [base, base+dev.Size()).
func (b *Bus) AddDevice(base uint64, dev device.MMIO) {
	b.regions = append(b.regions, device.Region{Base: base, Size: dev.Size(), Device: dev})
}

func (b *Bus) findRegion(addr uint64) (device.Region, bool) {
	for _, r := range b.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return device.Region{}, false
}

// IsMMIO reports whether addr falls in a registered device region rather
// than RAM.
func (b *Bus) IsMMIO(addr uint64) bool {
	if b.ram.contains(addr, 1) {
		return false
	}
	_, ok := b.findRegion(addr)
	return ok
}

func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	if b.ram.contains(addr, uint64(size)) {
		return b.ram.read(addr, size)
	}
	region, ok := b.findRegion(addr)
	if !ok {
		return 0, fmt.Errorf("mmu: no backing at guest-physical 0x%x", addr)
	}
	return region.Device.Read(addr-region.Base, size)
}

func (b *Bus) Write(addr uint64, size int, value uint64) error {
	if b.ram.contains(addr, uint64(size)) {
		return b.ram.write(addr, size, value)
	}
	region, ok := b.findRegion(addr)
	if !ok {
		return fmt.Errorf("mmu: no backing at guest-physical 0x%x", addr)
	}
	return region.Device.Write(addr-region.Base, size, value)
}
