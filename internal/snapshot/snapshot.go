// Package snapshot implements dump_state()/restore_state(): serializing
// a guest core's register file, paging root, and physical memory to a
// single stream and reading it back. Grounded on
// internal/hv/kvm/snapshot_io.go's magic/version header followed by a
// gzip-compressed payload, with encoding/gob standing in for that file's
// hand-rolled binary.Write field-by-field encoding since this module's
// State has no device-specific per-architecture branching to justify a
// custom binary layout, and internal/devices/amd64/chipset/
// snapshot_gob.go's gob.Register(&Type{}) pattern for registering the
// concrete types gob needs to know about.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/mmu"
)

// Magic and Version identify a corevm snapshot stream, mirroring
// hv.SnapshotMagic/hv.SnapshotVersion's role in internal/hv's format.
const (
	Magic   uint32 = 0x43564d31 // "CVM1"
	Version uint32 = 1
)

func init() {
	gob.Register(&State{})
}

// State is everything dump_state()/restore_state() round-trips.
type State struct {
	Regs       guest.RegisterFile
	PC         uint64
	PagingMode mmu.Mode
	RootPPN    uint64
	RAM        []byte
}

// Dump writes state to w as a magic/version header followed by a
// gzip-compressed gob encoding of State.
func Dump(w io.Writer, state *State) error {
	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return fmt.Errorf("snapshot: write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, Version); err != nil {
		return fmt.Errorf("snapshot: write version: %w", err)
	}

	gz := gzip.NewWriter(w)
	if err := gob.NewEncoder(gz).Encode(state); err != nil {
		return fmt.Errorf("snapshot: encode state: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshot: close gzip writer: %w", err)
	}
	return nil
}

// Restore reads a State previously written by Dump.
func Restore(r io.Reader) (*State, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("snapshot: read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("snapshot: invalid magic: expected %#x, got %#x", Magic, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("snapshot: read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", version)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open gzip reader: %w", err)
	}
	defer gz.Close()

	var state State
	if err := gob.NewDecoder(gz).Decode(&state); err != nil {
		return nil, fmt.Errorf("snapshot: decode state: %w", err)
	}
	return &state, nil
}

// CaptureRAM copies all of ram, from offset 0 to ram.Size(), into a
// State-ready slice.
func CaptureRAM(ram *mmu.RAM) ([]byte, error) {
	buf := make([]byte, ram.Size())
	if _, err := ram.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("snapshot: capture ram: %w", err)
	}
	return buf, nil
}

// RestoreRAM writes a previously captured RAM image back into ram.
func RestoreRAM(ram *mmu.RAM, data []byte) error {
	_, err := ram.WriteAt(data, 0)
	return err
}

// DumpToBytes is a convenience wrapper around Dump for callers that want
// an in-memory snapshot (e.g. a "save before a risky operation, restore
// on failure" pattern) rather than a file.
func DumpToBytes(state *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := Dump(&buf, state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
