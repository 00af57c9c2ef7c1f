// Package decode defines the frontend contract: turning guest bytes at a PC
// into an architecture-neutral ir.Block. Concrete ISA decoders live in
// subpackages (riscv64, amd64, arm64); the decoder itself is pure and stateless,
// exactly as specified — all caching is external, in package ir's
// DecodeCache.
package decode

import (
	"fmt"

	"github.com/xarchvm/corevm/internal/ir"
)

// Fetcher supplies instruction bytes for decode, routed through the MMU with
// execute-access checks. Word is the natural fetch granularity for the
// target ISA (4 bytes for a fixed-width RISC ISA); a decoder may fetch
// multiple words per call, e.g. to read the second half of a 32-bit RISC-V
// instruction on a compressed-unaligned boundary.
type Fetcher interface {
	FetchU16(pc uint64) (uint16, error)
	FetchU32(pc uint64) (uint32, error)
}

// Error classifies a decode failure. The run loop surfaces it as
// ir.FaultIllegalInstruction.
type Error struct {
	PC  uint64
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode error at pc=0x%x: %s", e.PC, e.Msg)
}

// PageStraddleError is returned when an instruction's bytes cross a page
// boundary; the caller (frontend driver) ends the block before the
// straddling instruction and lets the run loop re-enter with a fresh fetch
// from the next page, so that an instruction-fetch fault is attributed to
// the correct page.
type PageStraddleError struct {
	PC uint64
}

func (e *PageStraddleError) Error() string {
	return fmt.Sprintf("instruction at pc=0x%x straddles a page boundary", e.PC)
}

// Decoder produces one basic block starting at pc. Implementations must be
// pure functions of (Fetcher contents, pc): no decoder-owned state may
// affect the result, so that decode output may be cached and reused freely.
type Decoder interface {
	Decode(f Fetcher, pc uint64) (*ir.Block, error)
}
