package jit

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/xarchvm/corevm/internal/execmem"
	"github.com/xarchvm/corevm/internal/interp"
	"github.com/xarchvm/corevm/internal/ir"
)

// CompiledBlock is the output of a compile job: an optimized Block plus
// the bookkeeping the hybrid executor and observability layer need.
type CompiledBlock struct {
	Block     *ir.Block
	Level     Level
	OpsBefore int
	OpsAfter  int

	// Native is a sealed, executable region holding machine code for
	// the first NativeOps of Block.Ops, or nil if no prefix could be
	// natively compiled: a non-amd64 host, a leading op this package's
	// encoder doesn't cover, or an execmem allocation/seal failure all
	// leave this nil, and Execute falls back to interpreting Block
	// whole in that case.
	Native    *execmem.Region
	NativeOps int

	alloc *execmem.Allocator
}

// Release frees cb's native region, if it has one. The translation
// cache calls this once an entry has been removed from every index a
// lookup could still reach it through, so no call frame can still be
// running inside the region being unmapped.
func (cb *CompiledBlock) Release() error {
	if cb.Native == nil {
		return nil
	}
	return cb.alloc.Free(cb.Native)
}

// nativeSupported reports whether this host has a codegen backend at
// all. Only amd64 does; see DESIGN.md for the scope decision.
func nativeSupported() bool {
	return runtime.GOARCH == "amd64"
}

// Compiler runs the optimization pipeline and, on hosts nativeSupported
// reports true for, lowers as much of the optimized block's leading ops
// as native.go's encoder covers to machine code in a sealed
// execmem.Region.
type Compiler struct {
	level Level
	alloc *execmem.Allocator

	jobs       atomic.Int64
	opsSaved   atomic.Int64
	nativeJobs atomic.Int64
}

// New constructs a Compiler at the given optimization level (0-2, per
// the Config field of the same name).
func New(level Level) *Compiler {
	if level > LevelAggressive {
		level = LevelAggressive
	}
	return &Compiler{level: level, alloc: execmem.New()}
}

// Compile lowers block into a CompiledBlock. It never panics and never
// returns an error for a structurally valid Block: every op kind the
// decoder can emit is handled by at least the identity path in each
// pass, and a Block with OpInvalid among its Ops simply passes through
// unoptimized (constant/CSE/DCE all key on the pure-op subset and treat
// unrecognized kinds as opaque and side-effecting-conservative). A
// failure to natively compile any part of the block is never an error
// here either — it just means cb.Native stays nil.
func (c *Compiler) Compile(block *ir.Block) (*CompiledBlock, error) {
	if block == nil {
		return nil, fmt.Errorf("jit: nil block")
	}
	if len(block.Ops) > ir.MaxOpsPerBlock {
		return nil, fmt.Errorf("jit: block exceeds MaxOpsPerBlock (%d > %d)", len(block.Ops), ir.MaxOpsPerBlock)
	}

	optimized := Optimize(block, c.level)

	c.jobs.Add(1)
	c.opsSaved.Add(int64(len(block.Ops) - len(optimized.Ops)))

	cb := &CompiledBlock{
		Block:     optimized,
		Level:     c.level,
		OpsBefore: len(block.Ops),
		OpsAfter:  len(optimized.Ops),
		alloc:     c.alloc,
	}

	if nativeSupported() {
		c.compileNativePrefix(cb)
	}

	return cb, nil
}

// compileNativePrefix tries to lower cb.Block's leading ops to a sealed
// execmem.Region. Any failure along the way — nothing natively
// compilable, an mmap failure, a seal failure — just leaves cb.Native
// nil rather than failing the whole compile job; the interpreter
// always covers whatever a native region doesn't.
func (c *Compiler) compileNativePrefix(cb *CompiledBlock) {
	code, n := compileNative(cb.Block.Ops)
	if n == 0 {
		return
	}
	region, err := c.alloc.Alloc(len(code))
	if err != nil {
		return
	}
	copy(region.Base(), code)
	if err := c.alloc.Seal(region); err != nil {
		_ = c.alloc.Free(region)
		return
	}
	cb.Native = region
	cb.NativeOps = n
	c.nativeJobs.Add(1)
}

// Stats reports cumulative compiler activity for the observability layer.
type Stats struct {
	Jobs       int64
	OpsSaved   int64
	NativeJobs int64
}

func (c *Compiler) Stats() Stats {
	return Stats{
		Jobs:       c.jobs.Load(),
		OpsSaved:   c.opsSaved.Load(),
		NativeJobs: c.nativeJobs.Load(),
	}
}

// Execute runs a compiled block to completion. A block with no native
// region runs entirely through the interpreter, same as tier 0; a
// block that does is run by jumping into its sealed region to execute
// the native prefix in place, then resuming the interpreter on
// whichever of Block's ops (and always its terminator) the prefix
// didn't cover.
func Execute(in *interp.Interp, core *interp.Core, cb *CompiledBlock) (uint64, error) {
	if cb.Native == nil {
		return in.Run(core, cb.Block)
	}
	entry := uintptr(unsafe.Pointer(&cb.Native.Base()[0]))
	callNativeBlock(entry, unsafe.Pointer(core.Regs))
	return in.RunFrom(core, cb.Block, cb.NativeOps)
}
