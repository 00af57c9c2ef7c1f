// Package vm ties the frontend, execution tiers, MMU, and interrupt
// queue into the fetch-decode-execute run loop, one goroutine per guest
// core coordinated by golang.org/x/sync/errgroup, from the same module
// package hybrid's background compiles already pull in via
// golang.org/x/sync/semaphore.
// Grounded on internal/hv/riscv/ccvm/vm.go's run loop shape (fetch one
// block, execute it, handle the fault or advance PC, repeat) and its own
// per-core goroutine launched with a bare "go func()".
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/decode/amd64"
	"github.com/xarchvm/corevm/internal/decode/arm64"
	"github.com/xarchvm/corevm/internal/decode/riscv64"
	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/hybrid"
	"github.com/xarchvm/corevm/internal/interp"
	"github.com/xarchvm/corevm/internal/intr"
	"github.com/xarchvm/corevm/internal/ir"
	"github.com/xarchvm/corevm/internal/mmu"
	"github.com/xarchvm/corevm/internal/obs"
)

// InvariantViolation is raised when Run recovers a panic from deeper in
// the execution stack: a condition this module's own invariants say
// cannot happen (e.g. a decoder producing a block IR that the
// interpreter's switch-all-OpKinds dispatch still can't recognize after
// the fault path already rejected it). Every guest-observable condition
// is a returned error instead; this type exists purely so "should be
// impossible" doesn't still crash the whole process taking other cores
// down with it.
type InvariantViolation struct {
	CoreID int
	PC     uint64
	Detail any
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("vm: internal invariant violated on core %d at pc=0x%x: %v", e.CoreID, e.PC, e.Detail)
}

// busFetcher adapts an mmu.MMU to decode.Fetcher, translating every fetch
// through AccessExec so an instruction straddling an unmapped or
// non-executable page surfaces the same page-fault path a data access
// would.
type busFetcher struct {
	mmu *mmu.MMU
}

func (f busFetcher) FetchU16(pc uint64) (uint16, error) {
	pa, err := f.mmu.TranslateFetch(guest.Addr(pc))
	if err != nil {
		return 0, err
	}
	v, err := f.mmu.Bus().Read(uint64(pa), 2)
	return uint16(v), err
}

func (f busFetcher) FetchU32(pc uint64) (uint32, error) {
	pa, err := f.mmu.TranslateFetch(guest.Addr(pc))
	if err != nil {
		return 0, err
	}
	v, err := f.mmu.Bus().Read(uint64(pa), 4)
	return uint32(v), err
}

// Core is one guest hardware thread: its register file, its own MMU view
// (TLB and page-table root are per-core, RAM and devices are shared
// through a common Bus), and the PC it last stopped at.
type Core struct {
	ID   int
	Regs guest.RegisterFile
	MMU  *mmu.MMU
	PC   uint64
}

// Machine is a complete guest instance: N cores sharing a decoder, a
// decode cache, a translation cache, the hybrid tier executor, and an
// interrupt queue per core.
type Machine struct {
	Cores    []*Core
	Decoder  decode.Decoder
	Decode   *ir.DecodeCache
	Executor *hybrid.Executor
	Interp   *interp.Interp
	Counters *obs.Counters
	Interrupts []*intr.Queue
}

// decoderForPagingMode picks the guest-ISA decoder that matches the
// paging format the cores' MMUs were configured with: each supported
// paging mode implies exactly one guest instruction set, so the paging
// mode already carried in mmu.Config doubles as the architecture
// selector rather than introducing a second, potentially-inconsistent
// knob.
func decoderForPagingMode(mode mmu.Mode) decode.Decoder {
	switch mode {
	case mmu.ModeX86_64:
		return amd64.Decoder{}
	case mmu.ModeARMv8:
		return arm64.Decoder{}
	default:
		return riscv64.Decoder{}
	}
}

// New constructs a Machine with one interrupt queue per core. decodeCache
// and executor are shared process-wide across every core rather than
// duplicated per core. pagingMode selects the guest decoder frontend via
// decoderForPagingMode.
func New(cores []*Core, pagingMode mmu.Mode, decodeCacheSize int, executor *hybrid.Executor, counters *obs.Counters) *Machine {
	interrupts := make([]*intr.Queue, len(cores))
	for i := range interrupts {
		interrupts[i] = intr.New()
	}
	return &Machine{
		Cores:      cores,
		Decoder:    decoderForPagingMode(pagingMode),
		Decode:     ir.NewDecodeCache(decodeCacheSize),
		Executor:   executor,
		Interp:     interp.New(),
		Counters:   counters,
		Interrupts: interrupts,
	}
}

// StepResult reports the outcome of one Step call, for callers (tests, a
// debugger frontend) that want to single-step rather than Run to
// completion.
type StepResult struct {
	NextPC uint64
	Mode   hybrid.Mode
}

// fetchBlock returns the decoded block starting at pc, decoding and
// caching it on a miss.
func (m *Machine) fetchBlock(core *Core, pc uint64) (*ir.Block, error) {
	if block, ok := m.Decode.Lookup(pc); ok {
		return block, nil
	}
	block, err := m.Decoder.Decode(busFetcher{mmu: core.MMU}, pc)
	if err != nil {
		return nil, err
	}
	m.Decode.Insert(pc, block)
	return block, nil
}

// Step executes exactly one block on core: fetch (consulting the decode
// cache), dispatch to the hybrid executor (which picks interpreted or
// compiled tier internally), and report the resulting PC.
func (m *Machine) Step(core *Core) (StepResult, error) {
	block, err := m.fetchBlock(core, core.PC)
	if err != nil {
		var cause ir.FaultCause
		switch err.(type) {
		case *decode.Error:
			cause = ir.FaultIllegalInstruction
		case *mmu.Fault:
			cause = ir.FaultPageFault
		default:
			return StepResult{}, fmt.Errorf("vm: fetch at pc=0x%x: %w", core.PC, err)
		}
		if m.Counters != nil {
			m.Counters.RecordFault(cause.String())
		}
		return StepResult{NextPC: core.PC}, &interp.Fault{Cause: cause, PC: core.PC, Inner: err}
	}

	icore := &interp.Core{Regs: &core.Regs, MMU: core.MMU}
	nextPC, mode, err := m.Executor.Execute(icore, block)
	if m.Counters != nil {
		m.Counters.RecordBlock(mode)
	}
	if err != nil {
		if fault, ok := err.(*interp.Fault); ok && m.Counters != nil {
			m.Counters.RecordFault(fault.Cause.String())
		}
		return StepResult{NextPC: nextPC, Mode: mode}, err
	}

	core.PC = nextPC
	return StepResult{NextPC: nextPC, Mode: mode}, nil
}

// drainInterrupts delivers every pending interrupt on core's queue to
// handler before the next block executes, highest priority first (Queue
// already orders TryDequeue that way). A handler returning an error
// stops the core, matching a fault's severity.
func (m *Machine) drainInterrupts(core *Core, handler func(*Core, intr.Interrupt) error) error {
	if handler == nil {
		return nil
	}
	q := m.Interrupts[core.ID]
	for {
		pending, ok := q.TryDequeue()
		if !ok {
			return nil
		}
		if err := handler(core, pending); err != nil {
			return err
		}
	}
}

// Run drives core until faultHandler returns a non-nil error (the usual
// exit is the guest executing an explicit halt syscall, surfaced as a
// Fault the handler chooses to stop on) or ctx is done. interruptHandler
// may be nil if the guest configuration never raises interrupts.
func (m *Machine) Run(ctx context.Context, core *Core, faultHandler func(*Core, *interp.Fault) error, interruptHandler func(*Core, intr.Interrupt) error) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			iv := &InvariantViolation{CoreID: core.ID, PC: core.PC, Detail: r}
			slog.Error("internal invariant violated, halting core", "core", core.ID, "pc", core.PC, "detail", r)
			runErr = iv
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.drainInterrupts(core, interruptHandler); err != nil {
			return err
		}

		_, err := m.Step(core)
		if err == nil {
			continue
		}

		fault, ok := err.(*interp.Fault)
		if !ok {
			return err
		}
		if faultHandler == nil {
			return fault
		}
		if err := faultHandler(core, fault); err != nil {
			return err
		}
	}
}

// RunAll launches Run for every core in m.Cores concurrently, returning
// the first error any core's run loop produces and cancelling the rest.
// Generalized from a bare per-vcpu "go func()" launch to
// golang.org/x/sync/errgroup so that one core's unrecoverable fault tears
// down every other core's loop instead of leaving them running against a
// half-torn-down machine.
func (m *Machine) RunAll(ctx context.Context, faultHandler func(*Core, *interp.Fault) error, interruptHandler func(*Core, intr.Interrupt) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, core := range m.Cores {
		core := core
		g.Go(func() error {
			return m.Run(gctx, core, faultHandler, interruptHandler)
		})
	}
	return g.Wait()
}

// Interrupt enqueues an interrupt for delivery to the core with the given
// ID before its next block executes.
func (m *Machine) Interrupt(coreID int, priority intr.Priority, vector uint32, payload any) error {
	if coreID < 0 || coreID >= len(m.Interrupts) {
		return fmt.Errorf("vm: no such core %d", coreID)
	}
	m.Interrupts[coreID].Enqueue(priority, vector, payload)
	return nil
}
