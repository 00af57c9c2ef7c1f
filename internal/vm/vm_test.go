package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/decode/amd64"
	"github.com/xarchvm/corevm/internal/decode/arm64"
	"github.com/xarchvm/corevm/internal/decode/riscv64"
	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/hybrid"
	"github.com/xarchvm/corevm/internal/intr"
	"github.com/xarchvm/corevm/internal/interp"
	"github.com/xarchvm/corevm/internal/ir"
	"github.com/xarchvm/corevm/internal/mmu"
	"github.com/xarchvm/corevm/internal/obs"
	"github.com/xarchvm/corevm/internal/xlate"
)

func newTestCore(id int) *Core {
	ram := mmu.NewRAM(0, 0x10000)
	bus := mmu.NewBus(ram)
	m := mmu.New(bus, mmu.Config{Mode: mmu.ModeFlat})
	return &Core{ID: id, MMU: m, Regs: guest.RegisterFile{ZeroReg: true}}
}

func addBlock(pc, nextPC uint64) *ir.Block {
	return &ir.Block{
		StartPC: pc,
		Ops:     []ir.Op{{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2}},
		Term:    ir.Terminator{Kind: ir.TermJmpReg, BaseReg: 0, Offset: int64(nextPC)},
	}
}

func faultBlock(pc uint64, cause ir.FaultCause) *ir.Block {
	return &ir.Block{
		StartPC: pc,
		Term:    ir.Terminator{Kind: ir.TermFault, Cause: cause},
	}
}

func newTestMachine(cores []*Core) *Machine {
	cache := xlate.New(xlate.Budget{})
	executor := hybrid.New(cache, hybrid.Config{HotnessThreshold: 1000})
	return New(cores, mmu.ModeFlat, 16, executor, obs.NewCounters())
}

func TestNewSelectsDecoderByPagingMode(t *testing.T) {
	cases := []struct {
		mode mmu.Mode
		want decode.Decoder
	}{
		{mmu.ModeFlat, riscv64.Decoder{}},
		{mmu.ModeSV39, riscv64.Decoder{}},
		{mmu.ModeSV48, riscv64.Decoder{}},
		{mmu.ModeX86_64, amd64.Decoder{}},
		{mmu.ModeARMv8, arm64.Decoder{}},
	}
	for _, c := range cases {
		cache := xlate.New(xlate.Budget{})
		executor := hybrid.New(cache, hybrid.Config{HotnessThreshold: 1000})
		m := New([]*Core{newTestCore(0)}, c.mode, 16, executor, obs.NewCounters())
		if m.Decoder != c.want {
			t.Fatalf("mode %v: expected decoder %T, got %T", c.mode, c.want, m.Decoder)
		}
	}
}

func TestStepExecutesBlockAndAdvancesPC(t *testing.T) {
	core := newTestCore(0)
	core.Regs.Write(1, 4)
	core.Regs.Write(2, 5)
	core.PC = 0x1000

	m := newTestMachine([]*Core{core})
	m.Decode.Insert(0x1000, addBlock(0x1000, 0x1004))

	res, err := m.Step(core)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.NextPC != 0x1004 {
		t.Fatalf("expected next pc 0x1004, got %#x", res.NextPC)
	}
	if core.PC != 0x1004 {
		t.Fatalf("expected core.PC advanced to 0x1004, got %#x", core.PC)
	}
	if got := core.Regs.Read(3); got != 9 {
		t.Fatalf("expected r3 == 9, got %d", got)
	}
}

func TestStepReturnsDecodedFaultFromTerminator(t *testing.T) {
	core := newTestCore(0)
	core.PC = 0x2000

	m := newTestMachine([]*Core{core})
	m.Decode.Insert(0x2000, faultBlock(0x2000, ir.FaultIllegalInstruction))

	_, err := m.Step(core)
	fault, ok := err.(*interp.Fault)
	if !ok {
		t.Fatalf("expected *interp.Fault, got %T (%v)", err, err)
	}
	if fault.Cause != ir.FaultIllegalInstruction {
		t.Fatalf("expected illegal-instruction cause, got %v", fault.Cause)
	}
}

func TestRunStopsWhenFaultHandlerReturnsError(t *testing.T) {
	core := newTestCore(0)
	core.PC = 0x3000

	m := newTestMachine([]*Core{core})
	m.Decode.Insert(0x3000, faultBlock(0x3000, ir.FaultBreakpoint))

	stopErr := errors.New("halted")
	err := m.Run(context.Background(), core, func(c *Core, f *interp.Fault) error {
		if f.Cause == ir.FaultBreakpoint {
			return stopErr
		}
		return nil
	}, nil)

	if !errors.Is(err, stopErr) {
		t.Fatalf("expected stopErr, got %v", err)
	}
}

func TestRunDeliversPendingInterruptsBeforeNextBlock(t *testing.T) {
	core := newTestCore(0)
	core.PC = 0x4000

	m := newTestMachine([]*Core{core})
	m.Decode.Insert(0x4000, faultBlock(0x4000, ir.FaultBreakpoint))

	if err := m.Interrupt(0, intr.High, 7, "timer"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	var delivered []uint32
	stopErr := errors.New("halted")
	err := m.Run(context.Background(), core,
		func(c *Core, f *interp.Fault) error { return stopErr },
		func(c *Core, i intr.Interrupt) error {
			delivered = append(delivered, i.Vector)
			return nil
		})

	if !errors.Is(err, stopErr) {
		t.Fatalf("expected stopErr, got %v", err)
	}
	if len(delivered) != 1 || delivered[0] != 7 {
		t.Fatalf("expected vector 7 delivered once, got %v", delivered)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	core := newTestCore(0)
	core.Regs.Write(1, 1)
	core.Regs.Write(2, 1)
	core.PC = 0x5000

	m := newTestMachine([]*Core{core})
	// A block that jumps to itself forever, so only ctx cancellation ends the run.
	m.Decode.Insert(0x5000, addBlock(0x5000, 0x5000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, core, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestRunConvertsPanicToInvariantViolation(t *testing.T) {
	core := newTestCore(0)
	core.PC = 0x8000

	m := newTestMachine([]*Core{core})
	m.Decode.Insert(0x8000, faultBlock(0x8000, ir.FaultIllegalInstruction))

	err := m.Run(context.Background(), core, func(c *Core, f *interp.Fault) error {
		panic("simulated impossible condition")
	}, nil)

	iv, ok := err.(*InvariantViolation)
	if !ok {
		t.Fatalf("expected *InvariantViolation, got %T (%v)", err, err)
	}
	if iv.CoreID != 0 {
		t.Fatalf("expected core id 0, got %d", iv.CoreID)
	}
}

func TestInterruptRejectsUnknownCore(t *testing.T) {
	m := newTestMachine([]*Core{newTestCore(0)})
	if err := m.Interrupt(5, intr.Low, 1, nil); err == nil {
		t.Fatal("expected error for out-of-range core id")
	}
}

func TestRunAllStopsAllCoresOnOneFault(t *testing.T) {
	core0 := newTestCore(0)
	core0.PC = 0x6000
	core1 := newTestCore(1)
	core1.Regs.Write(1, 1)
	core1.Regs.Write(2, 1)
	core1.PC = 0x7000

	m := newTestMachine([]*Core{core0, core1})
	m.Decode.Insert(0x6000, faultBlock(0x6000, ir.FaultBreakpoint))
	m.Decode.Insert(0x7000, addBlock(0x7000, 0x7000))

	stopErr := errors.New("halted")
	err := m.RunAll(context.Background(),
		func(c *Core, f *interp.Fault) error { return stopErr },
		nil)

	if !errors.Is(err, stopErr) {
		t.Fatalf("expected stopErr from RunAll, got %v", err)
	}
}
