package jit

import (
	"runtime"
	"testing"

	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/interp"
	"github.com/xarchvm/corevm/internal/ir"
)

// aluProgram is a small block of pure integer ops this package's
// codegen should cover in full: every Op is one of the native-eligible
// kinds, so Compile should produce a CompiledBlock whose entire op
// count runs natively.
func aluProgram() *ir.Block {
	return &ir.Block{
		StartPC: 0x1000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 7},
			{Kind: ir.OpMovImm, Dst: 2, Imm: 3},
			{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2},
			{Kind: ir.OpMul, Dst: 4, Src1: 3, Src2: 2},
			{Kind: ir.OpSub, Dst: 5, Src1: 4, Src2: 1},
			{Kind: ir.OpAnd, Dst: 6, Src1: 5, Src2: 2},
			{Kind: ir.OpOr, Dst: 7, Src1: 6, Src2: 1},
			{Kind: ir.OpXor, Dst: 8, Src1: 7, Src2: 2},
			{Kind: ir.OpNot, Dst: 9, Src1: 8},
			{Kind: ir.OpShl, Dst: 10, Src1: 1, Imm: 4, UseImm: true},
			{Kind: ir.OpShrL, Dst: 11, Src1: 10, Imm: 2, UseImm: true},
			{Kind: ir.OpShrA, Dst: 12, Src1: 9, Imm: 1, UseImm: true, Signed: true},
			{Kind: ir.OpEq, Dst: 13, Src1: 1, Src2: 1},
			{Kind: ir.OpNe, Dst: 14, Src1: 1, Src2: 2},
			{Kind: ir.OpLt, Dst: 15, Src1: 1, Src2: 2, Signed: true},
			{Kind: ir.OpLe, Dst: 16, Src1: 2, Src2: 1, Signed: true},
		},
		Term: ir.Terminator{Kind: ir.TermJmp, Target: 0x1040},
	}
}

func TestNativeExecutionMatchesInterpreter(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("no native codegen backend on this host")
	}

	c := New(LevelNone)
	block := aluProgram()
	cb, err := c.Compile(block)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer cb.Release()

	if cb.Native == nil {
		t.Fatal("expected a native region for an all-ALU block")
	}
	if cb.NativeOps != len(block.Ops) {
		t.Fatalf("expected every op natively compiled, got %d/%d", cb.NativeOps, len(block.Ops))
	}

	in := interp.New()

	wantRegs := &guest.RegisterFile{}
	wantCore := &interp.Core{Regs: wantRegs}
	wantPC, wantErr := in.Run(wantCore, block)

	gotRegs := &guest.RegisterFile{}
	gotCore := &interp.Core{Regs: gotRegs}
	gotPC, gotErr := Execute(in, gotCore, cb)

	if wantErr != gotErr {
		t.Fatalf("error mismatch: interpreter=%v native=%v", wantErr, gotErr)
	}
	if wantPC != gotPC {
		t.Fatalf("next-PC mismatch: interpreter=0x%x native=0x%x", wantPC, gotPC)
	}
	if *gotRegs != *wantRegs {
		t.Fatalf("register state mismatch:\ninterpreter=%+v\nnative=     %+v", wantRegs, gotRegs)
	}
}

func TestNativeExecutionHonorsZeroReg(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("no native codegen backend on this host")
	}

	block := &ir.Block{
		StartPC: 0x2000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 0, Imm: 42},
		},
		Term: ir.Terminator{Kind: ir.TermJmp, Target: 0x2004},
	}

	c := New(LevelNone)
	cb, err := c.Compile(block)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer cb.Release()
	if cb.Native == nil {
		t.Fatal("expected a native region")
	}

	regs := &guest.RegisterFile{ZeroReg: true}
	core := &interp.Core{Regs: regs}
	if _, err := Execute(interp.New(), core, cb); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := regs.Read(0); got != 0 {
		t.Fatalf("expected register 0 to stay hardwired zero, got %d", got)
	}
}

func TestCompileNativePrefixStopsAtUnsupportedOp(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("no native codegen backend on this host")
	}

	block := &ir.Block{
		StartPC: 0x3000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 5},
			{Kind: ir.OpLoad, Dst: 2, Src1: 1, Size: 8},
			{Kind: ir.OpAdd, Dst: 3, Src1: 2, Src2: 1},
		},
		Term: ir.Terminator{Kind: ir.TermJmpReg, BaseReg: 0},
	}

	c := New(LevelNone)
	cb, err := c.Compile(block)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer cb.Release()

	if cb.Native == nil {
		t.Fatal("expected the leading MovImm to compile natively")
	}
	if cb.NativeOps != 1 {
		t.Fatalf("expected exactly 1 natively compiled op, got %d", cb.NativeOps)
	}
}

func TestCompileNativePrefixEmptyForUnsupportedLeadOp(t *testing.T) {
	block := &ir.Block{
		StartPC: 0x4000,
		Ops: []ir.Op{
			{Kind: ir.OpSyscall},
		},
		Term: ir.Terminator{Kind: ir.TermFault, Cause: ir.FaultSyscall},
	}

	c := New(LevelNone)
	cb, err := c.Compile(block)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer cb.Release()

	if cb.Native != nil {
		t.Fatal("expected no native region when the first op isn't natively compilable")
	}
}
