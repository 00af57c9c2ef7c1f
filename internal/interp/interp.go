// Package interp implements the baseline execution tier: a pure Go
// walker over an ir.Block that mutates a guest.RegisterFile and drives
// loads/stores through an mmu.MMU. Every guest-observable exception is a
// returned *ir.FaultCause-carrying value, never a panic.
package interp

import (
	"fmt"
	"math"

	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/ir"
	"github.com/xarchvm/corevm/internal/mmu"
)

func asFloat(bits uint64) float64 { return math.Float64frombits(bits) }
func asBits(f float64) uint64     { return math.Float64bits(f) }

// Fault is raised when a block cannot complete: either a memory-system
// fault bubbled up from the MMU, or a terminator that explicitly faults.
type Fault struct {
	Cause ir.FaultCause
	PC    uint64
	Inner error
}

func (f *Fault) Error() string {
	if f.Inner != nil {
		return fmt.Sprintf("interp: fault %s at pc=0x%x: %v", f.Cause, f.PC, f.Inner)
	}
	return fmt.Sprintf("interp: fault %s at pc=0x%x", f.Cause, f.PC)
}

func (f *Fault) Unwrap() error { return f.Inner }

// Core bundles the state one interpreted block operates on.
type Core struct {
	Regs *guest.RegisterFile
	MMU  *mmu.MMU
}

// Interp executes ir.Blocks against a Core.
type Interp struct{}

// New constructs an interpreter. It holds no state of its own: all
// mutable state lives in the Core passed to Run.
func New() *Interp { return &Interp{} }

// Run executes block's ops in order, then its terminator, returning the
// guest PC to resume at. On any fault the op sequence stops immediately;
// partial effects already committed to other registers are not undone.
// The faulting op itself makes no partial register write, so nothing
// observable happens past the fault.
func (in *Interp) Run(core *Core, block *ir.Block) (nextPC uint64, err error) {
	return in.RunFrom(core, block, 0)
}

// RunFrom executes block.Ops[from:] followed by its terminator. The
// compiled tier uses this to resume interpreting whatever ops a native
// prefix didn't cover; Run is just RunFrom from index 0.
func (in *Interp) RunFrom(core *Core, block *ir.Block, from int) (nextPC uint64, err error) {
	for i := from; i < len(block.Ops); i++ {
		if err := in.step(core, &block.Ops[i], block.StartPC); err != nil {
			return block.StartPC, err
		}
	}
	return in.terminate(core, &block.Term, block.StartPC)
}

// operand2 returns an Op's second operand: Imm (sign-extended into a
// uint64) when UseImm marks this as an immediate-form instruction,
// otherwise the live value of Src2.
func operand2(r *guest.RegisterFile, op *ir.Op) uint64 {
	if op.UseImm {
		return uint64(op.Imm)
	}
	return r.Read(int(op.Src2))
}

func (in *Interp) step(core *Core, op *ir.Op, pc uint64) error {
	r := core.Regs
	switch op.Kind {
	case ir.OpAdd:
		r.Write(int(op.Dst), r.Read(int(op.Src1))+operand2(r, op))
	case ir.OpSub:
		r.Write(int(op.Dst), r.Read(int(op.Src1))-operand2(r, op))
	case ir.OpMul:
		r.Write(int(op.Dst), r.Read(int(op.Src1))*operand2(r, op))
	case ir.OpDiv:
		in.div(core, op)
	case ir.OpRem:
		in.rem(core, op)
	case ir.OpAnd:
		r.Write(int(op.Dst), r.Read(int(op.Src1))&operand2(r, op))
	case ir.OpOr:
		r.Write(int(op.Dst), r.Read(int(op.Src1))|operand2(r, op))
	case ir.OpXor:
		r.Write(int(op.Dst), r.Read(int(op.Src1))^operand2(r, op))
	case ir.OpNot:
		r.Write(int(op.Dst), ^r.Read(int(op.Src1)))
	case ir.OpShl:
		amt := operand2(r, op) & 63
		r.Write(int(op.Dst), r.Read(int(op.Src1))<<amt)
	case ir.OpShrL:
		amt := operand2(r, op) & 63
		r.Write(int(op.Dst), r.Read(int(op.Src1))>>amt)
	case ir.OpShrA:
		amt := operand2(r, op) & 63
		r.Write(int(op.Dst), uint64(int64(r.Read(int(op.Src1)))>>amt))
	case ir.OpEq:
		r.Write(int(op.Dst), boolReg(r.Read(int(op.Src1)) == operand2(r, op)))
	case ir.OpNe:
		r.Write(int(op.Dst), boolReg(r.Read(int(op.Src1)) != operand2(r, op)))
	case ir.OpLt:
		r.Write(int(op.Dst), boolReg(compareLt(r.Read(int(op.Src1)), operand2(r, op), op.Signed)))
	case ir.OpLe:
		a, b := r.Read(int(op.Src1)), operand2(r, op)
		r.Write(int(op.Dst), boolReg(a == b || compareLt(a, b, op.Signed)))
	case ir.OpMovImm:
		r.Write(int(op.Dst), uint64(op.Imm))
	case ir.OpLoad:
		return in.load(core, op, pc)
	case ir.OpStore:
		return in.store(core, op, pc)
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv:
		in.floatOp(core, op)
	case ir.OpVAdd, ir.OpVMul:
		in.vectorOp(core, op)
	case ir.OpSyscall:
		// Semantics deferred to the Fault{cause=Syscall} terminator that
		// always follows a Syscall op in decoder output; the op itself
		// has no register-file effect.
	case ir.OpBreakpoint:
		// Likewise deferred to the block's terminator.
	default:
		return &Fault{Cause: ir.FaultIllegalInstruction, PC: pc}
	}
	return nil
}

func boolReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func compareLt(a, b uint64, signed bool) bool {
	if signed {
		return int64(a) < int64(b)
	}
	return a < b
}

// div implements integer division: divide-by-zero and signed-overflow
// (INT_MIN / -1) both yield a defined bit pattern and raise no fault,
// so both behave like ordinary arithmetic with a well-known result
// rather than a trap.
func (in *Interp) div(core *Core, op *ir.Op) {
	r := core.Regs
	a, b := r.Read(int(op.Src1)), r.Read(int(op.Src2))
	if b == 0 {
		r.Write(int(op.Dst), ^uint64(0))
		return
	}
	if op.Signed {
		sa, sb := int64(a), int64(b)
		if sa == -(1<<63) && sb == -1 {
			r.Write(int(op.Dst), uint64(sa)) // INT_MIN / -1 == INT_MIN
			return
		}
		r.Write(int(op.Dst), uint64(sa/sb))
		return
	}
	r.Write(int(op.Dst), a/b)
}

// rem mirrors div's divide-by-zero resolution: the dividend is returned
// unchanged.
func (in *Interp) rem(core *Core, op *ir.Op) {
	r := core.Regs
	a, b := r.Read(int(op.Src1)), r.Read(int(op.Src2))
	if b == 0 {
		r.Write(int(op.Dst), a)
		return
	}
	if op.Signed {
		sa, sb := int64(a), int64(b)
		if sa == -(1<<63) && sb == -1 {
			r.Write(int(op.Dst), 0)
			return
		}
		r.Write(int(op.Dst), uint64(sa%sb))
		return
	}
	r.Write(int(op.Dst), a%b)
}

func (in *Interp) load(core *Core, op *ir.Op, pc uint64) error {
	addr := guest.Addr(core.Regs.Read(int(op.Src1))).Add(op.Imm)
	val, err := core.MMU.Load(addr, int(op.Size))
	if err != nil {
		return &Fault{Cause: causeForMMUError(err), PC: pc, Inner: err}
	}
	if op.SignExt {
		val = signExtend(val, op.Size)
	}
	if op.FP {
		core.Regs.WriteFP(int(op.Dst), val)
	} else {
		core.Regs.Write(int(op.Dst), val)
	}
	return nil
}

func (in *Interp) store(core *Core, op *ir.Op, pc uint64) error {
	addr := guest.Addr(core.Regs.Read(int(op.Src1))).Add(op.Imm)
	var val uint64
	if op.FP {
		val = core.Regs.ReadFP(int(op.Src2))
	} else {
		val = core.Regs.Read(int(op.Src2))
	}
	if err := core.MMU.Store(addr, int(op.Size), val); err != nil {
		return &Fault{Cause: causeForMMUError(err), PC: pc, Inner: err}
	}
	return nil
}

func signExtend(val uint64, size uint8) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(val)))
	case 2:
		return uint64(int64(int16(val)))
	case 4:
		return uint64(int64(int32(val)))
	default:
		return val
	}
}

func causeForMMUError(err error) ir.FaultCause {
	if _, ok := err.(*mmu.Fault); ok {
		return ir.FaultPageFault
	}
	return ir.FaultAlignment
}

// floatOp implements the four IEEE-754 binary float ops over the 64-bit
// float bank slots, using the default Go (round-to-nearest) rounding
// mode; no other rounding mode is modeled.
func (in *Interp) floatOp(core *Core, op *ir.Op) {
	a := asFloat(core.Regs.ReadFP(int(op.Src1)))
	b := asFloat(core.Regs.ReadFP(int(op.Src2)))
	var result float64
	switch op.Kind {
	case ir.OpFAdd:
		result = a + b
	case ir.OpFSub:
		result = a - b
	case ir.OpFMul:
		result = a * b
	case ir.OpFDiv:
		result = a / b
	}
	core.Regs.WriteFP(int(op.Dst), asBits(result))
}

// vectorOp performs an element-wise add or multiply across the 64-bit
// register pair treated as a packed vector of VecElemBits-wide lanes.
func (in *Interp) vectorOp(core *Core, op *ir.Op) {
	a := core.Regs.Read(int(op.Src1))
	b := core.Regs.Read(int(op.Src2))
	var out uint64
	switch op.Kind {
	case ir.OpVMul:
		out = mulLanes(a, b, op.VecElemBits)
	default:
		out = addLanes(a, b, op.VecElemBits)
	}
	core.Regs.Write(int(op.Dst), out)
}

func addLanes(a, b uint64, elemBits uint8) uint64 {
	return foldLanes(a, b, elemBits, func(x, y uint64) uint64 { return x + y })
}

func mulLanes(a, b uint64, elemBits uint8) uint64 {
	return foldLanes(a, b, elemBits, func(x, y uint64) uint64 { return x * y })
}

func foldLanes(a, b uint64, elemBits uint8, op func(x, y uint64) uint64) uint64 {
	if elemBits == 0 || elemBits >= 64 {
		return op(a, b)
	}
	mask := uint64(1)<<elemBits - 1
	var out uint64
	for shift := uint8(0); shift < 64; shift += elemBits {
		lane := op((a>>shift)&mask, (b>>shift)&mask)
		out |= (lane & mask) << shift
	}
	return out
}

func (in *Interp) terminate(core *Core, term *ir.Terminator, pc uint64) (uint64, error) {
	switch term.Kind {
	case ir.TermJmp:
		return term.Target, nil
	case ir.TermCondJmp:
		if core.Regs.Read(int(term.CondReg)) != 0 {
			return term.TargetTrue, nil
		}
		return term.TargetFalse, nil
	case ir.TermJmpReg:
		return uint64(guest.Addr(core.Regs.Read(int(term.BaseReg))).Add(term.Offset)), nil
	case ir.TermRet:
		// ABI-defined return address register is decoder-specific; the
		// decoder lowers Ret to JmpReg with the correct base register, so
		// this case is unreachable for conforming decoders. Kept as a
		// defensive terminal state rather than a panic.
		return pc, &Fault{Cause: ir.FaultIllegalInstruction, PC: pc}
	case ir.TermFault:
		return pc, &Fault{Cause: term.Cause, PC: pc}
	default:
		return pc, &Fault{Cause: ir.FaultIllegalInstruction, PC: pc}
	}
}
