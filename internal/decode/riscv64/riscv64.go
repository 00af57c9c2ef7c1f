// Package riscv64 decodes an RV64IM instruction stream into the
// architecture-neutral ir.Block form. It covers the integer base ISA plus
// the M (multiply/divide) extension and the system instructions needed to
// reach a syscall boundary; compressed (C) instructions, floating point, and
// atomics are intentionally out of scope for this decoder: none of them
// are needed to run straight-line integer code up to a syscall boundary,
// and each would need IR this decode-to-Op mapping doesn't have
// (rounding modes and an FP register file for floating point, multi-op
// atomicity for atomics, a second variable-width encoding for C).
package riscv64

import (
	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/ir"
)

const pageSize = 4096

// opcode constants, the RV32I/RV64I major opcode field (insn[6:0]).
const (
	opLoad    = 0b0000011
	opMiscMem = 0b0001111
	opOpImm   = 0b0010011
	opAuipc   = 0b0010111
	opOpImm32 = 0b0011011
	opStore   = 0b0100011
	opOp      = 0b0110011
	opLui     = 0b0110111
	opOp32    = 0b0111011
	opBranch  = 0b1100011
	opJalr    = 0b1100111
	opJal     = 0b1101111
	opSystem  = 0b1110011
)

func fieldOpcode(i uint32) uint32 { return i & 0x7f }
func fieldRd(i uint32) uint32     { return (i >> 7) & 0x1f }
func fieldFunct3(i uint32) uint32 { return (i >> 12) & 0x7 }
func fieldRs1(i uint32) uint32    { return (i >> 15) & 0x1f }
func fieldRs2(i uint32) uint32    { return (i >> 20) & 0x1f }
func fieldFunct7(i uint32) uint32 { return (i >> 25) & 0x7f }

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

func immI(i uint32) int64 { return signExtend(uint64(i>>20), 12) }
func immS(i uint32) int64 {
	v := (i >> 7) & 0x1f
	v |= ((i >> 25) & 0x7f) << 5
	return signExtend(uint64(v), 12)
}
func immB(i uint32) int64 {
	v := ((i >> 8) & 0xf) << 1
	v |= ((i >> 25) & 0x3f) << 5
	v |= ((i >> 7) & 0x1) << 11
	v |= ((i >> 31) & 0x1) << 12
	return signExtend(uint64(v), 13)
}
func immU(i uint32) int64 { return signExtend(uint64(i&0xfffff000), 32) }
func immJ(i uint32) int64 {
	v := ((i >> 21) & 0x3ff) << 1
	v |= ((i >> 20) & 0x1) << 11
	v |= ((i >> 12) & 0xff) << 12
	v |= ((i >> 31) & 0x1) << 20
	return signExtend(uint64(v), 21)
}

// Decoder implements decode.Decoder for RV64IM.
type Decoder struct{}

var _ decode.Decoder = Decoder{}

// Decode lowers one basic block starting at pc.
func (Decoder) Decode(f decode.Fetcher, pc uint64) (*ir.Block, error) {
	block := &ir.Block{StartPC: pc}
	cur := pc

	for {
		if len(block.Ops) >= ir.MaxOpsPerBlock {
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur}
			return block, nil
		}

		// A 4-byte fetch that would cross a page boundary is deferred: end
		// the block here so the next entry performs a fresh fetch (and any
		// fault) against the correct page.
		if cur%pageSize == pageSize-2 {
			if len(block.Ops) == 0 {
				return nil, &decode.PageStraddleError{PC: cur}
			}
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur}
			return block, nil
		}

		insn, err := f.FetchU32(cur)
		if err != nil {
			return nil, err
		}

		op := fieldOpcode(insn)
		switch op {
		case opLui:
			block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: ir.Reg(fieldRd(insn)), Imm: immU(insn)})
			cur += 4

		case opAuipc:
			block.Ops = append(block.Ops,
				ir.Op{Kind: ir.OpMovImm, Dst: ir.Reg(fieldRd(insn)), Imm: int64(cur) + immU(insn)})
			cur += 4

		case opJal:
			target := uint64(int64(cur) + immJ(insn))
			if rd := fieldRd(insn); rd != 0 {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: ir.Reg(rd), Imm: int64(cur + 4)})
			}
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: target}
			block.NumInsns++
			return block, nil

		case opJalr:
			rs1 := ir.Reg(fieldRs1(insn))
			if rd := fieldRd(insn); rd != 0 {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: ir.Reg(rd), Imm: int64(cur + 4)})
			}
			block.Term = ir.Terminator{Kind: ir.TermJmpReg, BaseReg: rs1, Offset: immI(insn) &^ 1}
			block.NumInsns++
			return block, nil

		case opBranch:
			if err := decodeBranch(block, insn, cur); err != nil {
				return nil, err
			}
			block.NumInsns++
			return block, nil

		case opLoad:
			block.Ops = append(block.Ops, decodeLoad(insn))
			cur += 4

		case opStore:
			block.Ops = append(block.Ops, decodeStore(insn))
			cur += 4

		case opOpImm:
			decoded, err := decodeOpImm(insn, false)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, decoded)
			cur += 4

		case opOpImm32:
			decoded, err := decodeOpImm(insn, true)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, decoded)
			cur += 4

		case opOp:
			decoded, err := decodeOp(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, decoded)
			cur += 4

		case opOp32:
			decoded, err := decodeOp(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, decoded)
			cur += 4

		case opMiscMem:
			// FENCE: architecture-specific synchronization instruction.
			// Ends the block without contributing an op.
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur + 4}
			block.NumInsns++
			return block, nil

		case opSystem:
			block.Ops = append(block.Ops, systemOp(insn))
			block.Term = ir.Terminator{Kind: ir.TermFault, Cause: causeFor(insn)}
			block.NumInsns++
			return block, nil

		default:
			return nil, &decode.Error{PC: cur, Msg: "unrecognised opcode"}
		}

		block.NumInsns++
	}
}

func decodeBranch(block *ir.Block, insn uint32, pc uint64) error {
	rs1 := ir.Reg(fieldRs1(insn))
	rs2 := ir.Reg(fieldRs2(insn))
	target := uint64(int64(pc) + immB(insn))
	fallthroughPC := pc + 4

	var cmpKind ir.OpKind
	signed := true
	switch fieldFunct3(insn) {
	case 0b000: // BEQ
		cmpKind = ir.OpEq
	case 0b001: // BNE
		cmpKind = ir.OpNe
	case 0b100: // BLT
		cmpKind = ir.OpLt
	case 0b101: // BGE
		cmpKind = ir.OpLe
		rs1, rs2 = rs2, rs1
	case 0b110: // BLTU
		cmpKind = ir.OpLt
		signed = false
	case 0b111: // BGEU
		cmpKind = ir.OpLe
		rs1, rs2 = rs2, rs1
		signed = false
	default:
		return &decode.Error{PC: pc, Msg: "illegal branch funct3"}
	}

	const condReg = ir.Reg(guest.ScratchReg0) // unaddressable by any real rv64 register encoding
	block.Ops = append(block.Ops, ir.Op{Kind: cmpKind, Dst: condReg, Src1: rs1, Src2: rs2, Signed: signed})
	block.Term = ir.Terminator{
		Kind:        ir.TermCondJmp,
		CondReg:     condReg,
		TargetTrue:  target,
		TargetFalse: fallthroughPC,
	}
	return nil
}

func decodeLoad(insn uint32) ir.Op {
	f3 := fieldFunct3(insn)
	op := ir.Op{
		Kind: ir.OpLoad,
		Dst:  ir.Reg(fieldRd(insn)),
		Src1: ir.Reg(fieldRs1(insn)),
		Imm:  immI(insn),
	}
	switch f3 {
	case 0b000:
		op.Size, op.SignExt = 1, true
	case 0b001:
		op.Size, op.SignExt = 2, true
	case 0b010:
		op.Size, op.SignExt = 4, true
	case 0b011:
		op.Size, op.SignExt = 8, false
	case 0b100:
		op.Size, op.SignExt = 1, false
	case 0b101:
		op.Size, op.SignExt = 2, false
	case 0b110:
		op.Size, op.SignExt = 4, false
	}
	return op
}

func decodeStore(insn uint32) ir.Op {
	f3 := fieldFunct3(insn)
	op := ir.Op{
		Kind: ir.OpStore,
		Src1: ir.Reg(fieldRs1(insn)),
		Src2: ir.Reg(fieldRs2(insn)),
		Imm:  immS(insn),
	}
	switch f3 {
	case 0b000:
		op.Size = 1
	case 0b001:
		op.Size = 2
	case 0b010:
		op.Size = 4
	case 0b011:
		op.Size = 8
	}
	return op
}

func decodeOpImm(insn uint32, word32 bool) (ir.Op, error) {
	rd := ir.Reg(fieldRd(insn))
	rs1 := ir.Reg(fieldRs1(insn))
	f3 := fieldFunct3(insn)
	imm := immI(insn)

	switch f3 {
	case 0b000: // ADDI / ADDIW
		return ir.Op{Kind: ir.OpAdd, Dst: rd, Src1: rs1, Imm: imm, UseImm: true, Signed: true}, nil
	case 0b010: // SLTI
		return ir.Op{Kind: ir.OpLt, Dst: rd, Src1: rs1, Imm: imm, UseImm: true, Signed: true}, nil
	case 0b011: // SLTIU
		return ir.Op{Kind: ir.OpLt, Dst: rd, Src1: rs1, Imm: imm, UseImm: true, Signed: false}, nil
	case 0b100: // XORI
		return ir.Op{Kind: ir.OpXor, Dst: rd, Src1: rs1, Imm: imm, UseImm: true}, nil
	case 0b110: // ORI
		return ir.Op{Kind: ir.OpOr, Dst: rd, Src1: rs1, Imm: imm, UseImm: true}, nil
	case 0b111: // ANDI
		return ir.Op{Kind: ir.OpAnd, Dst: rd, Src1: rs1, Imm: imm, UseImm: true}, nil
	case 0b001: // SLLI
		shamt := (insn >> 20) & boolMask(word32, 0x1f, 0x3f)
		return ir.Op{Kind: ir.OpShl, Dst: rd, Src1: rs1, Imm: int64(shamt), UseImm: true}, nil
	case 0b101: // SRLI / SRAI
		funct := fieldFunct7(insn)
		shamt := (insn >> 20) & boolMask(word32, 0x1f, 0x3f)
		if funct&0x20 != 0 {
			return ir.Op{Kind: ir.OpShrA, Dst: rd, Src1: rs1, Imm: int64(shamt), UseImm: true}, nil
		}
		return ir.Op{Kind: ir.OpShrL, Dst: rd, Src1: rs1, Imm: int64(shamt), UseImm: true}, nil
	default:
		return ir.Op{}, &errIllegal{}
	}
}

func boolMask(b bool, ifTrue, ifFalse uint32) uint32 {
	if b {
		return ifTrue
	}
	return ifFalse
}

func decodeOp(insn uint32) (ir.Op, error) {
	rd := ir.Reg(fieldRd(insn))
	rs1 := ir.Reg(fieldRs1(insn))
	rs2 := ir.Reg(fieldRs2(insn))
	f3 := fieldFunct3(insn)
	f7 := fieldFunct7(insn)

	if f7 == 0b0000001 { // M extension: mul/div/rem
		switch f3 {
		case 0b000:
			return ir.Op{Kind: ir.OpMul, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
		case 0b001, 0b010, 0b011: // MULH/MULHSU/MULHU: high half not separately modeled
			return ir.Op{Kind: ir.OpMul, Dst: rd, Src1: rs1, Src2: rs2, Signed: f3 == 0b001}, nil
		case 0b100:
			return ir.Op{Kind: ir.OpDiv, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
		case 0b101:
			return ir.Op{Kind: ir.OpDiv, Dst: rd, Src1: rs1, Src2: rs2, Signed: false}, nil
		case 0b110:
			return ir.Op{Kind: ir.OpRem, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
		case 0b111:
			return ir.Op{Kind: ir.OpRem, Dst: rd, Src1: rs1, Src2: rs2, Signed: false}, nil
		}
	}

	switch f3 {
	case 0b000:
		if f7&0x20 != 0 {
			return ir.Op{Kind: ir.OpSub, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
		}
		return ir.Op{Kind: ir.OpAdd, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
	case 0b001:
		return ir.Op{Kind: ir.OpShl, Dst: rd, Src1: rs1, Src2: rs2}, nil
	case 0b010:
		return ir.Op{Kind: ir.OpLt, Dst: rd, Src1: rs1, Src2: rs2, Signed: true}, nil
	case 0b011:
		return ir.Op{Kind: ir.OpLt, Dst: rd, Src1: rs1, Src2: rs2, Signed: false}, nil
	case 0b100:
		return ir.Op{Kind: ir.OpXor, Dst: rd, Src1: rs1, Src2: rs2}, nil
	case 0b101:
		if f7&0x20 != 0 {
			return ir.Op{Kind: ir.OpShrA, Dst: rd, Src1: rs1, Src2: rs2}, nil
		}
		return ir.Op{Kind: ir.OpShrL, Dst: rd, Src1: rs1, Src2: rs2}, nil
	case 0b110:
		return ir.Op{Kind: ir.OpOr, Dst: rd, Src1: rs1, Src2: rs2}, nil
	case 0b111:
		return ir.Op{Kind: ir.OpAnd, Dst: rd, Src1: rs1, Src2: rs2}, nil
	default:
		return ir.Op{}, &errIllegal{}
	}
}

func systemOp(insn uint32) ir.Op {
	return ir.Op{Kind: ir.OpSyscall, SyscallArgs: []ir.Reg{17, 10, 11, 12, 13, 14, 15}}
}

func causeFor(insn uint32) ir.FaultCause {
	if insn>>20 == 1 {
		return ir.FaultBreakpoint
	}
	return ir.FaultSyscall
}

type errIllegal struct{}

func (*errIllegal) Error() string { return "illegal instruction encoding" }
