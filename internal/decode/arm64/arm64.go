// Package arm64 decodes a scoped subset of the A64 instruction set into the
// architecture-neutral ir.Block form. It is the domain-stack's second
// additional frontend alongside internal/decode/amd64, added because
// internal/mmu already walks ARMv8 page tables and a RISC-V-only frontend
// would leave that support unexercised.
//
// Scope, following internal/decode/riscv64's precedent of documenting what
// it leaves out rather than silently misdecoding it: no SIMD/FP
// instructions (V-bit set forms), no logical-immediate bitmask encoding
// (AND/ORR/EOR with an immediate, which needs the non-trivial N:immr:imms
// decoder), no shifted-register forms with a nonzero shift amount, no
// MOVK (a partial-register insert this IR has no op for), no MADD/MSUB
// with a nonzero accumulator, and no B.cond (conditional branch depends on
// NZCV flags, which no op in this IR's instruction set sets or reads).
// CBZ/CBNZ cover the common zero-test branch pattern without needing flags
// at all, and are fully supported.
package arm64

import (
	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/ir"
)

// Decoder implements decode.Decoder for the A64 subset described above.
type Decoder struct{}

var _ decode.Decoder = Decoder{}

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// Decode lowers one basic block of fixed-width 4-byte A64 instructions
// starting at pc.
func (Decoder) Decode(f decode.Fetcher, pc uint64) (*ir.Block, error) {
	block := &ir.Block{StartPC: pc}
	cur := pc

	for {
		if len(block.Ops) >= ir.MaxOpsPerBlock {
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur}
			return block, nil
		}

		insn, err := f.FetchU32(cur)
		if err != nil {
			return nil, err
		}

		switch {
		case isSVC(insn):
			block.Ops = append(block.Ops, ir.Op{
				Kind:        ir.OpSyscall,
				SyscallArgs: []ir.Reg{8, 0, 1, 2, 3, 4, 5},
			})
			block.Term = ir.Terminator{Kind: ir.TermFault, Cause: ir.FaultSyscall}
			block.NumInsns++
			return block, nil

		case isUnconditionalBranchImm(insn):
			link := (insn>>31)&1 == 1 // BL vs B
			target := uint64(int64(cur) + immBranch26(insn))
			if link {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: 30, Imm: int64(cur + 4)})
			}
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: target}
			block.NumInsns++
			return block, nil

		case isCompareAndBranch(insn):
			op, rt, target := decodeCompareAndBranch(insn, cur)
			const condReg = ir.Reg(guest.ScratchReg0)
			block.Ops = append(block.Ops, ir.Op{Kind: op, Dst: condReg, Src1: rt, Imm: 0, UseImm: true})
			block.Term = ir.Terminator{
				Kind:        ir.TermCondJmp,
				CondReg:     condReg,
				TargetTrue:  target,
				TargetFalse: cur + 4,
			}
			block.NumInsns++
			return block, nil

		case isConditionalBranch(insn):
			return nil, &decode.Error{PC: cur, Msg: "conditional branch (B.cond) requires NZCV flags, not modeled"}

		case isBranchRegister(insn):
			opc := (insn >> 21) & 0xf
			rn := ir.Reg((insn >> 5) & 0x1f)
			if opc == 0b0001 { // BLR
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: 30, Imm: int64(cur + 4)})
			} else if opc != 0b0000 && opc != 0b0010 { // not BR, not RET
				return nil, &decode.Error{PC: cur, Msg: "unsupported branch-register opcode"}
			}
			block.Term = ir.Terminator{Kind: ir.TermJmpReg, BaseReg: rn, Offset: 0}
			block.NumInsns++
			return block, nil

		case isAddSubImmediate(insn):
			block.Ops = append(block.Ops, decodeAddSubImmediate(insn))
			cur += 4

		case isAddSubShiftedRegister(insn):
			op, err := decodeAddSubShiftedRegister(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, op)
			cur += 4

		case isLogicalShiftedRegister(insn):
			op, err := decodeLogicalShiftedRegister(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, op)
			cur += 4

		case isDataProcessing2Source(insn):
			op, err := decodeDataProcessing2Source(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, op)
			cur += 4

		case isDataProcessing3Source(insn):
			op, err := decodeDataProcessing3Source(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, op)
			cur += 4

		case isMoveWideImmediate(insn):
			op, err := decodeMoveWideImmediate(insn)
			if err != nil {
				return nil, &decode.Error{PC: cur, Msg: err.Error()}
			}
			block.Ops = append(block.Ops, op)
			cur += 4

		case isLoadStoreUnsignedImm(insn):
			block.Ops = append(block.Ops, decodeLoadStoreUnsignedImm(insn))
			cur += 4

		default:
			return nil, &decode.Error{PC: cur, Msg: "unrecognised or unsupported A64 instruction"}
		}

		block.NumInsns++
	}
}

func isSVC(insn uint32) bool {
	return insn&0xffe0001f == 0xd4000001
}

func isUnconditionalBranchImm(insn uint32) bool {
	top6 := (insn >> 26) & 0x3f
	return top6 == 0b000101 || top6 == 0b100101
}

func immBranch26(insn uint32) int64 {
	return signExtend(uint64(insn&0x3ffffff), 26) * 4
}

func isCompareAndBranch(insn uint32) bool {
	return (insn>>25)&0x3f == 0b011010
}

func decodeCompareAndBranch(insn uint32, pc uint64) (ir.OpKind, ir.Reg, uint64) {
	op := (insn >> 24) & 1
	rt := ir.Reg(insn & 0x1f)
	imm19 := signExtend(uint64((insn>>5)&0x7ffff), 19) * 4
	target := uint64(int64(pc) + imm19)
	if op == 0 {
		return ir.OpEq, rt, target // CBZ
	}
	return ir.OpNe, rt, target // CBNZ
}

func isConditionalBranch(insn uint32) bool {
	return (insn>>24)&0xff == 0b01010100 && insn&0x10 == 0
}

func isBranchRegister(insn uint32) bool {
	return (insn>>25)&0x7f == 0b1101011
}

func isAddSubImmediate(insn uint32) bool {
	return (insn>>24)&0x1f == 0b10001
}

func decodeAddSubImmediate(insn uint32) ir.Op {
	sub := (insn>>30)&1 == 1
	shift := (insn >> 22) & 0x3
	imm := int64((insn >> 10) & 0xfff)
	if shift == 1 {
		imm <<= 12
	}
	rn := ir.Reg((insn >> 5) & 0x1f)
	rd := ir.Reg(insn & 0x1f)
	kind := ir.OpAdd
	if sub {
		kind = ir.OpSub
	}
	return ir.Op{Kind: kind, Dst: rd, Src1: rn, Imm: imm, UseImm: true, Signed: true}
}

func isAddSubShiftedRegister(insn uint32) bool {
	return (insn>>24)&0x1f == 0b01011 && (insn>>21)&1 == 0
}

func decodeAddSubShiftedRegister(insn uint32) (ir.Op, error) {
	if (insn>>22)&0x3 != 0 || (insn>>10)&0x3f != 0 {
		return ir.Op{}, errUnsupportedShift
	}
	sub := (insn>>30)&1 == 1
	rm := ir.Reg((insn >> 16) & 0x1f)
	rn := ir.Reg((insn >> 5) & 0x1f)
	rd := ir.Reg(insn & 0x1f)
	kind := ir.OpAdd
	if sub {
		kind = ir.OpSub
	}
	return ir.Op{Kind: kind, Dst: rd, Src1: rn, Src2: rm, Signed: true}, nil
}

func isLogicalShiftedRegister(insn uint32) bool {
	return (insn>>24)&0x1f == 0b01010
}

func decodeLogicalShiftedRegister(insn uint32) (ir.Op, error) {
	// N (bit 21) selects the inverted-operand forms BIC/ORN/EON/BICS, which
	// the cases below do not model.
	if (insn>>22)&0x3 != 0 || (insn>>10)&0x3f != 0 || (insn>>21)&1 != 0 {
		return ir.Op{}, errUnsupportedShift
	}
	opc := (insn >> 29) & 0x3
	rm := ir.Reg((insn >> 16) & 0x1f)
	rn := ir.Reg((insn >> 5) & 0x1f)
	rd := ir.Reg(insn & 0x1f)
	var kind ir.OpKind
	switch opc {
	case 0b00, 0b11: // AND, ANDS (flags not modeled, treated alike)
		kind = ir.OpAnd
	case 0b01:
		kind = ir.OpOr
	case 0b10:
		kind = ir.OpXor
	}
	return ir.Op{Kind: kind, Dst: rd, Src1: rn, Src2: rm}, nil
}

func isDataProcessing2Source(insn uint32) bool {
	return (insn>>21)&0xff == 0xd6 && (insn>>29)&1 == 0
}

func decodeDataProcessing2Source(insn uint32) (ir.Op, error) {
	opcode := (insn >> 10) & 0x3f
	rm := ir.Reg((insn >> 16) & 0x1f)
	rn := ir.Reg((insn >> 5) & 0x1f)
	rd := ir.Reg(insn & 0x1f)
	switch opcode {
	case 0b000010:
		return ir.Op{Kind: ir.OpDiv, Dst: rd, Src1: rn, Src2: rm, Signed: false}, nil
	case 0b000011:
		return ir.Op{Kind: ir.OpDiv, Dst: rd, Src1: rn, Src2: rm, Signed: true}, nil
	case 0b001000:
		return ir.Op{Kind: ir.OpShl, Dst: rd, Src1: rn, Src2: rm}, nil
	case 0b001001:
		return ir.Op{Kind: ir.OpShrL, Dst: rd, Src1: rn, Src2: rm}, nil
	case 0b001010:
		return ir.Op{Kind: ir.OpShrA, Dst: rd, Src1: rn, Src2: rm}, nil
	default:
		return ir.Op{}, errUnsupportedShift
	}
}

func isDataProcessing3Source(insn uint32) bool {
	return (insn>>24)&0x1f == 0b11011 && (insn>>21)&0x7 == 0
}

func decodeDataProcessing3Source(insn uint32) (ir.Op, error) {
	ra := (insn >> 10) & 0x1f
	o0 := (insn >> 15) & 1
	if ra != 31 || o0 != 0 {
		return ir.Op{}, errUnsupportedMac
	}
	rm := ir.Reg((insn >> 16) & 0x1f)
	rn := ir.Reg((insn >> 5) & 0x1f)
	rd := ir.Reg(insn & 0x1f)
	return ir.Op{Kind: ir.OpMul, Dst: rd, Src1: rn, Src2: rm, Signed: true}, nil
}

func isMoveWideImmediate(insn uint32) bool {
	return (insn>>23)&0x3f == 0b100101
}

func decodeMoveWideImmediate(insn uint32) (ir.Op, error) {
	opc := (insn >> 29) & 0x3
	hw := (insn >> 21) & 0x3
	imm16 := uint64((insn >> 5) & 0xffff)
	rd := ir.Reg(insn & 0x1f)
	shifted := imm16 << (hw * 16)
	switch opc {
	case 0b10: // MOVZ
		return ir.Op{Kind: ir.OpMovImm, Dst: rd, Imm: int64(shifted)}, nil
	case 0b00: // MOVN
		return ir.Op{Kind: ir.OpMovImm, Dst: rd, Imm: int64(^shifted)}, nil
	default: // MOVK: partial-register insert, not representable
		return ir.Op{}, errMovk
	}
}

func isLoadStoreUnsignedImm(insn uint32) bool {
	return (insn>>27)&0x7 == 0b111 && (insn>>24)&0x3 == 0b01 && (insn>>26)&1 == 0
}

func decodeLoadStoreUnsignedImm(insn uint32) ir.Op {
	size := (insn >> 30) & 0x3
	opc := (insn >> 22) & 0x3
	imm12 := uint64((insn >> 10) & 0xfff)
	rn := ir.Reg((insn >> 5) & 0x1f)
	rt := ir.Reg(insn & 0x1f)

	width := uint8(1) << size
	scaledImm := int64(imm12) * int64(width)
	isLoad := opc&1 == 1

	if isLoad {
		return ir.Op{Kind: ir.OpLoad, Dst: rt, Src1: rn, Imm: scaledImm, Size: width}
	}
	return ir.Op{Kind: ir.OpStore, Src1: rn, Src2: rt, Imm: scaledImm, Size: width}
}

type decodeErr string

func (e decodeErr) Error() string { return string(e) }

const (
	errUnsupportedShift = decodeErr("shifted operand with nonzero shift amount not supported")
	errUnsupportedMac   = decodeErr("multiply-accumulate with nonzero accumulator not supported")
	errMovk             = decodeErr("MOVK partial-register insert not supported")
)
