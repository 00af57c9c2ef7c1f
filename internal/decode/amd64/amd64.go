// Package amd64 decodes a scoped subset of 64-bit x86 into the
// architecture-neutral ir.Block form. It is the domain-stack's other
// additional frontend alongside internal/decode/arm64, grounded on
// internal/decode/riscv64's decoder shape (opcode dispatch over a Fetcher,
// emitting ir.Op/ir.Terminator values) generalized from RISC-V's
// fixed-width encoding to x86's variable-length one.
//
// Scope: only the REX-prefixed subset needed to decode straight-line
// integer code compiled for x86-64 is covered — register-direct and
// [base+disp8/32] memory operands (no SIB byte, no RIP-relative
// addressing), MOV/ALU/shift/IMUL, PUSH/POP/LEAVE, unconditional
// JMP/CALL/RET, and SYSCALL. Two things are deliberately left out rather
// than silently misdecoded: flags-dependent instructions (CMP, ADC, SBB,
// and every Jcc) are rejected with a decode error, since this IR has no
// flags register for them to read or write; and ALU/MOV forms whose
// destination is a memory operand are rejected for everything except
// plain MOV, since emulating them correctly needs a read-modify-write
// sequence this decoder does not build.
package amd64

import (
	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/ir"
)

// Register indices follow the x86-64 encoding order so REX.B/.R/.X
// extension is just "+8".
const (
	RAX ir.Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)

// Decoder implements decode.Decoder for the x86-64 subset described above.
type Decoder struct{}

var _ decode.Decoder = Decoder{}

func fetchByte(f decode.Fetcher, pc uint64) (byte, error) {
	v, err := f.FetchU16(pc)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

func fetchImm32(f decode.Fetcher, pc uint64) (uint32, uint64, error) {
	v, err := f.FetchU32(pc)
	return v, pc + 4, err
}

func fetchImm64(f decode.Fetcher, pc uint64) (uint64, uint64, error) {
	lo, err := f.FetchU32(pc)
	if err != nil {
		return 0, pc, err
	}
	hi, err := f.FetchU32(pc + 4)
	if err != nil {
		return 0, pc, err
	}
	return uint64(lo) | uint64(hi)<<32, pc + 8, nil
}

type rexBits struct {
	w, r, x, b bool
}

type operand struct {
	isMem bool
	reg   ir.Reg // valid when !isMem
	base  ir.Reg // valid when isMem
	disp  int64
}

type decodeErr string

func (e decodeErr) Error() string { return string(e) }

const (
	errSIB           = decodeErr("SIB-byte addressing not supported")
	errRIPRelative   = decodeErr("RIP-relative addressing not supported")
	errFlagsDep      = decodeErr("flags-dependent instruction (CMP/ADC/SBB/Jcc) not supported: no flags register in this IR")
	errMemDst        = decodeErr("memory-destination ALU/immediate form not supported")
	errUnsupportedOp = decodeErr("unsupported or unrecognised opcode")
)

func decodeModRM(f decode.Fetcher, pc uint64, rex rexBits) (ir.Reg, operand, uint64, error) {
	b, err := fetchByte(f, pc)
	if err != nil {
		return 0, operand{}, pc, err
	}
	pc++

	mod := b >> 6
	regField := ir.Reg((b >> 3) & 0x7)
	if rex.r {
		regField += 8
	}
	rm := ir.Reg(b & 0x7)
	if rex.b {
		rm += 8
	}

	if mod == 3 {
		return regField, operand{isMem: false, reg: rm}, pc, nil
	}
	if b&0x7 == 4 {
		return 0, operand{}, pc, errSIB
	}
	if mod == 0 && b&0x7 == 5 {
		return 0, operand{}, pc, errRIPRelative
	}

	var disp int64
	switch mod {
	case 1:
		d, err := fetchByte(f, pc)
		if err != nil {
			return 0, operand{}, pc, err
		}
		pc++
		disp = int64(int8(d))
	case 2:
		v, next, err := fetchImm32(f, pc)
		if err != nil {
			return 0, operand{}, pc, err
		}
		pc = next
		disp = int64(int32(v))
	}
	return regField, operand{isMem: true, base: rm, disp: disp}, pc, nil
}

// loadToScratch returns the ops needed to materialize rm's value for use as
// an ALU source operand, and the register holding it (either rm's own
// register, or scratch after a Load).
func loadToScratch(rm operand, size uint8, scratch ir.Reg) ([]ir.Op, ir.Reg) {
	if !rm.isMem {
		return nil, rm.reg
	}
	return []ir.Op{{Kind: ir.OpLoad, Dst: scratch, Src1: rm.base, Imm: rm.disp, Size: size}}, scratch
}

func movCopy(dst, src ir.Reg) ir.Op {
	return ir.Op{Kind: ir.OpOr, Dst: dst, Src1: src, Src2: src}
}

// aluOpcode maps a 0x00-0x38 group base to its op kind; ok is false for the
// flags-dependent groups this decoder rejects.
func aluOpcode(groupBase byte) (ir.OpKind, bool) {
	switch groupBase {
	case 0x00:
		return ir.OpAdd, true
	case 0x08:
		return ir.OpOr, true
	case 0x20:
		return ir.OpAnd, true
	case 0x28:
		return ir.OpSub, true
	case 0x30:
		return ir.OpXor, true
	default: // 0x10 ADC, 0x18 SBB, 0x38 CMP
		return ir.OpInvalid, false
	}
}

func immGroupOpcode(regField byte) (ir.OpKind, bool) {
	switch regField {
	case 0:
		return ir.OpAdd, true
	case 1:
		return ir.OpOr, true
	case 4:
		return ir.OpAnd, true
	case 5:
		return ir.OpSub, true
	case 6:
		return ir.OpXor, true
	default: // 2 ADC, 3 SBB, 7 CMP
		return ir.OpInvalid, false
	}
}

// Decode lowers one basic block of variable-length x86-64 instructions
// starting at pc.
func (Decoder) Decode(f decode.Fetcher, pc uint64) (*ir.Block, error) {
	block := &ir.Block{StartPC: pc}
	cur := pc

	for {
		if len(block.Ops) >= ir.MaxOpsPerBlock {
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur}
			return block, nil
		}

		insnStart := cur
		var rex rexBits
		op16 := false

	prefixes:
		for {
			b, err := fetchByte(f, cur)
			if err != nil {
				return nil, err
			}
			switch {
			case b == 0x66:
				op16 = true
				cur++
			case b == 0x67 || b == 0x2e || b == 0x36 || b == 0x3e || b == 0x26 ||
				b == 0x64 || b == 0x65 || b == 0xf0 || b == 0xf2 || b == 0xf3:
				cur++
			case b >= 0x40 && b <= 0x4f:
				rex = rexBits{w: b&0x08 != 0, r: b&0x04 != 0, x: b&0x02 != 0, b: b&0x01 != 0}
				cur++
				break prefixes
			default:
				break prefixes
			}
		}

		opcode, err := fetchByte(f, cur)
		if err != nil {
			return nil, err
		}
		cur++

		size := uint8(4)
		if rex.w {
			size = 8
		} else if op16 {
			size = 2
		}

		switch {
		case opcode == 0x90: // NOP
			// contributes no op

		case opcode == 0xc3: // RET
			const scratch = ir.Reg(guest.ScratchReg0)
			block.Ops = append(block.Ops,
				ir.Op{Kind: ir.OpLoad, Dst: scratch, Src1: RSP, Size: 8},
				ir.Op{Kind: ir.OpAdd, Dst: RSP, Src1: RSP, Imm: 8, UseImm: true, Signed: true},
			)
			block.Term = ir.Terminator{Kind: ir.TermJmpReg, BaseReg: scratch}
			block.NumInsns++
			return block, nil

		case opcode == 0xc9: // LEAVE
			block.Ops = append(block.Ops,
				movCopy(RSP, RBP),
				ir.Op{Kind: ir.OpLoad, Dst: RBP, Src1: RSP, Size: 8},
				ir.Op{Kind: ir.OpAdd, Dst: RSP, Src1: RSP, Imm: 8, UseImm: true, Signed: true},
			)

		case opcode == 0xe8: // CALL rel32
			v, next, err := fetchImm32(f, cur)
			if err != nil {
				return nil, err
			}
			cur = next
			retAddr := int64(cur)
			const scratch = ir.Reg(guest.ScratchReg0)
			block.Ops = append(block.Ops,
				ir.Op{Kind: ir.OpSub, Dst: RSP, Src1: RSP, Imm: 8, UseImm: true, Signed: true},
				ir.Op{Kind: ir.OpMovImm, Dst: scratch, Imm: retAddr},
				ir.Op{Kind: ir.OpStore, Src1: RSP, Src2: scratch, Size: 8},
			)
			target := uint64(int64(cur) + int64(int32(v)))
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: target}
			block.NumInsns++
			return block, nil

		case opcode == 0xe9: // JMP rel32
			v, next, err := fetchImm32(f, cur)
			if err != nil {
				return nil, err
			}
			cur = next
			target := uint64(int64(cur) + int64(int32(v)))
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: target}
			block.NumInsns++
			return block, nil

		case opcode == 0xeb: // JMP rel8
			d, err := fetchByte(f, cur)
			if err != nil {
				return nil, err
			}
			cur++
			target := uint64(int64(cur) + int64(int8(d)))
			block.Term = ir.Terminator{Kind: ir.TermJmp, Target: target}
			block.NumInsns++
			return block, nil

		case opcode >= 0x70 && opcode <= 0x7f: // Jcc rel8
			return nil, &decode.Error{PC: insnStart, Msg: errFlagsDep.Error()}

		case opcode == 0x0f:
			opcode2, err := fetchByte(f, cur)
			if err != nil {
				return nil, err
			}
			cur++
			switch {
			case opcode2 == 0x05: // SYSCALL
				block.Ops = append(block.Ops, ir.Op{
					Kind:        ir.OpSyscall,
					SyscallArgs: []ir.Reg{RAX, RDI, RSI, RDX, 10, 8, 9},
				})
				block.Term = ir.Terminator{Kind: ir.TermFault, Cause: ir.FaultSyscall}
				block.NumInsns++
				return block, nil

			case opcode2 == 0xaf: // IMUL Gv, Ev
				regField, rm, next, err := decodeModRM(f, cur, rex)
				if err != nil {
					return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
				}
				cur = next
				ops, src := loadToScratch(rm, size, ir.Reg(guest.ScratchReg0))
				block.Ops = append(block.Ops, ops...)
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMul, Dst: regField, Src1: regField, Src2: src, Signed: true})

			case opcode2 >= 0x80 && opcode2 <= 0x8f: // Jcc rel32
				return nil, &decode.Error{PC: insnStart, Msg: errFlagsDep.Error()}

			default:
				return nil, &decode.Error{PC: insnStart, Msg: errUnsupportedOp.Error()}
			}

		case opcode == 0x89: // MOV r/m, r (store direction)
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			cur = next
			if rm.isMem {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpStore, Src1: rm.base, Src2: regField, Imm: rm.disp, Size: size})
			} else {
				block.Ops = append(block.Ops, movCopy(rm.reg, regField))
			}

		case opcode == 0x8b: // MOV r, r/m (load direction)
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			cur = next
			if rm.isMem {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpLoad, Dst: regField, Src1: rm.base, Imm: rm.disp, Size: size})
			} else {
				block.Ops = append(block.Ops, movCopy(regField, rm.reg))
			}

		case opcode == 0xc7: // MOV r/m, imm32
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			if regField != 0 {
				return nil, &decode.Error{PC: insnStart, Msg: errUnsupportedOp.Error()}
			}
			cur = next
			v, next2, err := fetchImm32(f, cur)
			if err != nil {
				return nil, err
			}
			cur = next2
			imm := int64(int32(v))
			if rm.isMem {
				const scratch = ir.Reg(guest.ScratchReg0)
				block.Ops = append(block.Ops,
					ir.Op{Kind: ir.OpMovImm, Dst: scratch, Imm: imm},
					ir.Op{Kind: ir.OpStore, Src1: rm.base, Src2: scratch, Imm: rm.disp, Size: size})
			} else {
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: rm.reg, Imm: imm})
			}

		case opcode >= 0xb8 && opcode <= 0xbf: // MOV reg, imm32/imm64
			reg := ir.Reg(opcode-0xb8) + boolReg(rex.b)
			if rex.w {
				v, next, err := fetchImm64(f, cur)
				if err != nil {
					return nil, err
				}
				cur = next
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: reg, Imm: int64(v)})
			} else {
				v, next, err := fetchImm32(f, cur)
				if err != nil {
					return nil, err
				}
				cur = next
				block.Ops = append(block.Ops, ir.Op{Kind: ir.OpMovImm, Dst: reg, Imm: int64(uint64(v))})
			}

		case opcode >= 0x50 && opcode <= 0x57: // PUSH reg
			reg := ir.Reg(opcode-0x50) + boolReg(rex.b)
			block.Ops = append(block.Ops,
				ir.Op{Kind: ir.OpSub, Dst: RSP, Src1: RSP, Imm: 8, UseImm: true, Signed: true},
				ir.Op{Kind: ir.OpStore, Src1: RSP, Src2: reg, Size: 8},
			)

		case opcode >= 0x58 && opcode <= 0x5f: // POP reg
			reg := ir.Reg(opcode-0x58) + boolReg(rex.b)
			block.Ops = append(block.Ops,
				ir.Op{Kind: ir.OpLoad, Dst: reg, Src1: RSP, Size: 8},
				ir.Op{Kind: ir.OpAdd, Dst: RSP, Src1: RSP, Imm: 8, UseImm: true, Signed: true},
			)

		case opcode == 0xc1: // shift group, r/m, imm8
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			if rm.isMem {
				return nil, &decode.Error{PC: insnStart, Msg: errMemDst.Error()}
			}
			cur = next
			amt, err := fetchByte(f, cur)
			if err != nil {
				return nil, err
			}
			cur++
			var kind ir.OpKind
			switch regField & 0x7 {
			case 4:
				kind = ir.OpShl
			case 5:
				kind = ir.OpShrL
			case 7:
				kind = ir.OpShrA
			default:
				return nil, &decode.Error{PC: insnStart, Msg: errUnsupportedOp.Error()}
			}
			block.Ops = append(block.Ops, ir.Op{Kind: kind, Dst: rm.reg, Src1: rm.reg, Imm: int64(amt), UseImm: true})

		case opcode < 0x40 && opcode&0x7 == 3: // +3 forms: ALU Gv, Ev (op reg, r/m)
			groupBase := opcode &^ 0x07
			kind, ok := aluOpcode(groupBase)
			if !ok {
				return nil, &decode.Error{PC: insnStart, Msg: errFlagsDep.Error()}
			}
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			cur = next
			ops, src := loadToScratch(rm, size, ir.Reg(guest.ScratchReg0))
			block.Ops = append(block.Ops, ops...)
			block.Ops = append(block.Ops, ir.Op{Kind: kind, Dst: regField, Src1: regField, Src2: src, Signed: true})

		case opcode == 0x81 || opcode == 0x83: // ALU r/m, imm32/imm8
			regField, rm, next, err := decodeModRM(f, cur, rex)
			if err != nil {
				return nil, &decode.Error{PC: insnStart, Msg: err.Error()}
			}
			cur = next
			kind, ok := immGroupOpcode(byte(regField) & 0x7)
			if !ok {
				return nil, &decode.Error{PC: insnStart, Msg: errFlagsDep.Error()}
			}
			if rm.isMem {
				return nil, &decode.Error{PC: insnStart, Msg: errMemDst.Error()}
			}
			var imm int64
			if opcode == 0x83 {
				d, err := fetchByte(f, cur)
				if err != nil {
					return nil, err
				}
				cur++
				imm = int64(int8(d))
			} else {
				v, next2, err := fetchImm32(f, cur)
				if err != nil {
					return nil, err
				}
				cur = next2
				imm = int64(int32(v))
			}
			block.Ops = append(block.Ops, ir.Op{Kind: kind, Dst: rm.reg, Src1: rm.reg, Imm: imm, UseImm: true, Signed: true})

		default:
			return nil, &decode.Error{PC: insnStart, Msg: errUnsupportedOp.Error()}
		}

		block.NumInsns++
	}
}

func boolReg(b bool) ir.Reg {
	if b {
		return 8
	}
	return 0
}
