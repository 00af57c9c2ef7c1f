package jit

import (
	"encoding/binary"
	"unsafe"

	"github.com/xarchvm/corevm/internal/guest"
	"github.com/xarchvm/corevm/internal/ir"
)

// This file emits amd64 machine code as plain byte slices — it has no
// assembly or cgo of its own, so it carries no build tag and compiles
// on every host; only actually calling into the bytes it produces
// (trampoline_amd64.go/.s) is amd64-specific.

// x86-64 general-register encodings used throughout this file. Only AX,
// CX, and DI ever appear: DI holds the *guest.RegisterFile base pointer
// for the whole compiled prefix, AX is the sole accumulator, CX is the
// sole second-operand/shift-count scratch register.
const (
	regAX = 0
	regCX = 1
	regDI = 7
)

var (
	gpBase      = int32(unsafe.Offsetof(guest.RegisterFile{}.GP))
	zeroRegBase = int32(unsafe.Offsetof(guest.RegisterFile{}.ZeroReg))
)

// compileNative lowers the longest supported leading prefix of ops to
// amd64 machine code operating directly on a *guest.RegisterFile passed
// in RDI, and reports how many leading ops it consumed. It returns
// nil, 0 if ops[0] itself isn't one of the pure integer ops this
// backend covers — loads, stores, division, float, vector, syscall,
// and breakpoint ops all stop the prefix there, along with anything
// the rest of the block carries after the first unsupported op.
func compileNative(ops []ir.Op) ([]byte, int) {
	var code []byte
	n := 0
	for _, op := range ops {
		enc, ok := encodeOp(op)
		if !ok {
			break
		}
		code = append(code, enc...)
		n++
	}
	if n == 0 {
		return nil, 0
	}
	code = append(code, 0xC3) // ret
	return code, n
}

func encodeOp(op ir.Op) ([]byte, bool) {
	if op.FP {
		return nil, false
	}
	switch op.Kind {
	case ir.OpMovImm:
		var b []byte
		b = append(b, movImm64(regAX, op.Imm)...)
		b = append(b, storeReg(op.Dst, regAX)...)
		return b, true
	case ir.OpNot:
		var b []byte
		b = append(b, loadReg(regAX, op.Src1)...)
		b = append(b, notReg(regAX)...)
		b = append(b, storeReg(op.Dst, regAX)...)
		return b, true
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul:
		var b []byte
		b = append(b, loadReg(regAX, op.Src1)...)
		b = append(b, loadOperand2(regCX, op)...)
		b = append(b, aluRegReg(op.Kind, regAX, regCX)...)
		b = append(b, storeReg(op.Dst, regAX)...)
		return b, true
	case ir.OpShl, ir.OpShrL, ir.OpShrA:
		var b []byte
		b = append(b, loadReg(regAX, op.Src1)...)
		b = append(b, loadOperand2(regCX, op)...)
		b = append(b, shiftRegCL(op.Kind, regAX)...)
		b = append(b, storeReg(op.Dst, regAX)...)
		return b, true
	case ir.OpEq, ir.OpNe, ir.OpLt, ir.OpLe:
		var b []byte
		b = append(b, loadReg(regAX, op.Src1)...)
		b = append(b, loadOperand2(regCX, op)...)
		b = append(b, cmpRegReg(regAX, regCX)...)
		b = append(b, setccAndZeroExtend(op.Kind, op.Signed)...)
		b = append(b, storeReg(op.Dst, regAX)...)
		return b, true
	default:
		return nil, false
	}
}

// loadOperand2 materializes an op's second operand into dstCode: the
// live value of Src2, or Imm when UseImm redirects it there — mirroring
// internal/interp's operand2 helper exactly.
func loadOperand2(dstCode byte, op ir.Op) []byte {
	if op.UseImm {
		return movImm64(dstCode, op.Imm)
	}
	return loadReg(dstCode, op.Src2)
}

// regOffset returns reg's byte offset within RegisterFile.GP, masking
// exactly as guest.RegisterFile.Read/Write do so a decoder emitting an
// out-of-range register index can't address outside the GP array.
func regOffset(reg ir.Reg) int32 {
	return gpBase + int32(uint8(reg)&(guest.NumGPRegs-1))*8
}

// modRMIndirect builds a ModRM byte for [RDI+disp32] addressing with
// regField in the reg position (either a real register or an opcode
// extension, depending on the instruction).
func modRMIndirect(regField byte) byte {
	return 0x80 | (regField << 3) | regDI
}

// modRMDirect builds a ModRM byte for a register-direct operand pair.
func modRMDirect(regField, rm byte) byte {
	return 0xC0 | (regField << 3) | rm
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// loadReg emits MOV dstCode, [RDI+regOffset(src)].
func loadReg(dstCode byte, src ir.Reg) []byte {
	b := []byte{0x48, 0x8B, modRMIndirect(dstCode)}
	return append(b, le32(regOffset(src))...)
}

// storeRegRaw emits MOV [RDI+regOffset(dst)], srcCode unconditionally.
func storeRegRaw(dst ir.Reg, srcCode byte) []byte {
	b := []byte{0x48, 0x89, modRMIndirect(srcCode)}
	return append(b, le32(regOffset(dst))...)
}

// storeReg emits storeRegRaw, guarded by a runtime ZeroReg check when
// dst is register 0: CMP byte [RDI+zeroRegBase], 0; JNE past-the-store.
// Every other destination register needs no guard, since only index 0
// is ever hardwired to zero on any guest ISA in scope.
func storeReg(dst ir.Reg, srcCode byte) []byte {
	store := storeRegRaw(dst, srcCode)
	if dst != 0 {
		return store
	}
	cmp := append([]byte{0x80, modRMIndirect(7)}, le32(zeroRegBase)...)
	cmp = append(cmp, 0x00)
	jne := []byte{0x75, byte(len(store))}
	out := append(cmp, jne...)
	return append(out, store...)
}

// movImm64 emits MOV dstCode, imm64.
func movImm64(dstCode byte, imm int64) []byte {
	b := []byte{0x48, 0xB8 + dstCode}
	return append(b, le64(uint64(imm))...)
}

// notReg emits NOT dstCode (one's complement, register-direct).
func notReg(dstCode byte) []byte {
	return []byte{0x48, 0xF7, modRMDirect(2, dstCode)}
}

// aluRegReg emits the two-operand register-direct form of Add/Sub/And/
// Or/Xor/Mul: dstCode is both the left operand and the result.
func aluRegReg(kind ir.OpKind, dstCode, srcCode byte) []byte {
	if kind == ir.OpMul {
		// IMUL r64, r/m64 (0F AF /r) takes its operands the other way
		// round from the single-byte ALU opcodes: reg is the
		// destination, rm is the source.
		return []byte{0x48, 0x0F, 0xAF, modRMDirect(dstCode, srcCode)}
	}
	var opcode byte
	switch kind {
	case ir.OpAdd:
		opcode = 0x01
	case ir.OpSub:
		opcode = 0x29
	case ir.OpAnd:
		opcode = 0x21
	case ir.OpOr:
		opcode = 0x09
	case ir.OpXor:
		opcode = 0x31
	}
	return []byte{0x48, opcode, modRMDirect(srcCode, dstCode)}
}

// shiftRegCL emits SHL/SHR/SAR dstCode, CL. The hardware masks the
// count to 6 bits for a 64-bit operand, matching internal/interp's
// explicit "amt & 63" exactly, so no separate mask instruction is
// needed here.
func shiftRegCL(kind ir.OpKind, dstCode byte) []byte {
	var ext byte
	switch kind {
	case ir.OpShl:
		ext = 4
	case ir.OpShrL:
		ext = 5
	case ir.OpShrA:
		ext = 7
	}
	return []byte{0x48, 0xD3, modRMDirect(ext, dstCode)}
}

// cmpRegReg emits CMP dstCode, srcCode, setting flags from dstCode -
// srcCode without writing either register.
func cmpRegReg(dstCode, srcCode byte) []byte {
	return []byte{0x48, 0x39, modRMDirect(srcCode, dstCode)}
}

// setccAndZeroExtend emits SETcc AL followed by MOVZX RAX, AL, so the
// result lands in RAX as exactly 0 or 1 — the same boolReg convention
// internal/interp's compare ops use.
func setccAndZeroExtend(kind ir.OpKind, signed bool) []byte {
	var cc byte
	switch kind {
	case ir.OpEq:
		cc = 0x94 // SETE
	case ir.OpNe:
		cc = 0x95 // SETNE
	case ir.OpLt:
		if signed {
			cc = 0x9C // SETL
		} else {
			cc = 0x92 // SETB
		}
	case ir.OpLe:
		if signed {
			cc = 0x9E // SETLE
		} else {
			cc = 0x96 // SETBE
		}
	}
	b := []byte{0x0F, cc, 0xC0}
	return append(b, 0x48, 0x0F, 0xB6, 0xC0) // MOVZX RAX, AL
}
