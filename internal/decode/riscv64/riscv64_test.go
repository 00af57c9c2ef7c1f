package riscv64

import (
	"testing"

	"github.com/xarchvm/corevm/internal/decode"
	"github.com/xarchvm/corevm/internal/ir"
)

// byteFetcher serves instruction words out of a flat little-endian byte
// buffer, the same role internal/hv/riscv/rv64's Bus plays for
// emulator_test.go's hand-assembled machine code.
type byteFetcher struct {
	base uint64
	data []byte
}

func (f byteFetcher) FetchU16(pc uint64) (uint16, error) {
	off := pc - f.base
	if off+2 > uint64(len(f.data)) {
		return 0, &decode.Error{PC: pc, Msg: "fetch out of range"}
	}
	return uint16(f.data[off]) | uint16(f.data[off+1])<<8, nil
}

func (f byteFetcher) FetchU32(pc uint64) (uint32, error) {
	off := pc - f.base
	if off+4 > uint64(len(f.data)) {
		return 0, &decode.Error{PC: pc, Msg: "fetch out of range"}
	}
	return uint32(f.data[off]) | uint32(f.data[off+1])<<8 |
		uint32(f.data[off+2])<<16 | uint32(f.data[off+3])<<24, nil
}

func newFetcher(base uint64, insns ...uint32) byteFetcher {
	data := make([]byte, len(insns)*4)
	for i, insn := range insns {
		data[i*4] = byte(insn)
		data[i*4+1] = byte(insn >> 8)
		data[i*4+2] = byte(insn >> 16)
		data[i*4+3] = byte(insn >> 24)
	}
	return byteFetcher{base: base, data: data}
}

func TestDecodeAddiProducesImmediateFormAdd(t *testing.T) {
	// addi a1, a0, -16  (rd=11, rs1=10, funct3=000, imm=-16)
	const rd, rs1, funct3, opcode = uint32(11), uint32(10), uint32(0), uint32(0b0010011)
	imm12 := uint32(0x1000-16) & 0xfff // -16 as a 12-bit two's-complement field
	insn := (imm12 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
	f := newFetcher(0x1000, insn, 0x00000073) // followed by ecall, to end the block
	block, err := (Decoder{}).Decode(f, 0x1000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(block.Ops) == 0 {
		t.Fatal("expected at least one op")
	}
	op := block.Ops[0]
	if op.Kind != ir.OpAdd || !op.UseImm {
		t.Fatalf("expected UseImm Add, got %+v", op)
	}
	if op.Imm != -16 {
		t.Fatalf("expected imm -16, got %d", op.Imm)
	}
	if op.Dst != 11 || op.Src1 != 10 {
		t.Fatalf("expected dst=11 src1=10, got dst=%d src1=%d", op.Dst, op.Src1)
	}
}

func TestDecodeBeqProducesCondJmpTerminator(t *testing.T) {
	// beq a0, a1, +8 (rs1=10, rs2=11, funct3=000, imm=8)
	insn := uint32(0b1100011) | uint32(10)<<15 | uint32(11)<<20 | (uint32(8>>1)&0xf)<<8
	f := newFetcher(0x2000, insn)
	block, err := (Decoder{}).Decode(f, 0x2000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermCondJmp {
		t.Fatalf("expected CondJmp terminator, got %+v", block.Term)
	}
	if block.Term.TargetTrue != 0x2008 {
		t.Fatalf("expected true branch to 0x2008, got 0x%x", block.Term.TargetTrue)
	}
	if block.Term.TargetFalse != 0x2004 {
		t.Fatalf("expected fallthrough to 0x2004, got 0x%x", block.Term.TargetFalse)
	}
}

func TestDecodeStopsAtMaxOpsPerBlock(t *testing.T) {
	insns := make([]uint32, ir.MaxOpsPerBlock+10)
	for i := range insns {
		// addi zero, zero, 0 (a no-op ALU instruction)
		insns[i] = 0x00000013
	}
	f := newFetcher(0x3000, insns...)
	block, err := (Decoder{}).Decode(f, 0x3000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(block.Ops) > ir.MaxOpsPerBlock {
		t.Fatalf("expected at most %d ops, got %d", ir.MaxOpsPerBlock, len(block.Ops))
	}
	if block.Term.Kind != ir.TermJmp {
		t.Fatalf("expected a jmp terminator ending the truncated block, got %+v", block.Term)
	}
}

func TestDecodeRejectsUnrecognisedOpcode(t *testing.T) {
	f := newFetcher(0x4000, 0x0000007f) // opcode bits all set, not a valid major opcode
	if _, err := (Decoder{}).Decode(f, 0x4000); err == nil {
		t.Fatal("expected a decode error for an unrecognised opcode")
	}
}

// FuzzDecode exercises the decoder's robustness property: arbitrary
// instruction bytes must never panic, only return a classified *decode.Error
// or successfully produce a block.
func FuzzDecode(f *testing.F) {
	f.Add(uint32(0x00000013)) // addi zero, zero, 0
	f.Add(uint32(0xffffffff))
	f.Add(uint32(0x00000000))

	f.Fuzz(func(t *testing.T, insn uint32) {
		fetcher := newFetcher(0x5000, insn, 0x00000013)
		_, _ = (Decoder{}).Decode(fetcher, 0x5000)
	})
}
