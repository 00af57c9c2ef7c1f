package arm64

import (
	"testing"

	"github.com/xarchvm/corevm/internal/ir"
)

type byteFetcher struct {
	base uint64
	data []byte
}

func (f byteFetcher) FetchU16(pc uint64) (uint16, error) {
	off := pc - f.base
	return uint16(f.data[off]) | uint16(f.data[off+1])<<8, nil
}

func (f byteFetcher) FetchU32(pc uint64) (uint32, error) {
	off := pc - f.base
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

func TestDecodeAddImmediateIsImmediateForm(t *testing.T) {
	// add x1, x0, #16: sf=1 op=0 S=0 100010 shift=00 imm12=16 Rn=0 Rd=1
	const rd, rn, imm12 = uint32(1), uint32(0), uint32(16)
	insn := (uint32(1) << 31) | (0b10001 << 24) | (imm12 << 10) | (rn << 5) | rd
	block, err := (Decoder{}).Decode(newFetcher(0x1000, insn, 0xd4000001), 0x1000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpAdd || !op.UseImm || op.Imm != 16 {
		t.Fatalf("expected UseImm Add imm=16, got %+v", op)
	}
	if op.Dst != 1 || op.Src1 != 0 {
		t.Fatalf("expected dst=1 src1=0, got dst=%d src1=%d", op.Dst, op.Src1)
	}
}

func TestDecodeMovzSetsImmediateAtHalfwordPosition(t *testing.T) {
	// movz x2, #0x1234, lsl #16: sf=1 opc=10 100101 hw=01 imm16=0x1234 Rd=2
	const rd, hw, imm16 = uint32(2), uint32(1), uint32(0x1234)
	insn := (uint32(1) << 31) | (0b10 << 29) | (0b100101 << 23) | (hw << 21) | (imm16 << 5) | rd
	block, err := (Decoder{}).Decode(newFetcher(0x2000, insn, 0xd4000001), 0x2000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpMovImm || op.Imm != int64(0x1234)<<16 {
		t.Fatalf("expected MovImm 0x1234<<16, got %+v", op)
	}
}

func TestDecodeCbzProducesCondJmp(t *testing.T) {
	// cbz x3, #8: sf=1 011010 op=0 imm19=2(words) Rt=3
	const rt = uint32(3)
	imm19 := uint32(2) // imm19 * 4 == 8
	insn := (uint32(1) << 31) | (0b011010 << 25) | (0 << 24) | (imm19 << 5) | rt
	block, err := (Decoder{}).Decode(newFetcher(0x3000, insn), 0x3000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermCondJmp {
		t.Fatalf("expected CondJmp, got %+v", block.Term)
	}
	if block.Term.TargetTrue != 0x3008 || block.Term.TargetFalse != 0x3004 {
		t.Fatalf("unexpected branch targets: %+v", block.Term)
	}
	if block.Ops[0].Kind != ir.OpEq {
		t.Fatalf("expected an Eq compare for CBZ, got %+v", block.Ops[0])
	}
}

func TestDecodeRetProducesJmpReg(t *testing.T) {
	// ret (x30 implied encoding, but any Rn is legal to decode): opc=0010, Rn=30
	const opc, rn = uint32(0b0010), uint32(30)
	insn := (0b1101011 << 25) | (opc << 21) | (0b11111 << 16) | (rn << 5)
	block, err := (Decoder{}).Decode(newFetcher(0x4000, insn), 0x4000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermJmpReg || block.Term.BaseReg != 30 {
		t.Fatalf("expected JmpReg via x30, got %+v", block.Term)
	}
}

func TestDecodeRejectsConditionalBranch(t *testing.T) {
	// b.eq #8: 01010100 imm19 o 0000, cond=0
	insn := uint32(0b01010100<<24) | (2 << 5) | 0
	if _, err := (Decoder{}).Decode(newFetcher(0x5000, insn), 0x5000); err == nil {
		t.Fatal("expected an error for a conditional branch (flags not modeled)")
	}
}

func TestDecodeRejectsUnrecognisedInstruction(t *testing.T) {
	if _, err := (Decoder{}).Decode(newFetcher(0x6000, 0xffffffff), 0x6000); err == nil {
		t.Fatal("expected decode error for an unrecognised word")
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(uint32(0xd4000001))
	f.Add(uint32(0x91000000))
	f.Add(uint32(0xffffffff))
	f.Fuzz(func(t *testing.T, insn uint32) {
		fetcher := newFetcher(0x7000, insn, 0xd4000001)
		_, _ = (Decoder{}).Decode(fetcher, 0x7000)
	})
}
