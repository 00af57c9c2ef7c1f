package amd64

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
	if int(off) >= len(f.data) {
		return 0, nil
	}
	if int(off)+1 >= len(f.data) {
		return uint16(f.data[off]), nil
	}
	return uint16(f.data[off]) | uint16(f.data[off+1])<<8, nil
}

func (f byteFetcher) FetchU32(pc uint64) (uint32, error) {
	off := pc - f.base
	var v uint32
	for i := 0; i < 4; i++ {
		if int(off)+i < len(f.data) {
			v |= uint32(f.data[off+uint64(i)]) << (8 * i)
		}
	}
	return v, nil
}

func newFetcher(base uint64, bytes ...byte) byteFetcher {
	return byteFetcher{base: base, data: bytes}
}

func TestDecodeAddiImmediateFormAluOp(t *testing.T) {
	// 48 83 c0 10 : add rax, 0x10 (REX.W, opcode 0x83 /0, modrm mod=11 reg=0 rm=0, imm8=0x10)
	f := newFetcher(0x1000, 0x48, 0x83, 0xc0, 0x10, 0xc3)
	block, err := (Decoder{}).Decode(f, 0x1000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpAdd || !op.UseImm || op.Imm != 0x10 {
		t.Fatalf("expected UseImm Add imm=0x10, got %+v", op)
	}
	if op.Dst != RAX {
		t.Fatalf("expected dst=rax, got %d", op.Dst)
	}
}

func TestDecodeMovRegImm64(t *testing.T) {
	// 48 b8 <8-byte imm> : mov rax, 0x1122334455667788
	f := newFetcher(0x2000,
		0x48, 0xb8,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0xc3,
	)
	block, err := (Decoder{}).Decode(f, 0x2000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpMovImm || uint64(op.Imm) != 0x1122334455667788 {
		t.Fatalf("expected MovImm 0x1122334455667788, got %+v", op)
	}
}

func TestDecodeMovRegRegIsCopy(t *testing.T) {
	// 48 89 d8 : mov rax, rbx (opcode 0x89, modrm mod=11 reg=rbx(3) rm=rax(0))
	f := newFetcher(0x3000, 0x48, 0x89, 0xd8, 0xc3)
	block, err := (Decoder{}).Decode(f, 0x3000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpOr || op.Dst != RAX || op.Src1 != RBX || op.Src2 != RBX {
		t.Fatalf("expected Or-copy rax<-rbx, got %+v", op)
	}
}

func TestDecodeLoadFromMemoryDisp8(t *testing.T) {
	// 48 8b 40 08 : mov rax, [rax+8]
	f := newFetcher(0x4000, 0x48, 0x8b, 0x40, 0x08, 0xc3)
	block, err := (Decoder{}).Decode(f, 0x4000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	op := block.Ops[0]
	if op.Kind != ir.OpLoad || op.Src1 != RAX || op.Imm != 8 || op.Size != 8 {
		t.Fatalf("expected Load rax+8, got %+v", op)
	}
}

func TestDecodeRetLoadsReturnAddressAndAdjustsStack(t *testing.T) {
	f := newFetcher(0x5000, 0xc3)
	block, err := (Decoder{}).Decode(f, 0x5000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermJmpReg {
		t.Fatalf("expected JmpReg terminator, got %+v", block.Term)
	}
	if len(block.Ops) != 2 || block.Ops[0].Kind != ir.OpLoad || block.Ops[1].Kind != ir.OpAdd {
		t.Fatalf("expected [Load, Add] ops for ret, got %+v", block.Ops)
	}
}

func TestDecodeJmpRel8(t *testing.T) {
	// eb 05 : jmp +5 (target = pc after insn (0x6002) + 5 = 0x6007)
	f := newFetcher(0x6000, 0xeb, 0x05)
	block, err := (Decoder{}).Decode(f, 0x6000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermJmp || block.Term.Target != 0x6007 {
		t.Fatalf("expected jmp to 0x6007, got %+v", block.Term)
	}
}

func TestDecodeRejectsConditionalJump(t *testing.T) {
	// 74 05: je +5
	f := newFetcher(0x7000, 0x74, 0x05)
	if _, err := (Decoder{}).Decode(f, 0x7000); err == nil {
		t.Fatal("expected an error for a flags-dependent conditional jump")
	}
}

func TestDecodeRejectsCmp(t *testing.T) {
	// 48 39 d8 : cmp rax, rbx (opcode 0x39 is CMP's +1 Ev,Gv form; we reject
	// all CMP forms since no flags register exists to hold the result)
	f := newFetcher(0x8000, 0x48, 0x39, 0xd8)
	if _, err := (Decoder{}).Decode(f, 0x8000); err == nil {
		t.Fatal("expected an error decoding CMP")
	}
}

func TestDecodeSyscall(t *testing.T) {
	// 0f 05 : syscall
	f := newFetcher(0x9000, 0x0f, 0x05)
	block, err := (Decoder{}).Decode(f, 0x9000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if block.Term.Kind != ir.TermFault || block.Term.Cause != ir.FaultSyscall {
		t.Fatalf("expected syscall fault terminator, got %+v", block.Term)
	}
	if block.Ops[0].Kind != ir.OpSyscall {
		t.Fatalf("expected a Syscall op, got %+v", block.Ops[0])
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x48, 0x83, 0xc0, 0x10})
	f.Add([]byte{0xc3})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, b []byte) {
		if len(b) == 0 || len(b) > 32 {
			return
		}
		padded := append(append([]byte{}, b...), make([]byte, 16)...)
		fetcher := newFetcher(0xa000, padded...)
		_, _ = (Decoder{}).Decode(fetcher, 0xa000)
	})
}
