package jit

import (
	"testing"

	"github.com/xarchvm/corevm/internal/ir"
)

// FuzzCompile exercises the compiler's robustness property: no input
// Block, however malformed, may cause a panic, and the optimized op
// count must never exceed the input's.
func FuzzCompile(f *testing.F) {
	f.Add(uint8(1), uint8(9), uint8(1), uint8(2), int64(5))
	f.Add(uint8(18), uint8(0), uint8(0), uint8(0), int64(0))
	f.Add(uint8(4), uint8(3), uint8(3), uint8(3), int64(-8))

	f.Fuzz(func(t *testing.T, kind, dst, src1, src2 uint8, imm int64) {
		op := ir.Op{
			Kind: ir.OpKind(kind),
			Dst:  ir.Reg(dst),
			Src1: ir.Reg(src1),
			Src2: ir.Reg(src2),
			Imm:  imm,
		}
		block := &ir.Block{
			Ops:  []ir.Op{op},
			Term: ir.Terminator{Kind: ir.TermJmpReg, BaseReg: 0},
		}
		c := New(LevelAggressive)
		cb, err := c.Compile(block)
		if err != nil {
			return
		}
		defer func() {
			if err := cb.Release(); err != nil {
				t.Fatalf("release native region: %v", err)
			}
		}()
		if len(cb.Block.Ops) > len(block.Ops) {
			t.Fatalf("optimized op count %d exceeds input %d", len(cb.Block.Ops), len(block.Ops))
		}
	})
}
