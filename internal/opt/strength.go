package opt

import (
	"math/bits"

	"kiln/internal/ir"
)

// ReduceStrength rewrites multiplications, unsigned divisions and unsigned
// remainders by powers of two into shifts and masks. Returns the number of
// rewritten instructions.
func ReduceStrength(f *ir.Func) int {
	if f == nil || f.IsDeclaration {
		return 0
	}
	consts := constants(f)
	values := ir.NewValueAlloc(f)
	reduced := 0
	for bi := range f.Blocks {
		b := &f.Blocks[bi]
		out := make([]ir.Instr, 0, len(b.Instrs))
		for _, in := range b.Instrs {
			if in.Kind != ir.InstrBinary || !in.Type.IsInt() {
				out = append(out, in)
				continue
			}
			x, k, ok := powerOfTwoOperand(&in, consts)
			if !ok {
				out = append(out, in)
				continue
			}
			var op ir.BinOp
			var imm int64
			switch in.Binary.Op {
			case ir.OpMul:
				op, imm = ir.OpShl, int64(k)
			case ir.OpUDiv:
				op, imm = ir.OpLShr, int64(k)
			case ir.OpURem:
				op, imm = ir.OpAnd, ir.Wrap(in.Type.Bits, int64(uint64(1)<<k-1))
			}
			c := values.Next()
			out = append(out, ir.Instr{Kind: ir.InstrConst, Dst: c, Type: in.Type, Const: ir.ConstInstr{Int: imm}})
			in.Binary = ir.BinaryInstr{Op: op, X: x, Y: c}
			out = append(out, in)
			reduced++
		}
		b.Instrs = out
	}
	return reduced
}

// powerOfTwoOperand returns the non-constant operand and log2 of the
// constant one when the instruction is reducible.
func powerOfTwoOperand(in *ir.Instr, consts map[ir.ValueID]*ir.Instr) (ir.ValueID, uint, bool) {
	isPow2 := func(v ir.ValueID) (uint, bool) {
		c, ok := consts[v]
		if !ok {
			return 0, false
		}
		u := ir.Unsigned(in.Type.Bits, c.Const.Int)
		if u == 0 || u&(u-1) != 0 {
			return 0, false
		}
		return uint(bits.TrailingZeros64(u)), true
	}
	switch in.Binary.Op {
	case ir.OpMul:
		if k, ok := isPow2(in.Binary.Y); ok && k > 0 {
			return in.Binary.X, k, true
		}
		if k, ok := isPow2(in.Binary.X); ok && k > 0 {
			return in.Binary.Y, k, true
		}
	case ir.OpUDiv, ir.OpURem:
		if k, ok := isPow2(in.Binary.Y); ok && k > 0 {
			return in.Binary.X, k, true
		}
	}
	return 0, 0, false
}
