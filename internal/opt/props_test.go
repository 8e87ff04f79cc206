package opt_test

import (
	"testing"

	"pgregory.net/rapid"

	"kiln/internal/ir"
	"kiln/internal/opt"
	"kiln/internal/vm"
)

// genStraightLine draws a single-block main mixing pure arithmetic with
// stores to a stack slot.
func genStraightLine(t *rapid.T) *ir.Module {
	m := ir.NewModule("prop")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	slot := b.Alloca(ir.I64, 1)
	vals := []ir.ValueID{b.Const(ir.I64, rapid.Int64Range(-100, 100).Draw(t, "seed"))}
	pick := func(label string) ir.ValueID {
		return vals[rapid.IntRange(0, len(vals)-1).Draw(t, label)]
	}
	steps := rapid.IntRange(1, 40).Draw(t, "steps")
	for range steps {
		switch rapid.IntRange(0, 4).Draw(t, "kind") {
		case 0:
			vals = append(vals, b.Const(ir.I64, rapid.Int64().Draw(t, "const")))
		case 1:
			op := rapid.SampledFrom([]ir.BinOp{ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpXor, ir.OpAnd}).Draw(t, "op")
			vals = append(vals, b.Bin(op, pick("x"), pick("y")))
		case 2:
			d := rapid.Int64Range(1, 9).Draw(t, "divisor")
			vals = append(vals, b.Bin(ir.OpSDiv, pick("x"), b.Const(ir.I64, d)))
		case 3:
			b.Store(slot, pick("stored"))
		case 4:
			vals = append(vals, b.Load(ir.I64, slot))
		}
	}
	b.Ret(pick("result"))
	return m
}

func runMain(t *rapid.T, m *ir.Module) int64 {
	machine, err := vm.New(m)
	if err != nil {
		t.Fatalf("vm: %v", err)
	}
	got, err := machine.Call("main")
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	return got
}

func countKind(f *ir.Func, kind ir.InstrKind) int {
	n := 0
	for i := range f.Blocks {
		for _, in := range f.Blocks[i].Instrs {
			if in.Kind == kind {
				n++
			}
		}
	}
	return n
}

func TestDeadCodeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genStraightLine(t)
		want := runMain(t, m)
		f := m.Func("main")
		stores := countKind(f, ir.InstrStore)

		opt.EliminateDeadCode(f)
		if err := ir.Validate(m); err != nil {
			t.Fatalf("invalid after dce: %v\n%s", err, ir.FuncString(f))
		}
		if got := runMain(t, m); got != want {
			t.Fatalf("dce changed result: got %d want %d", got, want)
		}
		if got := countKind(f, ir.InstrStore); got != stores {
			t.Fatalf("dce dropped stores: %d -> %d", stores, got)
		}
		if again := opt.EliminateDeadCode(f); again != 0 {
			t.Fatalf("dce is not at a fixed point: second run removed %d", again)
		}
		uses := f.UseCounts()
		for _, in := range f.Blocks[0].Instrs {
			if in.Dst == ir.NoValueID || in.HasSideEffects() || in.MayTrap() {
				continue
			}
			if uses[in.Dst] == 0 {
				t.Fatalf("unused pure value survived: %s", ir.InstrString(&in))
			}
		}
	})
}

func TestDeadCodeKeepsTrappingDivision(t *testing.T) {
	m := ir.NewModule("trap")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	zero := b.Const(ir.I64, 0)
	b.Bin(ir.OpSDiv, b.Const(ir.I64, 7), zero)
	b.Bin(ir.OpSDiv, b.Const(ir.I64, 7), b.Const(ir.I64, 2))
	b.Ret(zero)

	f := m.Func("main")
	opt.EliminateDeadCode(f)
	if got := countKind(f, ir.InstrBinary); got != 1 {
		t.Fatalf("expected only the zero division to remain, found %d binaries\n%s", got, ir.FuncString(f))
	}
}

func refBinary[T int8 | int16 | int32 | int64](op ir.BinOp, x, y T) int64 {
	b2i := func(c bool) int64 {
		if c {
			return 1
		}
		return 0
	}
	switch op {
	case ir.OpAdd:
		return int64(x + y)
	case ir.OpSub:
		return int64(x - y)
	case ir.OpMul:
		return int64(x * y)
	case ir.OpSDiv:
		return int64(x / y)
	case ir.OpSRem:
		return int64(x % y)
	case ir.OpAnd:
		return int64(x & y)
	case ir.OpOr:
		return int64(x | y)
	case ir.OpXor:
		return int64(x ^ y)
	case ir.OpSLt:
		return b2i(x < y)
	case ir.OpSGe:
		return b2i(x >= y)
	case ir.OpEq:
		return b2i(x == y)
	}
	panic("unexpected op " + op.String())
}

func reference(op ir.BinOp, bits uint8, x, y int64) int64 {
	switch bits {
	case 8:
		return refBinary(op, int8(x), int8(y))
	case 16:
		return refBinary(op, int16(x), int16(y))
	case 32:
		return refBinary(op, int32(x), int32(y))
	}
	return refBinary(op, x, y)
}

func TestFoldMatchesMachineArithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.SampledFrom([]ir.BinOp{
			ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpSDiv, ir.OpSRem,
			ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpSLt, ir.OpSGe, ir.OpEq,
		}).Draw(t, "op")
		ty := rapid.SampledFrom([]ir.Type{ir.I8, ir.I16, ir.I32, ir.I64}).Draw(t, "type")
		x := ir.Wrap(ty.Bits, rapid.Int64().Draw(t, "x"))
		y := ir.Wrap(ty.Bits, rapid.SampledFrom([]int64{0, -1, 1, 7, -128, rapid.Int64().Draw(t, "any")}).Draw(t, "y"))

		m := ir.NewModule("fold")
		b := ir.NewFuncBuilder(m, "main", ir.I64)
		b.Block("entry")
		r := b.Bin(op, b.Const(ty, x), b.Const(ty, y))
		b.Ret(r)
		f := m.Func("main")

		folded, _ := opt.FoldConstants(f)
		last := f.Blocks[0].Instrs[len(f.Blocks[0].Instrs)-1]
		if op.IsDivRem() && y == 0 {
			if folded != 0 || last.Kind != ir.InstrBinary {
				t.Fatalf("division by zero was folded")
			}
			return
		}
		if folded != 1 || last.Kind != ir.InstrConst {
			t.Fatalf("expected a folded constant, got %s", ir.InstrString(&last))
		}
		want := reference(op, ty.Bits, x, y)
		if got := ir.Wrap(last.Type.Bits, last.Const.Int); got != ir.Wrap(last.Type.Bits, want) {
			t.Fatalf("%s.%d %d, %d: folded %d want %d", op, ty.Bits, x, y, got, want)
		}
	})
}

func TestFoldBranchOnConstant(t *testing.T) {
	m := ir.NewModule("branch")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	entry := b.Block("entry")
	yes := b.Block("yes")
	no := b.Block("no")
	b.SetBlock(entry)
	c := b.Bin(ir.OpSLt, b.Const(ir.I64, 1), b.Const(ir.I64, 2))
	b.CondBr(c, yes, no)
	b.SetBlock(yes)
	b.Ret(b.Const(ir.I64, 10))
	b.SetBlock(no)
	b.Ret(b.Const(ir.I64, 20))

	f := m.Func("main")
	_, branches := opt.FoldConstants(f)
	if branches != 1 {
		t.Fatalf("branches folded = %d", branches)
	}
	if f.Blocks[entry].Term.Kind != ir.TermBr || f.Blocks[entry].Term.Br.Target != yes {
		t.Fatalf("entry terminator = %s", ir.TermString(&f.Blocks[entry].Term))
	}
	if removed := opt.SimplifyCFG(f); removed != 1 {
		t.Fatalf("unreachable arm not removed: %d", removed)
	}
}
