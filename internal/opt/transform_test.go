package opt_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/opt"
	"kiln/internal/samples"
	"kiln/internal/vm"
)

func TestTailCallKeepsFactorial(t *testing.T) {
	m := samples.Factorial()
	require.Equal(t, int64(120), evalMain(t, m))

	fact := m.Func("fact")
	require.Equal(t, 1, opt.EliminateTailCalls(fact))
	require.NoError(t, ir.Validate(m))
	require.Equal(t, int64(120), evalMain(t, m))

	for i := range fact.Blocks {
		for _, in := range fact.Blocks[i].Instrs {
			require.NotEqual(t, ir.InstrCall, in.Kind, "self call survived")
		}
	}
	require.Len(t, ir.FindLoops(fact), 1)
}

func TestTailCallRemovesStackGrowth(t *testing.T) {
	build := func() *ir.Module {
		m := ir.NewModule("deep")
		samples.AddFact(m)
		b := ir.NewFuncBuilder(m, "main", ir.I64)
		b.Block("entry")
		b.Ret(b.Call("fact", ir.I64, b.Const(ir.I64, 5000), b.Const(ir.I64, 1)))
		return m
	}
	m := build()
	machine, err := vm.New(m, vm.WithMaxDepth(1000))
	require.NoError(t, err)
	_, err = machine.Call("main")
	var vmErr *vm.VMError
	require.True(t, errors.As(err, &vmErr))
	require.Equal(t, vm.PanicStackOverflow, vmErr.Code)

	opt.EliminateTailCalls(m.Func("fact"))
	machine, err = vm.New(m, vm.WithMaxDepth(1000))
	require.NoError(t, err)
	_, err = machine.Call("main")
	require.NoError(t, err)
}

func TestTailCallIgnoresOtherCalls(t *testing.T) {
	m := ir.NewModule("other")
	ir.Declare(m, "g", ir.I64, ir.I64)
	b := ir.NewFuncBuilder(m, "f", ir.I64)
	x := b.Param("x", ir.I64)
	b.Block("entry")
	r := b.Call("g", ir.I64, x)
	b.Ret(r)

	// Result used twice: not a tail call even though the callee is self.
	b2 := ir.NewFuncBuilder(m, "h", ir.I64)
	y := b2.Param("y", ir.I64)
	b2.Block("entry")
	r2 := b2.Call("h", ir.I64, y)
	b2.Ret(b2.Bin(ir.OpAdd, r2, r2))

	require.Zero(t, opt.EliminateTailCalls(m.Func("f")))
	require.Zero(t, opt.EliminateTailCalls(m.Func("h")))
}

func TestUnrollTripCountBoundaries(t *testing.T) {
	t.Run("trip 4 fully unrolled", func(t *testing.T) {
		m := samples.SumLoop(4)
		full, partial := opt.UnrollLoops(m.Func("main"))
		require.Equal(t, 1, full)
		require.Zero(t, partial)
		require.NoError(t, ir.Validate(m))
		require.Empty(t, ir.FindLoops(m.Func("main")))
		require.Equal(t, int64(6), evalMain(t, m))
	})
	t.Run("trip 10 partially unrolled", func(t *testing.T) {
		m := samples.SumLoop(10)
		full, partial := opt.UnrollLoops(m.Func("main"))
		require.Zero(t, full)
		require.Equal(t, 1, partial)
		require.NoError(t, ir.Validate(m))
		loops := ir.FindLoops(m.Func("main"))
		require.Len(t, loops, 2)
		require.Equal(t, int64(45), evalMain(t, m))
	})
	t.Run("unknown trip untouched", func(t *testing.T) {
		m := samples.UnknownTripLoop()
		before := ir.ModuleString(m)
		full, partial := opt.UnrollLoops(m.Func("sum"))
		require.Zero(t, full+partial)
		require.Equal(t, before, ir.ModuleString(m))
	})
	for _, trip := range []int64{5, 6, 7} {
		t.Run(fmt.Sprintf("trip %d partially unrolled", trip), func(t *testing.T) {
			m := samples.SumLoop(trip)
			full, partial := opt.UnrollLoops(m.Func("main"))
			require.Zero(t, full)
			require.Equal(t, 1, partial)
			require.NoError(t, ir.Validate(m))
			require.Equal(t, trip*(trip-1)/2, evalMain(t, m))
		})
	}
}

func TestUnrollRemainderCounts(t *testing.T) {
	for _, trip := range []int64{0, 1, 3, 8, 9, 11, 12, 33} {
		m := samples.SumLoop(trip)
		opt.UnrollLoops(m.Func("main"))
		require.NoError(t, ir.Validate(m), "trip %d", trip)
		require.Equal(t, trip*(trip-1)/2, evalMain(t, m), "trip %d", trip)
	}
	m := samples.VectorAdd(37)
	opt.UnrollLoops(m.Func("vadd"))
	opt.UnrollLoops(m.Func("init"))
	require.NoError(t, ir.Validate(m))
	require.Equal(t, int64(144), evalMain(t, m))
}

func TestInlineSmallCallees(t *testing.T) {
	m := samples.ManyFuncs(12)
	want := evalMain(t, m)
	n, refused := opt.InlineCalls(m, 0)
	require.Equal(t, 12, n)
	require.Empty(t, refused)
	require.NoError(t, ir.Validate(m))
	require.Equal(t, want, evalMain(t, m))

	main := m.Func("main")
	for i := range main.Blocks {
		for _, in := range main.Blocks[i].Instrs {
			require.NotEqual(t, ir.InstrCall, in.Kind)
		}
	}
}

func TestInlineRefusesRecursionAndBigCallees(t *testing.T) {
	m := samples.Factorial()
	n, _ := opt.InlineCalls(m, 0)
	require.Zero(t, n)

	m = samples.ManyFuncs(3)
	n, _ = opt.InlineCalls(m, 5)
	require.Zero(t, n)
}

func TestInlineArgumentMismatch(t *testing.T) {
	m := ir.NewModule("mismatch")
	cb := ir.NewFuncBuilder(m, "one", ir.I64)
	cb.Param("x", ir.I64)
	cb.Block("entry")
	cb.Ret(cb.Const(ir.I64, 1))

	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("one", ir.I64))

	n, refused := opt.InlineCalls(m, 0)
	require.Zero(t, n)
	require.Len(t, refused, 1)
	require.True(t, errors.Is(refused[0], diag.ErrIRInvariant))
	e, ok := diag.As(refused[0])
	require.True(t, ok)
	require.Equal(t, diag.IRArgCountMismatch, e.Code)
	require.Equal(t, "main", e.Func)
	require.Equal(t, ir.InstrCall, m.Func("main").Blocks[0].Instrs[0].Kind)
}

func TestInlineIgnoresUnreachableReturns(t *testing.T) {
	m := ir.NewModule("deadret")
	gb := ir.NewFuncBuilder(m, "g", ir.I64)
	x := gb.Param("x", ir.I64)
	entry := gb.Block("entry")
	dead := gb.Block("dead")
	gb.SetBlock(entry)
	gb.Ret(gb.Bin(ir.OpAdd, x, gb.Const(ir.I64, 1)))
	gb.SetBlock(dead)
	gb.Ret(gb.Const(ir.I64, 999))

	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("g", ir.I64, b.Const(ir.I64, 41)))

	require.Equal(t, int64(42), evalMain(t, m))
	n, refused := opt.InlineCalls(m, 0)
	require.Equal(t, 1, n)
	require.Empty(t, refused)
	require.NoError(t, ir.Validate(m))
	require.Equal(t, int64(42), evalMain(t, m))
}

func TestInlineReportsRefusedSiteOnce(t *testing.T) {
	m := ir.NewModule("refusedonce")
	ob := ir.NewFuncBuilder(m, "one", ir.I64)
	ob.Param("x", ir.I64)
	ob.Block("entry")
	ob.Ret(ob.Const(ir.I64, 1))

	// Two reachable returns make the inliner route the result through a
	// slot allocated in main's entry block.
	tb := ir.NewFuncBuilder(m, "two", ir.I64)
	x := tb.Param("x", ir.I64)
	entry := tb.Block("entry")
	neg := tb.Block("neg")
	pos := tb.Block("pos")
	tb.SetBlock(entry)
	tb.CondBr(tb.Bin(ir.OpSLt, x, tb.Const(ir.I64, 0)), neg, pos)
	tb.SetBlock(neg)
	tb.Ret(tb.Const(ir.I64, -1))
	tb.SetBlock(pos)
	tb.Ret(x)

	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	bad := b.Call("one", ir.I64)
	got := b.Call("two", ir.I64, b.Const(ir.I64, 5))
	b.Ret(b.Bin(ir.OpAdd, bad, got))

	n, refused := opt.InlineCalls(m, 0)
	require.Equal(t, 1, n)
	require.Len(t, refused, 1)
	calls := 0
	for _, blk := range m.Func("main").Blocks {
		for _, in := range blk.Instrs {
			if in.Kind == ir.InstrCall {
				calls++
			}
		}
	}
	require.Equal(t, 1, calls)
}

func TestSimplifyCFGCollapsesChains(t *testing.T) {
	m := ir.NewModule("chain")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	entry := b.Block("entry")
	hop1 := b.Block("hop1")
	hop2 := b.Block("hop2")
	join := b.Block("join")
	dead := b.Block("dead")

	b.SetBlock(entry)
	one := b.Const(ir.I64, 1)
	b.Br(hop1)
	b.SetBlock(hop1)
	b.Br(hop2)
	b.SetBlock(hop2)
	b.Br(join)
	b.SetBlock(join)
	p := b.Phi(ir.I64)
	b.AddIncoming(p, hop2, one)
	b.Ret(p)
	b.SetBlock(dead)
	b.Br(join)

	f := m.Func("main")
	removed := opt.SimplifyCFG(f)
	require.Equal(t, 3, removed)
	require.Len(t, f.Blocks, 2)
	require.NoError(t, ir.Validate(m))
	require.Equal(t, int64(1), evalMain(t, m))
}

func TestSimplifyCFGKeepsDistinctPhiEdges(t *testing.T) {
	m := ir.NewModule("diamond")
	b := ir.NewFuncBuilder(m, "pick", ir.I64).Export()
	x := b.Param("x", ir.I64)
	entry := b.Block("entry")
	hop := b.Block("hop")
	join := b.Block("join")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	ten := b.Const(ir.I64, 10)
	c := b.Bin(ir.OpSGt, x, zero)
	b.CondBr(c, hop, join)
	b.SetBlock(hop)
	b.Br(join)
	b.SetBlock(join)
	p := b.Phi(ir.I64)
	b.AddIncoming(p, hop, ten)
	b.AddIncoming(p, entry, zero)
	b.Ret(p)

	f := m.Func("pick")
	opt.SimplifyCFG(f)
	require.NoError(t, ir.Validate(m))
	require.Len(t, f.Blocks, 3, "hop must survive: entry already feeds the phi")

	machine, err := vm.New(m)
	require.NoError(t, err)
	got, err := machine.Call("pick", 5)
	require.NoError(t, err)
	require.Equal(t, int64(10), got)
	got, err = machine.Call("pick", -5)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

func TestMergeBlocks(t *testing.T) {
	m := ir.NewModule("merge")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	entry := b.Block("entry")
	next := b.Block("next")
	b.SetBlock(entry)
	x := b.Const(ir.I64, 40)
	b.Br(next)
	b.SetBlock(next)
	b.Ret(b.Bin(ir.OpAdd, x, b.Const(ir.I64, 2)))

	f := m.Func("main")
	require.Equal(t, 1, opt.MergeBlocks(f))
	require.Len(t, f.Blocks, 1)
	require.NoError(t, ir.Validate(m))
	require.Equal(t, int64(42), evalMain(t, m))
}

func TestGlobalDCE(t *testing.T) {
	m := samples.ManyFuncs(2)
	b := ir.NewFuncBuilder(m, "unused", ir.I64)
	b.Block("entry")
	b.Ret(b.Const(ir.I64, 0))
	e := ir.NewFuncBuilder(m, "api", ir.I64).Export()
	e.Block("entry")
	e.Ret(e.Const(ir.I64, 0))

	require.Equal(t, 1, opt.EliminateDeadFunctions(m))
	require.Nil(t, m.Func("unused"))
	require.NotNil(t, m.Func("api"))
	require.NotNil(t, m.Func("f1"))
}

func TestReduceStrength(t *testing.T) {
	m := ir.NewModule("sr")
	b := ir.NewFuncBuilder(m, "calc", ir.I64).Export()
	x := b.Param("x", ir.I64)
	b.Block("entry")
	a := b.Bin(ir.OpMul, x, b.Const(ir.I64, 8))
	d := b.Bin(ir.OpUDiv, a, b.Const(ir.I64, 4))
	r := b.Bin(ir.OpURem, d, b.Const(ir.I64, 16))
	s := b.Bin(ir.OpMul, b.Const(ir.I64, 3), r)
	b.Ret(s)

	f := m.Func("calc")
	require.Equal(t, 3, opt.ReduceStrength(f))
	require.NoError(t, ir.Validate(m))
	ops := map[ir.BinOp]int{}
	for _, in := range f.Blocks[0].Instrs {
		if in.Kind == ir.InstrBinary {
			ops[in.Binary.Op]++
		}
	}
	require.Equal(t, map[ir.BinOp]int{ir.OpShl: 1, ir.OpLShr: 1, ir.OpAnd: 1, ir.OpMul: 1}, ops)

	machine, err := vm.New(m)
	require.NoError(t, err)
	got, err := machine.Call("calc", 21)
	require.NoError(t, err)
	require.Equal(t, int64((21*8/4)%16*3), got)
}
