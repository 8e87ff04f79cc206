package ir_test

import (
	"slices"
	"testing"

	"kiln/internal/ir"
)

// countedLoop builds: entry -> header <-> body, header -> exit.
func countedLoop() *ir.Func {
	m := ir.NewModule("t")
	b := ir.NewFuncBuilder(m, "loop", ir.I64)
	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	limit := b.Const(ir.I64, 10)
	cond := b.Bin(ir.OpSLt, i, limit)
	b.CondBr(cond, body, exit)

	b.SetBlock(body)
	one := b.Const(ir.I64, 1)
	next := b.Bin(ir.OpAdd, i, one)
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, body, next)

	b.SetBlock(exit)
	b.Ret(i)
	return b.Func()
}

func TestDominatorsOfLoop(t *testing.T) {
	f := countedLoop()
	idom := ir.Dominators(f)
	want := []ir.BlockID{ir.NoBlockID, 0, 1, 1}
	if !slices.Equal(idom, want) {
		t.Fatalf("idom = %v, want %v", idom, want)
	}
	if !ir.Dominates(idom, 1, 2) || ir.Dominates(idom, 2, 3) {
		t.Fatalf("dominance relation wrong: %v", idom)
	}
}

// TestFindLoopsBackEdge detects the header/latch pair and exit edge.
func TestFindLoopsBackEdge(t *testing.T) {
	f := countedLoop()
	loops := ir.FindLoops(f)
	if len(loops) != 1 {
		t.Fatalf("got %d loops", len(loops))
	}
	l := loops[0]
	if l.Header != 1 || !slices.Equal(l.Latches, []ir.BlockID{2}) {
		t.Fatalf("header %d latches %v", l.Header, l.Latches)
	}
	if !slices.Equal(l.Blocks, []ir.BlockID{1, 2}) {
		t.Fatalf("blocks = %v", l.Blocks)
	}
	if len(l.Exits) != 1 || l.Exits[0] != (ir.Edge{From: 1, To: 3}) {
		t.Fatalf("exits = %v", l.Exits)
	}
	if l.Depth != 1 || l.Parent != -1 {
		t.Fatalf("depth %d parent %d", l.Depth, l.Parent)
	}
}

func TestRPOAndReachability(t *testing.T) {
	f := countedLoop()
	f.AddBlock("orphan")
	f.Blocks[4].Term = ir.Br(3)
	rpo := ir.RPO(f)
	if rpo[0] != f.Entry || len(rpo) != 4 {
		t.Fatalf("rpo = %v", rpo)
	}
	reach := ir.Reachable(f)
	if reach[4] {
		t.Fatalf("orphan block should be unreachable")
	}
	preds := ir.Preds(f)
	if !slices.Equal(preds[3], []ir.BlockID{1, 4}) {
		t.Fatalf("preds[3] = %v", preds[3])
	}
}
