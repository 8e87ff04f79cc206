package callgraph

import (
	"slices"
	"testing"

	"kiln/internal/ir"
	"kiln/internal/samples"
)

func idsToNames(g *Graph, ids []FuncID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Names[int(id)]
	}
	return out
}

// chain builds main -> a -> b, a <-> c mutually recursive, d unused, ext declared.
func chain() *ir.Module {
	m := ir.NewModule("chain")
	ir.Declare(m, "ext", ir.I64)
	leaf := func(name string, callees ...string) {
		b := ir.NewFuncBuilder(m, name, ir.I64)
		b.Block("entry")
		v := b.Const(ir.I64, 1)
		for _, c := range callees {
			v = b.Call(c, ir.I64)
		}
		b.Ret(v)
	}
	leaf("main", "a", "a")
	leaf("a", "b", "c")
	leaf("b", "ext")
	leaf("c", "a")
	leaf("d")
	return m
}

func TestBuildDeduplicatesEdges(t *testing.T) {
	g := Build(chain())
	if got := g.Callees("main"); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("Callees(main) = %v", got)
	}
	if got := g.Calls[g.IDs["main"]]; got != 2 {
		t.Fatalf("main has %d call sites, want 2", got)
	}
	if got := g.CallersOf("a"); !slices.Equal(got, []string{"main", "c"}) && !slices.Equal(got, []string{"c", "main"}) {
		t.Fatalf("CallersOf(a) = %v", got)
	}
	if g.Present[g.IDs["ext"]] {
		t.Fatal("declaration must not be present")
	}
}

func TestReachableAndDeps(t *testing.T) {
	g := Build(chain())
	seen := g.Reachable("main")
	for _, name := range []string{"main", "a", "b", "c", "ext"} {
		if !seen[g.IDs[name]] {
			t.Fatalf("%s should be reachable", name)
		}
	}
	if seen[g.IDs["d"]] {
		t.Fatal("d should not be reachable")
	}
	deps := g.Deps("b")
	if !slices.Equal(deps, []string{"ext"}) {
		t.Fatalf("Deps(b) = %v", deps)
	}
}

func TestRecursiveDetectsCyclesAndSelfCalls(t *testing.T) {
	g := Build(chain())
	rec := g.Recursive()
	for name, want := range map[string]bool{"main": false, "a": true, "b": false, "c": true, "d": false} {
		if rec[g.IDs[name]] != want {
			t.Fatalf("Recursive(%s) = %v, want %v", name, rec[g.IDs[name]], want)
		}
	}
	if !g.SameSCC("a", "c") || g.SameSCC("a", "b") {
		t.Fatal("SameSCC mismatch")
	}

	f := Build(samples.Factorial())
	if !f.Recursive()[f.IDs["fact"]] {
		t.Fatal("self tail call must count as recursion")
	}
}

func TestSCCsAreLeafFirst(t *testing.T) {
	g := Build(chain())
	comps := g.SCCs()
	pos := make(map[string]int)
	for i, c := range comps {
		for _, id := range c {
			pos[g.Names[id]] = i
		}
	}
	if pos["b"] >= pos["a"] || pos["a"] >= pos["main"] {
		t.Fatalf("unexpected SCC order: %v", comps)
	}
	if pos["a"] != pos["c"] {
		t.Fatal("a and c must share a component")
	}
}

func TestBatchesKahn(t *testing.T) {
	m := samples.ManyFuncs(3)
	g := Build(m)
	topo := g.Batches()
	if topo.Cyclic {
		t.Fatal("unexpected cycle")
	}
	want := [][]string{{"f0", "f1", "f2"}, {"main"}}
	if len(topo.Batches) != len(want) {
		t.Fatalf("batches = %v", topo.Batches)
	}
	for i := range want {
		if got := idsToNames(g, topo.Batches[i]); !slices.Equal(got, want[i]) {
			t.Fatalf("batch %d = %v, want %v", i, got, want[i])
		}
	}

	cyc := Build(chain()).Batches()
	if !cyc.Cyclic {
		t.Fatal("expected cycle")
	}
	got := idsToNames(Build(chain()), cyc.Cycles)
	if !slices.Equal(got, []string{"main", "a", "c"}) {
		t.Fatalf("cycles = %v", got)
	}
}
