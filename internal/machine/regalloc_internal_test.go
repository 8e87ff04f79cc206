package machine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/callgraph"
	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/target"
)

type plainSymbols struct {
	m      *ir.Module
	layout ir.Layout
	rec    map[string]bool
}

func plainSymbolsOf(m *ir.Module) plainSymbols {
	g := callgraph.Build(m)
	rec := make(map[string]bool)
	for i, r := range g.Recursive() {
		rec[g.Names[i]] = r
	}
	return plainSymbols{m: m, layout: ir.NewLayout(m, 8), rec: rec}
}

func (s plainSymbols) Signature(name string) (ir.Type, bool) {
	if f := s.m.Func(name); f != nil {
		return f.Signature(), true
	}
	return ir.Type{}, false
}

func (s plainSymbols) Global(name string) (ir.Global, bool) {
	if g := s.m.Global(name); g != nil {
		return *g, true
	}
	return ir.Global{}, false
}

func (s plainSymbols) Recursive(name string) bool { return s.rec[name] }
func (s plainSymbols) Layout() ir.Layout          { return s.layout }

func selectFor(t *testing.T, cpu string, m *ir.Module, name string, level int) (*Optimizer, *lowering) {
	t.Helper()
	desc, err := target.New(target.Options{CPU: cpu})
	require.NoError(t, err)
	o, err := New(desc)
	require.NoError(t, err)
	l, err := o.selectInstructions(m.Func(name), level, plainSymbolsOf(m))
	require.NoError(t, err)
	return o, l
}

func TestAllocationKeepsOverlappingRangesApart(t *testing.T) {
	cases := []struct {
		module func() *ir.Module
		fn     string
	}{
		{func() *ir.Module { return samples.Pressure(40) }, "main"},
		{func() *ir.Module { return samples.Pressure(12) }, "main"},
		{samples.Factorial, "fact"},
		{func() *ir.Module { return samples.DotProduct(64) }, "main"},
		{samples.Switch, "classify"},
		{func() *ir.Module { return samples.SumLoop(10) }, "main"},
	}
	for _, tc := range cases {
		for level := 1; level <= 2; level++ {
			m := tc.module()
			o, l := selectFor(t, "generic-rv64", m, tc.fn, level)
			mf := l.mf
			computeFrequencies(mf)
			o.schedule(mf, level >= 2)
			g := o.BuildInterferenceGraph(mf, level >= 2)
			require.NoError(t, o.allocate(mf, g), "%s/%s O%d", m.Name, tc.fn, level)
			require.NoError(t, g.Verify(mf.Assigned))
			require.NoError(t, checkAllocated(mf))

			for i, a := range g.Ranges {
				for _, b := range g.Ranges[i+1:] {
					if a.Class != b.Class || !a.Overlaps(b) {
						continue
					}
					require.True(t, g.Interferes(a.Reg, b.Reg), "%s/%s: %s and %s overlap without an edge",
						m.Name, tc.fn, RegName(a.Reg), RegName(b.Reg))
					ra, okA := mf.Assigned[a.Reg]
					rb, okB := mf.Assigned[b.Reg]
					if okA && okB {
						require.NotEqual(t, ra, rb, "%s/%s O%d: %s and %s share %s",
							m.Name, tc.fn, level, RegName(a.Reg), RegName(b.Reg), RegName(ra))
					}
				}
			}
		}
	}
}

func TestInterferenceGraphVerifyCatchesSharedRegister(t *testing.T) {
	m := samples.Pressure(4)
	o, l := selectFor(t, "generic-rv64", m, "main", 1)
	g := o.BuildInterferenceGraph(l.mf, false)
	require.Positive(t, g.Edges())

	var a, b Reg
	for _, lr := range g.Ranges {
		if nb := g.Neighbors(lr.Reg); len(nb) > 0 {
			a, b = lr.Reg, nb[0]
			break
		}
	}
	require.True(t, g.Interferes(a, b))
	require.True(t, g.Interferes(b, a))
	s1 := Reg(9)
	require.Error(t, g.Verify(map[Reg]Reg{a: s1, b: s1}))
	require.NoError(t, g.Verify(map[Reg]Reg{a: s1}))
}

func TestVectorizeRollsBackFailedTransform(t *testing.T) {
	breakers := map[string]func(c *vecCandidate){
		"error": func(c *vecCandidate) { c.cl.Limit = ir.ValueID(1 << 30) },
		"panic": func(c *vecCandidate) { c.order = append(c.order, ir.ValueID(1<<30)) },
	}
	for name, breakCandidate := range breakers {
		t.Run(name, func(t *testing.T) {
			m := samples.VectorAdd(37)
			o, l := selectFor(t, "sifive-x280", m, "vadd", 2)
			mf := l.mf
			blocks, vregs := len(mf.Blocks), len(mf.VRegs)

			v := o.newLoopVectorizer(context.Background(), l, false)
			require.NotEmpty(t, l.loops)
			c := &vecCandidate{loop: &l.loops[0]}
			require.NoError(t, v.advance(c, vecTransform))
			breakCandidate(c)

			err := v.advance(c, vecDone)
			require.Error(t, err)
			v.skip(c, err)
			require.Len(t, mf.Blocks, blocks)
			require.Len(t, mf.VRegs, vregs)
			require.Equal(t, 1, mf.Stats.VectorSkipped)

			out, err := o.finish(mf, 2)
			require.NoError(t, err)
			require.Zero(t, out.Stats.LoopsVectorized)
			require.NotContains(t, out.String(), "vsetvli")
			_, _, err = Encode(out)
			require.NoError(t, err)
		})
	}
}
