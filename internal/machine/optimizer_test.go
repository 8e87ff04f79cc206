package machine_test

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/callgraph"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
	"kiln/internal/samples"
	"kiln/internal/target"
)

type moduleSymbols struct {
	m      *ir.Module
	layout ir.Layout
	rec    map[string]bool
}

func symbolsOf(m *ir.Module) *moduleSymbols {
	g := callgraph.Build(m)
	rec := make(map[string]bool)
	for i, r := range g.Recursive() {
		rec[g.Names[i]] = r
	}
	return &moduleSymbols{m: m, layout: ir.NewLayout(m, 8), rec: rec}
}

func (s *moduleSymbols) Signature(name string) (ir.Type, bool) {
	f := s.m.Func(name)
	if f == nil {
		return ir.Type{}, false
	}
	return f.Signature(), true
}

func (s *moduleSymbols) Global(name string) (ir.Global, bool) {
	g := s.m.Global(name)
	if g == nil {
		return ir.Global{}, false
	}
	return *g, true
}

func (s *moduleSymbols) Recursive(name string) bool { return s.rec[name] }
func (s *moduleSymbols) Layout() ir.Layout          { return s.layout }

func newOptimizer(t *testing.T, cpu string, opts ...machine.Option) *machine.Optimizer {
	t.Helper()
	desc, err := target.New(target.Options{CPU: cpu})
	require.NoError(t, err)
	o, err := machine.New(desc, opts...)
	require.NoError(t, err)
	return o
}

func lower(t *testing.T, o *machine.Optimizer, m *ir.Module, name string, level int) *machine.MFunc {
	t.Helper()
	mf, err := o.OptimizeFunction(context.Background(), m.Func(name), level, symbolsOf(m))
	require.NoError(t, err)
	return mf
}

func TestNewRejectsOtherArchitectures(t *testing.T) {
	desc, err := target.New(target.Options{Triple: "x86_64-unknown-linux-gnu"})
	require.NoError(t, err)
	_, err = machine.New(desc)
	require.Error(t, err)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))

	_, err = machine.New(nil)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))
}

func TestOptimizeFunctionRejectsDeclarations(t *testing.T) {
	o := newOptimizer(t, "generic-rv64")
	_, err := o.OptimizeFunction(context.Background(), &ir.Func{Name: "ext", IsDeclaration: true}, 2, nil)
	require.Equal(t, diag.KindIRInvariant, diag.KindOf(err))
}

func TestSamplesLowerAndEncode(t *testing.T) {
	cpus := []string{"generic-rv64", "sifive-u74", "sifive-x280", "andes-ax45mp"}
	for _, cpu := range cpus {
		o := newOptimizer(t, cpu)
		for _, name := range samples.Names() {
			m := samples.Registry[name]()
			for level := 0; level <= 3; level++ {
				for _, f := range m.Defined() {
					mf := lower(t, o, m, f.Name, level)
					code, _, err := machine.Encode(mf)
					require.NoError(t, err, "%s/%s/%s O%d", cpu, name, f.Name, level)
					require.NotEmpty(t, code)
					require.Zero(t, len(code)%4)
					for off := 0; off < len(code); off += 4 {
						_, err := machine.Decode(binary.LittleEndian.Uint32(code[off:]))
						require.NoError(t, err, "%s/%s O%d at %#x", cpu, f.Name, level, off)
					}
				}
			}
		}
	}
}

func TestLevelZeroKeepsValuesInSlots(t *testing.T) {
	o := newOptimizer(t, "generic-rv64")
	m := samples.SumLoop(10)
	mf := lower(t, o, m, "main", 0)
	require.Positive(t, mf.Stats.Spills)
	require.Positive(t, mf.Stats.Reloads)
	require.Zero(t, mf.Stats.ScheduledBlocks)
	require.True(t, mf.Frame.Lowered)
	require.Zero(t, mf.Frame.Size%16)
}

func TestRegisterPressureSpills(t *testing.T) {
	o := newOptimizer(t, "generic-rv64")
	m := samples.Pressure(40)
	mf := lower(t, o, m, "main", 1)
	require.Positive(t, mf.Stats.SpilledVRegs)
	require.Positive(t, mf.Stats.Spills)

	small := lower(t, o, samples.Pressure(4), "main", 1)
	require.Zero(t, small.Stats.SpilledVRegs)
}

func TestCallsSaveReturnAddress(t *testing.T) {
	o := newOptimizer(t, "generic-rv64")
	m := samples.Factorial()
	mf := lower(t, o, m, "main", 1)
	require.True(t, mf.Frame.HasCalls)
	require.Contains(t, mf.Frame.Saved, machine.RegRA)
	require.Contains(t, mf.String(), "sd ra, ")

	_, relocs, err := machine.Encode(mf)
	require.NoError(t, err)
	require.Len(t, relocs, 1)
	require.Equal(t, machine.RelocCallPLT, relocs[0].Kind)
	require.Equal(t, "fact", relocs[0].Sym)
}

func TestVectorizeKernels(t *testing.T) {
	o := newOptimizer(t, "sifive-x280")

	vadd := samples.VectorAdd(37)
	for _, name := range []string{"init", "vadd"} {
		mf := lower(t, o, vadd, name, 2)
		require.Equal(t, 1, mf.Stats.LoopsVectorized, name)
		require.Greater(t, mf.Stats.BestSpeedup, 1.0)
		require.Contains(t, mf.String(), "vsetvli")
	}

	dot := samples.DotProduct(64)
	mf := lower(t, o, dot, "main", 2)
	require.Equal(t, 1, mf.Stats.LoopsVectorized)
	asm := mf.String()
	require.Contains(t, asm, "vredsum.vs")
	require.Contains(t, asm, "vle32.v")

	scalar := lower(t, o, samples.VectorAdd(37), "vadd", 1)
	require.Zero(t, scalar.Stats.LoopsVectorized)
	require.NotContains(t, scalar.String(), "vsetvli")
}

func TestVectorizeCanBeDisabled(t *testing.T) {
	opts := machine.DefaultOptions()
	opts.Vectorize = false
	o := newOptimizer(t, "sifive-x280", machine.WithOptions(opts))
	mf := lower(t, o, samples.VectorAdd(37), "vadd", 3)
	require.Zero(t, mf.Stats.LoopsVectorized)
}

func TestNoVectorsWithoutExtension(t *testing.T) {
	o := newOptimizer(t, "sifive-u74")
	mf := lower(t, o, samples.VectorAdd(37), "vadd", 3)
	require.Zero(t, mf.Stats.LoopsVectorized)
	require.NotContains(t, mf.String(), "vsetvli")
}

// bytesAdd builds c[i] = a[i] + b[i] over i8 globals.
func bytesAdd(n int64) *ir.Module {
	m := ir.NewModule("bytes")
	arr := ir.ArrayOf(ir.I8, n)
	for _, g := range []string{"a", "b", "c"} {
		m.AddGlobal(ir.Global{Name: g, Type: arr, Mutable: true})
	}
	b := ir.NewFuncBuilder(m, "add", ir.Void)
	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	b.CondBr(b.Bin(ir.OpSLt, i, b.Const(ir.I64, n)), body, exit)

	b.SetBlock(body)
	x := b.Load(ir.I8, b.Index(ir.I8, b.GlobalAddr("a"), i))
	y := b.Load(ir.I8, b.Index(ir.I8, b.GlobalAddr("b"), i))
	b.Store(b.Index(ir.I8, b.GlobalAddr("c"), i), b.Bin(ir.OpAdd, x, y))
	i1 := b.Bin(ir.OpAdd, i, b.Const(ir.I64, 1))
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, body, i1)

	b.SetBlock(exit)
	b.RetVoid()
	return m
}

func TestPackedSIMD(t *testing.T) {
	o := newOptimizer(t, "andes-ax45mp")
	m := bytesAdd(64)
	mf := lower(t, o, m, "add", 3)
	require.Equal(t, 1, mf.Stats.LoopsPacked)
	require.Contains(t, mf.String(), "add8 ")

	code, _, err := machine.Encode(mf)
	require.NoError(t, err)
	found := false
	for off := 0; off < len(code); off += 4 {
		in, err := machine.Decode(binary.LittleEndian.Uint32(code[off:]))
		require.NoError(t, err)
		found = found || in.Op == machine.OpADD8
	}
	require.True(t, found)

	below := lower(t, o, bytesAdd(64), "add", 2)
	require.Zero(t, below.Stats.LoopsPacked)
}

func TestEstimateRanksAccessPatterns(t *testing.T) {
	h := machine.DefaultHeuristics()
	contiguous := h.Estimate(machine.AccessProfile{VL: 8})
	require.Greater(t, contiguous, h.Estimate(machine.AccessProfile{VL: 4}))
	strided := h.Estimate(machine.AccessProfile{VL: 8, Strided: true})
	gather := h.Estimate(machine.AccessProfile{VL: 8, Gather: true})
	require.Greater(t, contiguous, strided)
	require.Greater(t, strided, gather)
	require.Greater(t, contiguous, h.Estimate(machine.AccessProfile{VL: 8, Misaligned: true}))
	require.InDelta(t, 8*0.95, contiguous, 1e-9)
}

func TestAsmListsEveryBlock(t *testing.T) {
	o := newOptimizer(t, "generic-rv64")
	m := samples.Switch()
	mf := lower(t, o, m, "classify", 2)
	asm := mf.String()
	require.True(t, strings.HasPrefix(asm, "\t.text\n"))
	for b := range mf.Blocks {
		require.Contains(t, asm, mf.Blocks[b].Label)
	}
	require.Contains(t, asm, ".size classify, .-classify")
}
