package wasm_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"kiln/internal/backend"
	"kiln/internal/backend/wasm"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/target"
	"kiln/internal/vm"
)

func link(t *testing.T, m *ir.Module) ([]byte, *backend.Shared) {
	t.Helper()
	desc, err := target.New(target.Options{Triple: "wasm32-wasi"})
	require.NoError(t, err)
	sh := backend.NewShared(m, desc, backend.Options{Level: 2})
	b := wasm.New()
	ctx := context.Background()
	var frags []backend.Fragment
	for _, f := range m.Defined() {
		frag, err := b.EmitFunc(ctx, f, sh)
		require.NoError(t, err, f.Name)
		frags = append(frags, frag)
	}
	out, err := b.Link(ctx, frags, sh)
	require.NoError(t, err)
	require.NoError(t, b.Verify(ctx, out, sh))
	return out, sh
}

// runMain instantiates the module and calls main, widening an i32 result.
func runMain(t *testing.T, m *ir.Module, out []byte) (int64, error) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	_, err := r.NewHostModuleBuilder(wasm.ImportModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, c int32) int32 { return c + 1 }).
		Export("putchar").
		Instantiate(ctx)
	require.NoError(t, err)
	mod, err := r.Instantiate(ctx, out)
	require.NoError(t, err)
	res, err := mod.ExportedFunction("main").Call(ctx)
	if err != nil {
		return 0, err
	}
	require.Len(t, res, 1)
	if m.Func("main").Result.Bits <= 32 {
		return int64(int32(uint32(res[0]))), nil
	}
	return int64(res[0]), nil
}

func interpret(t *testing.T, m *ir.Module) int64 {
	t.Helper()
	machine, err := vm.New(m, vm.WithHost("putchar", func(args []uint64) (uint64, error) {
		return args[0] + 1, nil
	}))
	require.NoError(t, err)
	want, err := machine.Call("main")
	require.NoError(t, err)
	return want
}

func TestSamplesMatchInterpreter(t *testing.T) {
	for _, name := range samples.Names() {
		t.Run(name, func(t *testing.T) {
			m := samples.Registry[name]()
			out, _ := link(t, m)
			got, err := runMain(t, m, out)
			require.NoError(t, err)
			require.Equal(t, interpret(t, samples.Registry[name]()), got)
		})
	}
}

func TestAnswer(t *testing.T) {
	m := samples.Answer42()
	out, _ := link(t, m)
	require.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, out[:8])
	got, err := runMain(t, m, out)
	require.NoError(t, err)
	require.EqualValues(t, 42, got)
}

func TestNarrowArithmeticWraps(t *testing.T) {
	m := ir.NewModule("narrow")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	sum := b.Bin(ir.OpAdd, b.Const(ir.I8, 127), b.Const(ir.I8, 1))
	shr := b.Bin(ir.OpLShr, b.Const(ir.I8, -128), b.Const(ir.I8, 4))
	wide := b.Bin(ir.OpAdd, b.Cast(ir.CastSExt, sum, ir.I64), b.Cast(ir.CastZExt, shr, ir.I64))
	minDiv := b.Bin(ir.OpSDiv, b.Const(ir.I64, math.MinInt64), b.Const(ir.I64, -1))
	b.Ret(b.Bin(ir.OpAdd, wide, b.Bin(ir.OpSRem, minDiv, b.Const(ir.I64, 1000))))

	out, _ := link(t, m)
	got, err := runMain(t, m, out)
	require.NoError(t, err)
	require.Equal(t, interpret(t, m), got)
	require.EqualValues(t, -128+8-808, got)
}

func TestStackAndStructs(t *testing.T) {
	m := ir.NewModule("structs")
	pair := ir.StructOf(ir.I32, ir.I64)
	m.Types = append(m.Types, ir.TypeDecl{Name: "pair", Type: pair})
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	p := b.Alloca(ir.Named("pair"), 2)
	second := b.Index(ir.Named("pair"), p, b.Const(ir.I64, 1))
	b.Store(b.Field(ir.Named("pair"), second, 0), b.Const(ir.I32, -5))
	b.Store(b.Field(ir.Named("pair"), second, 1), b.Const(ir.I64, 70))
	lo := b.Load(ir.I32, b.Field(ir.Named("pair"), second, 0))
	hi := b.Load(ir.I64, b.Field(ir.Named("pair"), second, 1))
	b.Ret(b.Bin(ir.OpAdd, b.Cast(ir.CastSExt, lo, ir.I64), hi))

	out, _ := link(t, m)
	got, err := runMain(t, m, out)
	require.NoError(t, err)
	require.EqualValues(t, 65, got)
}

func TestImportsAndFloats(t *testing.T) {
	m := ir.NewModule("ext")
	ir.Declare(m, "putchar", ir.I32, ir.I32)
	b := ir.NewFuncBuilder(m, "main", ir.I32)
	b.Block("entry")
	c := b.Call("putchar", ir.I32, b.Const(ir.I32, 64))
	f := b.Bin(ir.OpMul, b.Cast(ir.CastSIToFP, c, ir.F64), b.ConstFloat(ir.F64, 1.5))
	b.Ret(b.Cast(ir.CastFPToSI, f, ir.I32))

	out, _ := link(t, m)
	got, err := runMain(t, m, out)
	require.NoError(t, err)
	require.EqualValues(t, 97, got)
}

func TestDivisionByZeroTraps(t *testing.T) {
	m := ir.NewModule("div")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpUDiv, b.Const(ir.I64, 1), b.Const(ir.I64, 0)))

	out, _ := link(t, m)
	_, err := runMain(t, m, out)
	require.Error(t, err)
}

func TestVerifyRejectsCorruptModule(t *testing.T) {
	out, sh := link(t, samples.Factorial())
	bad := append([]byte(nil), out...)
	bad = append(bad[:len(bad)-1], 0xff)
	err := wasm.New().Verify(context.Background(), bad, sh)
	e, ok := diag.As(err)
	require.True(t, ok)
	require.Equal(t, diag.KindVerification, e.Kind)
	require.Equal(t, diag.VerWasm, e.Code)
}

func TestUnsupportedWidth(t *testing.T) {
	m := ir.NewModule("wide")
	b := ir.NewFuncBuilder(m, "main", ir.Int(128))
	b.Block("entry")
	b.Ret(b.Const(ir.Int(128), 1))

	desc, err := target.New(target.Options{Triple: "wasm32-wasi"})
	require.NoError(t, err)
	sh := backend.NewShared(m, desc, backend.Options{})
	_, err = wasm.New().EmitFunc(context.Background(), m.Func("main"), sh)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))
	e, _ := diag.As(err)
	require.Equal(t, "main", e.Func)
}
