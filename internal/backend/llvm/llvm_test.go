package llvm_test

import (
	"context"
	"strings"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir/enum"
	"github.com/stretchr/testify/require"

	"kiln/internal/backend"
	"kiln/internal/backend/llvm"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/target"
)

func emit(t *testing.T, m *ir.Module) (string, *backend.Shared) {
	t.Helper()
	desc, err := target.New(target.Options{})
	require.NoError(t, err)
	sh := backend.NewShared(m, desc, backend.Options{Level: 2})
	b := llvm.New()
	ctx := context.Background()
	var frags []backend.Fragment
	for _, f := range m.Defined() {
		frag, err := b.EmitFunc(ctx, f, sh)
		require.NoError(t, err, f.Name)
		require.Positive(t, frag.Stats.Insts)
		frags = append(frags, frag)
	}
	out, err := b.Link(ctx, frags, sh)
	require.NoError(t, err)
	require.NoError(t, b.Verify(ctx, out, sh), string(out))
	return string(out), sh
}

func TestSamplesParse(t *testing.T) {
	for _, name := range samples.Names() {
		t.Run(name, func(t *testing.T) {
			out, _ := emit(t, samples.Registry[name]())
			require.Contains(t, out, "target triple = \"riscv64-unknown-linux-gnu\"")
			require.Contains(t, out, "define i")
		})
	}
}

func TestGlobalsAreDefined(t *testing.T) {
	out, _ := emit(t, samples.DotProduct(64))
	m, err := asm.ParseString("dot.ll", out)
	require.NoError(t, err)
	require.Len(t, m.Globals, 2)
	for _, g := range m.Globals {
		require.Equal(t, "[64 x i32]", g.ContentType.String())
		require.True(t, g.Immutable)
		require.Equal(t, enum.LinkageInternal, g.Linkage)
		require.NotNil(t, g.Init)
	}

	out, _ = emit(t, samples.VectorAdd(8))
	require.Contains(t, out, "[8 x i64] zeroinitializer")
}

func TestExternalCallsAreDeclared(t *testing.T) {
	m := ir.NewModule("ext")
	ir.Declare(m, "putchar", ir.I32, ir.I32)
	b := ir.NewFuncBuilder(m, "main", ir.I32)
	b.Block("entry")
	b.Ret(b.Call("putchar", ir.I32, b.Const(ir.I32, 65)))

	out, _ := emit(t, m)
	require.Contains(t, out, "declare i32 @putchar(i32")
	require.Contains(t, out, "call i32 @putchar(i32 65)")
}

func TestDivisionTrapsOnZero(t *testing.T) {
	m := ir.NewModule("div")
	b := ir.NewFuncBuilder(m, "quot", ir.I64).Export()
	x := b.Param("x", ir.I64)
	y := b.Param("y", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpSDiv, x, y))

	out, _ := emit(t, m)
	require.Contains(t, out, "call void @llvm.trap()")
	require.Contains(t, out, "declare void @llvm.trap()")
	require.Contains(t, out, "sdiv i64 %x, %y")

	// A non-zero constant divisor needs no check.
	m = ir.NewModule("div4")
	b = ir.NewFuncBuilder(m, "quarter", ir.I64).Export()
	x = b.Param("x", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpSDiv, x, b.Const(ir.I64, 4)))
	out, _ = emit(t, m)
	require.NotContains(t, out, "llvm.trap")
}

func TestFloatArithmetic(t *testing.T) {
	m := ir.NewModule("float")
	b := ir.NewFuncBuilder(m, "mix", ir.I64).Export()
	x := b.Param("x", ir.F64)
	n := b.Param("n", ir.I32)
	entry := b.Block("entry")
	pos := b.Block("pos")
	neg := b.Block("neg")
	b.SetBlock(entry)
	wide := b.Cast(ir.CastSExt, n, ir.I64)
	fn := b.Cast(ir.CastSIToFP, wide, ir.F64)
	sum := b.Bin(ir.OpAdd, x, fn)
	half := b.Cast(ir.CastFPTrunc, sum, ir.F32)
	scaled := b.Bin(ir.OpMul, half, b.ConstFloat(ir.F32, 0.1))
	b.CondBr(b.Bin(ir.OpSLt, scaled, b.ConstFloat(ir.F32, 0)), neg, pos)
	b.SetBlock(pos)
	b.Ret(b.Cast(ir.CastFPToSI, b.Cast(ir.CastFPExt, scaled, ir.F64), ir.I64))
	b.SetBlock(neg)
	b.Ret(b.Const(ir.I64, -1))

	out, _ := emit(t, m)
	require.Contains(t, out, "fadd double")
	require.Contains(t, out, "fcmp olt float")
	require.Contains(t, out, "fptrunc double")
}

func TestStructFieldAccess(t *testing.T) {
	m := ir.NewModule("structs")
	pair := ir.StructOf(ir.I32, ir.I64)
	m.Types = append(m.Types, ir.TypeDecl{Name: "pair", Type: pair})
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	p := b.Alloca(ir.Named("pair"), 2)
	second := b.Index(ir.Named("pair"), p, b.Const(ir.I64, 1))
	f1 := b.Field(ir.Named("pair"), second, 1)
	b.Store(f1, b.Const(ir.I64, 7))
	b.Ret(b.Load(ir.I64, f1))

	out, _ := emit(t, m)
	require.Contains(t, out, "alloca { i32, i64 }, i64 2")
	require.Contains(t, out, "getelementptr { i32, i64 }")
}

func TestUnknownCallee(t *testing.T) {
	m := ir.NewModule("bad")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("missing", ir.I64))

	desc, err := target.New(target.Options{})
	require.NoError(t, err)
	sh := backend.NewShared(m, desc, backend.Options{})
	_, err = llvm.New().EmitFunc(context.Background(), m.Func("main"), sh)
	require.Equal(t, diag.KindIRInvariant, diag.KindOf(err))
	e, ok := diag.As(err)
	require.True(t, ok)
	require.Equal(t, "main", e.Func)
}

func TestVerifyRejectsBrokenText(t *testing.T) {
	out, sh := emit(t, samples.Answer42())
	broken := strings.Replace(out, "ret i64 42", "ret i64 %undefined", 1)
	err := llvm.New().Verify(context.Background(), []byte(broken), sh)
	require.Equal(t, diag.KindVerification, diag.KindOf(err))
	e, ok := diag.As(err)
	require.True(t, ok)
	require.Equal(t, diag.VerLLVM, e.Code)

	missing := strings.Replace(out, "define i64 @main()", "define i64 @other()", 1)
	err = llvm.New().Verify(context.Background(), []byte(missing), sh)
	require.Equal(t, diag.KindVerification, diag.KindOf(err))
}
