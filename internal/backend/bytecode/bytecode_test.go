package bytecode

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/target"
	"kiln/internal/vm"
)

func link(t *testing.T, m *ir.Module) ([]byte, *backend.Shared, []backend.Fragment) {
	t.Helper()
	desc, err := target.New(target.Options{})
	if err != nil {
		t.Fatal(err)
	}
	sh := backend.NewShared(m, desc, backend.Options{Level: 2})
	b := New()
	ctx := context.Background()
	var frags []backend.Fragment
	for _, f := range m.Defined() {
		frag, err := b.EmitFunc(ctx, f, sh)
		if err != nil {
			t.Fatalf("emit %s: %v", f.Name, err)
		}
		frags = append(frags, frag)
	}
	out, err := b.Link(ctx, frags, sh)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := b.Verify(ctx, out, sh); err != nil {
		t.Fatalf("verify: %v", err)
	}
	return out, sh, frags
}

func run(t *testing.T, out []byte) (int64, error) {
	t.Helper()
	m, err := Decode(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mc, err := NewMachine(m, map[string]HostFunc{
		"putchar": func(args []uint64) (uint64, error) { return args[0] + 1, nil },
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return mc.Call("main")
}

func TestEncodeOperand(t *testing.T) {
	tests := []struct {
		val    int32
		nbytes int
	}{
		{0, 1}, {63, 1}, {-1, 1}, {-64, 1},
		{64, 2}, {-65, 2}, {8191, 2}, {-8192, 2},
		{8192, 4}, {-8193, 4}, {0x1FFFFFFF, 4}, {-0x20000000, 4},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		encodeOperand(&buf, tt.val)
		if buf.Len() != tt.nbytes {
			t.Errorf("encodeOperand(%d): got %d bytes, want %d", tt.val, buf.Len(), tt.nbytes)
			continue
		}
		r := &reader{data: buf.Bytes()}
		got, err := r.operand()
		if err != nil || got != tt.val {
			t.Errorf("round-trip operand %d: got %d, %v", tt.val, got, err)
		}
	}

	var e encoder
	e.operand(1 << 30)
	if e.err == nil {
		t.Fatal("expected range error for 1<<30")
	}
}

func TestSamplesMatchInterpreter(t *testing.T) {
	for _, name := range samples.Names() {
		t.Run(name, func(t *testing.T) {
			out, _, _ := link(t, samples.Registry[name]())
			got, err := run(t, out)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			ref, err := vm.New(samples.Registry[name]())
			if err != nil {
				t.Fatal(err)
			}
			want, err := ref.Call("main")
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Fatalf("main = %d, interpreter says %d", got, want)
			}
		})
	}
}

func TestPhiSwapOnBackEdge(t *testing.T) {
	// a, b = b, a five times, starting from (1, 2).
	m := ir.NewModule("swap")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	entry := b.Block("entry")
	loop := b.Block("loop")
	done := b.Block("done")
	b.SetBlock(entry)
	one, two, zero := b.Const(ir.I64, 1), b.Const(ir.I64, 2), b.Const(ir.I64, 0)
	b.Br(loop)
	b.SetBlock(loop)
	x := b.Phi(ir.I64)
	y := b.Phi(ir.I64)
	i := b.Phi(ir.I64)
	b.AddIncoming(x, entry, one)
	b.AddIncoming(y, entry, two)
	b.AddIncoming(i, entry, zero)
	next := b.Bin(ir.OpAdd, i, b.Const(ir.I64, 1))
	b.AddIncoming(x, loop, y)
	b.AddIncoming(y, loop, x)
	b.AddIncoming(i, loop, next)
	b.CondBr(b.Bin(ir.OpSLt, next, b.Const(ir.I64, 5)), loop, done)
	b.SetBlock(done)
	b.Ret(b.Bin(ir.OpSub, b.Bin(ir.OpMul, x, b.Const(ir.I64, 10)), y))

	out, _, _ := link(t, m)
	got, err := run(t, out)
	if err != nil {
		t.Fatal(err)
	}
	// Four swaps happen before the exit edge: (1, 2) again.
	if got != 8 {
		t.Fatalf("main = %d, want 8", got)
	}
}

func TestNarrowAndFloat(t *testing.T) {
	m := ir.NewModule("mix")
	ir.Declare(m, "putchar", ir.I32, ir.I32)
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	wrapped := b.Bin(ir.OpAdd, b.Const(ir.I8, 127), b.Const(ir.I8, 1))
	c := b.Call("putchar", ir.I32, b.Const(ir.I32, 64))
	f := b.Bin(ir.OpMul, b.Cast(ir.CastSIToFP, c, ir.F32), b.ConstFloat(ir.F32, 1.5))
	minDiv := b.Bin(ir.OpSDiv, b.Const(ir.I64, math.MinInt64), b.Const(ir.I64, -1))
	sum := b.Bin(ir.OpAdd, b.Cast(ir.CastSExt, wrapped, ir.I64), b.Cast(ir.CastFPToSI, f, ir.I64))
	b.Ret(b.Bin(ir.OpAdd, sum, b.Bin(ir.OpSRem, minDiv, b.Const(ir.I64, 1000))))

	out, _, _ := link(t, m)
	got, err := run(t, out)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(-128 + 97 - 808); got != want {
		t.Fatalf("main = %d, want %d", got, want)
	}
}

func TestDivisionByZeroTraps(t *testing.T) {
	m := ir.NewModule("div")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpSRem, b.Const(ir.I64, 1), b.Const(ir.I64, 0)))

	out, _, _ := link(t, m)
	if _, err := run(t, out); !errors.Is(err, ErrTrap) {
		t.Fatalf("expected trap, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	out, _, frags := link(t, samples.DotProduct(8))
	m, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "dot" || len(m.Data) != 2 || m.DataSize != 64 {
		t.Fatalf("header: name %q, %d data items, %d bytes", m.Name, len(m.Data), m.DataSize)
	}
	if m.Entry < 0 || m.Funcs[m.Entry-int32(len(m.Imports))].Name != "main" {
		t.Fatalf("entry %d does not name main", m.Entry)
	}
	again, err := m.EncodeToBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, out) {
		t.Fatal("re-encoded module differs")
	}
	for _, f := range frags {
		if !strings.HasPrefix(f.Text, f.Func+":\n") || !strings.Contains(f.Text, "ret") {
			t.Errorf("listing of %s:\n%s", f.Func, f.Text)
		}
	}
}

func TestVerifyRejectsCorruptModules(t *testing.T) {
	out, sh, _ := link(t, samples.Factorial())
	b := New()

	for name, bad := range map[string][]byte{
		"truncated": out[:len(out)-3],
		"magic":     append([]byte("KBC0"), out[4:]...),
		"trailing":  append(append([]byte(nil), out...), 0),
	} {
		err := b.Verify(context.Background(), bad, sh)
		e, ok := diag.As(err)
		if !ok || e.Kind != diag.KindVerification || e.Code != diag.VerBytecode {
			t.Errorf("%s: got %v", name, err)
		}
	}

	m, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := false
	for i, in := range m.Funcs[0].Code {
		if opInfos[in.Op].format == fmtBinary {
			m.Funcs[0].Code[i].Dst = m.Funcs[0].NRegs + 7
			corrupted = true
			break
		}
	}
	if !corrupted {
		t.Fatal("no binary instruction to corrupt")
	}
	bad, err := m.EncodeToBytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Verify(context.Background(), bad, sh); diag.KindOf(err) != diag.KindVerification {
		t.Fatalf("out-of-range register: got %v", err)
	}
}

func TestUnknownCallee(t *testing.T) {
	m := ir.NewModule("bad")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("missing", ir.I64))

	sh := backend.NewShared(m, nil, backend.Options{})
	_, err := New().EmitFunc(context.Background(), m.Func("main"), sh)
	e, ok := diag.As(err)
	if !ok || e.Kind != diag.KindIRInvariant || e.Code != diag.IRUnknownFunction || e.Func != "main" {
		t.Fatalf("got %v", err)
	}
}
