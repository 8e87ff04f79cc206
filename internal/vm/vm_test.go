package vm_test

import (
	"errors"
	"testing"

	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/vm"
)

func run(t *testing.T, m *ir.Module, opts ...vm.Option) (int64, error) {
	t.Helper()
	machine, err := vm.New(m, opts...)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	return machine.Call("main")
}

func TestSamplesEvaluate(t *testing.T) {
	cases := []struct {
		name string
		mod  *ir.Module
		want int64
	}{
		{"answer", samples.Answer42(), 42},
		{"factorial", samples.Factorial(), 120},
		{"sumloop", samples.SumLoop(10), 45},
		{"vadd", samples.VectorAdd(37), 144},
		{"dot", samples.DotProduct(64), 4032},
		{"pressure", samples.Pressure(40), 1640},
		{"switch", samples.Switch(), 320},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := run(t, tc.mod)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got != tc.want {
				t.Fatalf("main() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCallWithArguments(t *testing.T) {
	machine, err := vm.New(samples.UnknownTripLoop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := machine.Call("sum", 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4950 {
		t.Fatalf("sum(100) = %d, want 4950", got)
	}
}

func TestDivideByZeroPanics(t *testing.T) {
	m := ir.NewModule("trap")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpSDiv, b.Const(ir.I64, 1), b.Const(ir.I64, 0)))

	_, err := run(t, m)
	var vmErr *vm.VMError
	if !errors.As(err, &vmErr) || vmErr.Code != vm.PanicDivideByZero {
		t.Fatalf("expected divide-by-zero panic, got %v", err)
	}
	if len(vmErr.Backtrace) != 1 || vmErr.Backtrace[0].FuncName != "main" {
		t.Fatalf("unexpected backtrace %+v", vmErr.Backtrace)
	}
}

func TestDepthLimit(t *testing.T) {
	m := ir.NewModule("deep")
	samples.AddFact(m)
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("fact", ir.I64, b.Const(ir.I64, 100), b.Const(ir.I64, 1)))

	_, err := run(t, m, vm.WithMaxDepth(10))
	var vmErr *vm.VMError
	if !errors.As(err, &vmErr) || vmErr.Code != vm.PanicStackOverflow {
		t.Fatalf("expected stack overflow, got %v", err)
	}
}

func TestStepLimit(t *testing.T) {
	_, err := run(t, samples.SumLoop(1000), vm.WithStepLimit(50))
	var vmErr *vm.VMError
	if !errors.As(err, &vmErr) || vmErr.Code != vm.PanicStepLimit {
		t.Fatalf("expected step limit, got %v", err)
	}
}

func TestHostFunction(t *testing.T) {
	m := ir.NewModule("host")
	ir.Declare(m, "seven", ir.I64)
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Bin(ir.OpMul, b.Call("seven", ir.I64), b.Const(ir.I64, 6)))

	got, err := run(t, m, vm.WithHost("seven", func([]uint64) (uint64, error) { return 7, nil }))
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	if _, err := run(t, m); err == nil {
		t.Fatal("expected unknown function error without a host binding")
	}
}

func TestNarrowArithmeticWraps(t *testing.T) {
	m := ir.NewModule("wrap")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	x := b.Bin(ir.OpAdd, b.Const(ir.I8, 127), b.Const(ir.I8, 1))
	b.Ret(b.Cast(ir.CastSExt, x, ir.I64))

	got, err := run(t, m)
	if err != nil {
		t.Fatal(err)
	}
	if got != -128 {
		t.Fatalf("got %d, want -128", got)
	}
}
