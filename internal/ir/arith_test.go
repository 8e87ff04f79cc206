package ir_test

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"kiln/internal/ir"
)

// TestEvalIntWrapsAtWidth pins the overflow model.
func TestEvalIntWrapsAtWidth(t *testing.T) {
	cases := []struct {
		name string
		op   ir.BinOp
		bits uint8
		x, y int64
		want int64
	}{
		{"i8 add wraps", ir.OpAdd, 8, 127, 1, -128},
		{"i32 mul wraps", ir.OpMul, 32, math.MaxInt32, 2, -2},
		{"i64 add wraps", ir.OpAdd, 64, math.MaxInt64, 1, math.MinInt64},
		{"sdiv min by -1", ir.OpSDiv, 64, math.MinInt64, -1, math.MinInt64},
		{"i32 sdiv min by -1", ir.OpSDiv, 32, math.MinInt32, -1, math.MinInt32},
		{"srem min by -1", ir.OpSRem, 64, math.MinInt64, -1, 0},
		{"sdiv truncates", ir.OpSDiv, 64, -7, 2, -3},
		{"udiv unsigned view", ir.OpUDiv, 8, -2, 2, 127},
		{"shift masked", ir.OpShl, 32, 1, 33, 2},
		{"lshr zero fills", ir.OpLShr, 8, -128, 7, 1},
		{"ult unsigned", ir.OpULt, 64, 1, -1, 1},
		{"slt signed", ir.OpSLt, 64, 1, -1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ir.EvalInt(tc.op, tc.bits, tc.x, tc.y)
			if !ok || got != tc.want {
				t.Fatalf("got %d ok=%v, want %d", got, ok, tc.want)
			}
		})
	}
}

// TestEvalIntZeroDivisorTraps checks every div/rem op refuses a zero divisor.
func TestEvalIntZeroDivisorTraps(t *testing.T) {
	for _, op := range []ir.BinOp{ir.OpSDiv, ir.OpUDiv, ir.OpSRem, ir.OpURem} {
		if _, ok := ir.EvalInt(op, 64, 10, 0); ok {
			t.Fatalf("%s by zero must trap", op)
		}
	}
}

// TestEvalIntMatchesNativeInt64 compares 64-bit results with Go's own
// wrapping arithmetic.
func TestEvalIntMatchesNativeInt64(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Int64().Draw(t, "x")
		y := rapid.Int64().Draw(t, "y")
		check := func(op ir.BinOp, want int64) {
			got, ok := ir.EvalInt(op, 64, x, y)
			if !ok || got != want {
				t.Fatalf("%s(%d, %d) = %d, want %d", op, x, y, got, want)
			}
		}
		check(ir.OpAdd, x+y)
		check(ir.OpSub, x-y)
		check(ir.OpMul, x*y)
		check(ir.OpXor, x^y)
		if y != 0 {
			check(ir.OpSDiv, x/y)
			check(ir.OpSRem, x%y)
			check(ir.OpUDiv, int64(uint64(x)/uint64(y)))
		}
	})
}

func TestWrapAndCast(t *testing.T) {
	if got := ir.Wrap(16, 0x18000); got != -32768 {
		t.Fatalf("Wrap(16) = %d", got)
	}
	if got := ir.EvalCast(ir.CastZExt, 8, 64, -1); got != 255 {
		t.Fatalf("zext = %d", got)
	}
	if got := ir.EvalCast(ir.CastSExt, 8, 64, 255); got != -1 {
		t.Fatalf("sext = %d", got)
	}
	if got := ir.EvalCast(ir.CastTrunc, 64, 8, 0x1ff); got != -1 {
		t.Fatalf("trunc = %d", got)
	}
}
