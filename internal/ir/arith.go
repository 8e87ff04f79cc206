package ir

import "math"

// Integer values are carried as int64 holding the sign-extended bit pattern
// of their width. Arithmetic wraps (two's complement) at the width. Signed
// division truncates toward zero; MinInt / -1 wraps to MinInt and
// MinInt % -1 is 0. A zero divisor is reported as a trap, never folded.

// Wrap truncates v to bits and sign-extends the result.
func Wrap(bits uint8, v int64) int64 {
	if bits == 0 || bits >= 64 {
		return v
	}
	if bits == 1 {
		return v & 1
	}
	shift := 64 - uint(bits)
	return (v << shift) >> shift
}

// Unsigned returns the zero-extended bit pattern of v at bits.
func Unsigned(bits uint8, v int64) uint64 {
	if bits == 0 || bits >= 64 {
		return uint64(v)
	}
	return uint64(v) & (uint64(1)<<bits - 1)
}

// EvalInt evaluates op on integers of the given width. ok is false when the
// operation traps (zero divisor).
func EvalInt(op BinOp, bits uint8, x, y int64) (r int64, ok bool) {
	x, y = Wrap(bits, x), Wrap(bits, y)
	ux, uy := Unsigned(bits, x), Unsigned(bits, y)
	width := uint64(bits)
	if bits == 0 {
		width = 64
	}
	b2i := func(c bool) int64 {
		if c {
			return 1
		}
		return 0
	}
	switch op {
	case OpAdd:
		return Wrap(bits, x+y), true
	case OpSub:
		return Wrap(bits, x-y), true
	case OpMul:
		return Wrap(bits, x*y), true
	case OpSDiv:
		if y == 0 {
			return 0, false
		}
		if y == -1 {
			return Wrap(bits, -x), true
		}
		return Wrap(bits, x/y), true
	case OpUDiv:
		if uy == 0 {
			return 0, false
		}
		return Wrap(bits, int64(ux/uy)), true
	case OpSRem:
		if y == 0 {
			return 0, false
		}
		if y == -1 {
			return 0, true
		}
		return Wrap(bits, x%y), true
	case OpURem:
		if uy == 0 {
			return 0, false
		}
		return Wrap(bits, int64(ux%uy)), true
	case OpAnd:
		return Wrap(bits, x&y), true
	case OpOr:
		return Wrap(bits, x|y), true
	case OpXor:
		return Wrap(bits, x^y), true
	case OpShl:
		return Wrap(bits, int64(ux<<(uy%width))), true
	case OpLShr:
		return Wrap(bits, int64(ux>>(uy%width))), true
	case OpAShr:
		return Wrap(bits, x>>(uy%width)), true
	case OpEq:
		return b2i(x == y), true
	case OpNe:
		return b2i(x != y), true
	case OpSLt:
		return b2i(x < y), true
	case OpSLe:
		return b2i(x <= y), true
	case OpSGt:
		return b2i(x > y), true
	case OpSGe:
		return b2i(x >= y), true
	case OpULt:
		return b2i(ux < uy), true
	case OpULe:
		return b2i(ux <= uy), true
	case OpUGt:
		return b2i(ux > uy), true
	case OpUGe:
		return b2i(ux >= uy), true
	case OpSMin:
		return min(x, y), true
	case OpSMax:
		return max(x, y), true
	}
	return 0, false
}

// EvalFloat evaluates op on floats. Compares yield 0/1 in r; ok is false for
// operators that have no float meaning.
func EvalFloat(op BinOp, bits uint8, x, y float64) (r float64, cmp int64, ok bool) {
	round := func(v float64) float64 {
		if bits == 32 {
			return float64(float32(v))
		}
		return v
	}
	b2i := func(c bool) int64 {
		if c {
			return 1
		}
		return 0
	}
	switch op {
	case OpAdd:
		return round(x + y), 0, true
	case OpSub:
		return round(x - y), 0, true
	case OpMul:
		return round(x * y), 0, true
	case OpSDiv:
		return round(x / y), 0, true
	case OpSMin:
		return math.Min(x, y), 0, true
	case OpSMax:
		return math.Max(x, y), 0, true
	case OpEq:
		return 0, b2i(x == y), true
	case OpNe:
		return 0, b2i(x != y), true
	case OpSLt:
		return 0, b2i(x < y), true
	case OpSLe:
		return 0, b2i(x <= y), true
	case OpSGt:
		return 0, b2i(x > y), true
	case OpSGe:
		return 0, b2i(x >= y), true
	}
	return 0, 0, false
}

// EvalCast converts an integer value between widths.
func EvalCast(op CastOp, from, to uint8, x int64) int64 {
	switch op {
	case CastSExt:
		return Wrap(to, Wrap(from, x))
	case CastZExt:
		return Wrap(to, int64(Unsigned(from, x)))
	case CastTrunc:
		return Wrap(to, x)
	}
	return x
}
