package vm

import (
	"math"

	"kiln/internal/ir"
)

// normalize keeps integer values sign-extended at their width.
func normalize(t ir.Type, v uint64) uint64 {
	if t.IsInt() {
		return uint64(ir.Wrap(t.Bits, int64(v)))
	}
	return v
}

func loadAs(t ir.Type, raw uint64) uint64 {
	switch {
	case t.IsInt():
		return uint64(ir.Wrap(t.Bits, int64(raw)))
	case t.IsFloat() && t.Bits == 32:
		return math.Float64bits(float64(math.Float32frombits(uint32(raw))))
	}
	return raw
}

func roundFloat(t ir.Type, f float64) float64 {
	if t.Bits == 32 {
		return float64(float32(f))
	}
	return f
}

func (vm *VM) operandType(fr *frame, id ir.ValueID) ir.Type {
	types, ok := vm.types[fr.fn]
	if !ok {
		types = fr.fn.ValueTypes()
		vm.types[fr.fn] = types
	}
	if t, ok := types[id]; ok {
		return t
	}
	return ir.I64
}

func (vm *VM) execBinary(fr *frame, in *ir.Instr) error {
	opType := in.Type
	if in.Binary.Op.IsCompare() {
		opType = vm.operandType(fr, in.Binary.X)
	}
	x, y := fr.values[in.Binary.X], fr.values[in.Binary.Y]
	if opType.IsFloat() {
		r, cmp, ok := ir.EvalFloat(in.Binary.Op, opType.Bits, math.Float64frombits(x), math.Float64frombits(y))
		if !ok {
			return vm.makeError(PanicUnimplemented, "float "+in.Binary.Op.String())
		}
		if in.Binary.Op.IsCompare() {
			fr.values[in.Dst] = uint64(cmp)
		} else {
			fr.values[in.Dst] = math.Float64bits(r)
		}
		return nil
	}
	bits := opType.Bits
	if opType.IsPtr() {
		bits = 64
	}
	r, ok := ir.EvalInt(in.Binary.Op, bits, int64(x), int64(y))
	if !ok {
		return vm.makeError(PanicDivideByZero, in.Binary.Op.String()+" by zero")
	}
	fr.values[in.Dst] = normalize(in.Type, uint64(r))
	return nil
}

func (vm *VM) execCast(fr *frame, in *ir.Instr) error {
	from := vm.operandType(fr, in.Cast.X)
	x := fr.values[in.Cast.X]
	switch in.Cast.Op {
	case ir.CastSExt, ir.CastZExt, ir.CastTrunc:
		fr.values[in.Dst] = uint64(ir.EvalCast(in.Cast.Op, from.Bits, in.Type.Bits, int64(x)))
	case ir.CastSIToFP:
		fr.values[in.Dst] = math.Float64bits(roundFloat(in.Type, float64(int64(x))))
	case ir.CastFPToSI:
		fr.values[in.Dst] = normalize(in.Type, uint64(int64(math.Float64frombits(x))))
	case ir.CastFPExt, ir.CastFPTrunc:
		fr.values[in.Dst] = math.Float64bits(roundFloat(in.Type, math.Float64frombits(x)))
	default:
		return vm.makeError(PanicUnimplemented, "cast "+in.Cast.Op.String())
	}
	return nil
}
