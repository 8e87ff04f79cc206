package llvm

import (
	"math"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
)

// ptrType is the type every IR pointer lowers to; accesses bitcast it to
// the element pointer they need.
var ptrType = types.I8Ptr

func llvmType(layout ir.Layout, t ir.Type) (types.Type, error) {
	t = layout.Resolve(t)
	switch t.Kind {
	case ir.TypeVoid:
		return types.Void, nil
	case ir.TypeInt:
		if t.Bits == 0 {
			return nil, diag.Unimplemented(diag.UnsupIntWidth, "zero-width integer")
		}
		return types.NewInt(uint64(t.Bits)), nil
	case ir.TypeFloat:
		switch t.Bits {
		case 32:
			return types.Float, nil
		case 64:
			return types.Double, nil
		}
		return nil, diag.Unimplemented(diag.UnsupType, "f%d", t.Bits)
	case ir.TypePtr, ir.TypeFunc:
		return ptrType, nil
	case ir.TypeArray:
		if t.Elem == nil {
			return nil, diag.Unimplemented(diag.UnsupType, "array without element type")
		}
		elem, err := llvmType(layout, *t.Elem)
		if err != nil {
			return nil, err
		}
		return types.NewArray(uint64(max(t.Len, 0)), elem), nil
	case ir.TypeStruct:
		fields := make([]types.Type, 0, len(t.Fields))
		for _, f := range t.Fields {
			ft, err := llvmType(layout, f)
			if err != nil {
				return nil, err
			}
			fields = append(fields, ft)
		}
		return types.NewStruct(fields...), nil
	}
	return nil, diag.Unimplemented(diag.UnsupType, "type %s", t)
}

// scalarConst renders one Init element of a scalar type.
func scalarConst(t types.Type, raw int64) constant.Constant {
	switch t := t.(type) {
	case *types.IntType:
		return constant.NewInt(t, ir.Wrap(uint8(t.BitSize), raw))
	case *types.FloatType:
		if t.Kind == types.FloatKindFloat {
			return constant.NewFloat(t, float64(math.Float32frombits(uint32(raw))))
		}
		return constant.NewFloat(t, math.Float64frombits(uint64(raw)))
	}
	return constant.NewZeroInitializer(t)
}

// globalInit picks the initializer of g: typed constants for scalars and
// arrays of scalars, raw bytes for everything else.
func globalInit(sh *backend.Shared, g ir.Global) (constant.Constant, error) {
	layout := sh.Layout()
	t, err := llvmType(layout, g.Type)
	if err != nil {
		return nil, err
	}
	if len(g.Init) == 0 {
		return constant.NewZeroInitializer(t), nil
	}
	switch tt := t.(type) {
	case *types.IntType, *types.FloatType:
		return scalarConst(t, g.Init[0]), nil
	case *types.ArrayType:
		switch tt.ElemType.(type) {
		case *types.IntType, *types.FloatType:
			elems := make([]constant.Constant, tt.Len)
			for i := range elems {
				var raw int64
				if i < len(g.Init) {
					raw = g.Init[i]
				}
				elems[i] = scalarConst(tt.ElemType, raw)
			}
			return constant.NewArray(tt, elems...), nil
		}
	}
	return constant.NewCharArray(sh.InitBytes(g)), nil
}
