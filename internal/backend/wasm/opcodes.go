package wasm

import (
	"kiln/internal/diag"
	"kiln/internal/ir"
)

const blockTypeVoid = 0x40

const (
	opcodeUnreachable = 0x00
	opcodeLoop        = 0x03
	opcodeIf          = 0x04
	opcodeElse        = 0x05
	opcodeEnd         = 0x0b
	opcodeBr          = 0x0c
	opcodeReturn      = 0x0f
	opcodeCall        = 0x10
	opcodeDrop        = 0x1a
	opcodeSelect      = 0x1b
	opcodeLocalGet    = 0x20
	opcodeLocalSet    = 0x21
	opcodeLocalTee    = 0x22
	opcodeGlobalGet   = 0x23
	opcodeGlobalSet   = 0x24

	opcodeI32Load    = 0x28
	opcodeI64Load    = 0x29
	opcodeF32Load    = 0x2a
	opcodeF64Load    = 0x2b
	opcodeI32Load8S  = 0x2c
	opcodeI32Load8U  = 0x2d
	opcodeI32Load16S = 0x2e
	opcodeI32Store   = 0x36
	opcodeI64Store   = 0x37
	opcodeF32Store   = 0x38
	opcodeF64Store   = 0x39
	opcodeI32Store8  = 0x3a
	opcodeI32Store16 = 0x3b

	opcodeI32Const = 0x41
	opcodeI64Const = 0x42
	opcodeF32Const = 0x43
	opcodeF64Const = 0x44

	opcodeI32Eq   = 0x46
	opcodeI32Ne   = 0x47
	opcodeI64Ne   = 0x52
	opcodeI32Sub  = 0x6b
	opcodeI32Mul  = 0x6c
	opcodeI32Add  = 0x6a
	opcodeI32And  = 0x71
	opcodeI32Shl  = 0x74
	opcodeI32ShrS = 0x75
	opcodeI64Eq   = 0x51
	opcodeI64Sub  = 0x7d
	opcodeI64And  = 0x83
	opcodeI64Shl  = 0x86
	opcodeI64ShrS = 0x87

	opcodeI32WrapI64    = 0xa7
	opcodeI64ExtendI32S = 0xac
	opcodeI64ExtendI32U = 0xad
	opcodeF32DemoteF64  = 0xb6
	opcodeF64PromoteF32 = 0xbb

	opcodeMiscPrefix = 0xfc
)

// Integer opcodes indexed by operand width: {i32, i64}.
var intOps = map[ir.BinOp][2]byte{
	ir.OpAdd:  {0x6a, 0x7c},
	ir.OpSub:  {0x6b, 0x7d},
	ir.OpMul:  {0x6c, 0x7e},
	ir.OpSDiv: {0x6d, 0x7f},
	ir.OpUDiv: {0x6e, 0x80},
	ir.OpSRem: {0x6f, 0x81},
	ir.OpURem: {0x70, 0x82},
	ir.OpAnd:  {0x71, 0x83},
	ir.OpOr:   {0x72, 0x84},
	ir.OpXor:  {0x73, 0x85},
	ir.OpShl:  {0x74, 0x86},
	ir.OpAShr: {0x75, 0x87},
	ir.OpLShr: {0x76, 0x88},
	ir.OpEq:   {0x46, 0x51},
	ir.OpNe:   {0x47, 0x52},
	ir.OpSLt:  {0x48, 0x53},
	ir.OpULt:  {0x49, 0x54},
	ir.OpSGt:  {0x4a, 0x55},
	ir.OpUGt:  {0x4b, 0x56},
	ir.OpSLe:  {0x4c, 0x57},
	ir.OpULe:  {0x4d, 0x58},
	ir.OpSGe:  {0x4e, 0x59},
	ir.OpUGe:  {0x4f, 0x5a},
}

// Float opcodes indexed by operand width: {f32, f64}.
var floatOps = map[ir.BinOp][2]byte{
	ir.OpEq:   {0x5b, 0x61},
	ir.OpNe:   {0x5c, 0x62},
	ir.OpSLt:  {0x5d, 0x63},
	ir.OpSGt:  {0x5e, 0x64},
	ir.OpSLe:  {0x5f, 0x65},
	ir.OpSGe:  {0x60, 0x66},
	ir.OpAdd:  {0x92, 0xa0},
	ir.OpSub:  {0x93, 0xa1},
	ir.OpMul:  {0x94, 0xa2},
	ir.OpSDiv: {0x95, 0xa3},
	ir.OpSMin: {0x96, 0xa4},
	ir.OpSMax: {0x97, 0xa5},
}

// unsignedOps read their operands zero-extended.
func unsignedOp(op ir.BinOp) bool {
	switch op {
	case ir.OpUDiv, ir.OpURem, ir.OpLShr, ir.OpULt, ir.OpULe, ir.OpUGt, ir.OpUGe:
		return true
	}
	return false
}

func pick(ops [2]byte, wide bool) byte {
	if wide {
		return ops[1]
	}
	return ops[0]
}

// convertOp returns int-to-float conversions: {from i32, from i64} x {to f32, to f64}.
func convertOp(fromWide bool, to ValType) byte {
	switch {
	case !fromWide && to == valTypeF32:
		return 0xb2
	case fromWide && to == valTypeF32:
		return 0xb4
	case !fromWide:
		return 0xb7
	}
	return 0xb9
}

// truncSatOp is the saturating float-to-int conversion sub-opcode.
func truncSatOp(from, to ValType) uint32 {
	switch {
	case to == valTypeI32 && from == valTypeF32:
		return 0x00
	case to == valTypeI32:
		return 0x02
	case from == valTypeF32:
		return 0x04
	}
	return 0x06
}

type memOp struct {
	load, store byte
	wideFromPtr bool // pointer slots are 8 bytes wide
}

// memOpFor picks the load and store opcodes for a scalar of type t.
func memOpFor(l ir.Layout, t ir.Type) (memOp, error) {
	t = l.Resolve(t)
	switch t.Kind {
	case ir.TypeInt:
		switch t.Bits {
		case 1:
			return memOp{load: opcodeI32Load8U, store: opcodeI32Store8}, nil
		case 8:
			return memOp{load: opcodeI32Load8S, store: opcodeI32Store8}, nil
		case 16:
			return memOp{load: opcodeI32Load16S, store: opcodeI32Store16}, nil
		case 32:
			return memOp{load: opcodeI32Load, store: opcodeI32Store}, nil
		case 64:
			return memOp{load: opcodeI64Load, store: opcodeI64Store}, nil
		}
		return memOp{}, diag.Unimplemented(diag.UnsupIntWidth, "i%d in memory", t.Bits)
	case ir.TypeFloat:
		if t.Bits == 32 {
			return memOp{load: opcodeF32Load, store: opcodeF32Store}, nil
		}
		return memOp{load: opcodeF64Load, store: opcodeF64Store}, nil
	case ir.TypePtr, ir.TypeFunc:
		if l.PtrSize == 8 {
			return memOp{load: opcodeI64Load, store: opcodeI64Store, wideFromPtr: true}, nil
		}
		return memOp{load: opcodeI32Load, store: opcodeI32Store}, nil
	}
	return memOp{}, diag.Unimplemented(diag.UnsupType, "load or store of %s", t)
}
