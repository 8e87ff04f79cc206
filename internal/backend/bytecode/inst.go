package bytecode

import (
	"fmt"
	"strings"

	"kiln/internal/ir"
)

// NoReg marks an absent register operand.
const NoReg int32 = -1

// Opcode is the first byte of an encoded instruction.
type Opcode byte

const (
	OpConst  Opcode = 0x01
	OpMove   Opcode = 0x02
	OpLoad   Opcode = 0x03
	OpStore  Opcode = 0x04
	OpAlloca Opcode = 0x05
	OpGEP    Opcode = 0x06
	OpGlobal Opcode = 0x07
	OpCall   Opcode = 0x08

	// opBinary+BinOp encodes each binary operation.
	opBinary Opcode = 0x10
	// opCast+CastOp encodes each conversion.
	opCast Opcode = 0x40

	OpJmp    Opcode = 0x60
	OpBr     Opcode = 0x61
	OpSwitch Opcode = 0x62
	OpRet    Opcode = 0x63
	OpTrap   Opcode = 0x64
)

// BinaryOp returns the opcode of an IR binary operation.
func BinaryOp(op ir.BinOp) Opcode { return opBinary + Opcode(op) }

// CastOpcode returns the opcode of an IR conversion.
func CastOpcode(op ir.CastOp) Opcode { return opCast + Opcode(op) }

// Binary reports the IR operation of a binary opcode.
func (op Opcode) Binary() (ir.BinOp, bool) {
	if op < opBinary || op > opBinary+Opcode(ir.OpSMax) {
		return 0, false
	}
	return ir.BinOp(op - opBinary), true
}

// Cast reports the IR conversion of a cast opcode.
func (op Opcode) Cast() (ir.CastOp, bool) {
	if op < opCast || op > opCast+Opcode(ir.CastFPTrunc) {
		return 0, false
	}
	return ir.CastOp(op - opCast), true
}

func (op Opcode) IsTerminator() bool {
	switch op {
	case OpJmp, OpBr, OpSwitch, OpRet, OpTrap:
		return true
	}
	return false
}

func (op Opcode) String() string {
	if info, ok := opInfos[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// format selects which operands follow the opcode and type bytes.
type format uint8

const (
	fmtNone   format = iota
	fmtConst         // dst, imm
	fmtUnary         // dst, a
	fmtBinary        // dst, a, b
	fmtCast          // from type, dst, a
	fmtStore         // a (addr), b (value)
	fmtAlloca        // dst, imm (bytes)
	fmtGEP           // dst, a (base), b (index or NoReg), imm (scale), imm2 (offset)
	fmtGlobal        // dst, imm (data offset)
	fmtCall          // dst or NoReg, a (func index), nargs, args
	fmtJump          // a (pc)
	fmtBranch        // a (cond), b (then pc), c (else pc)
	fmtSwitch        // a (value), b (default pc), ncases, (imm, pc)...
	fmtRet           // a or NoReg
)

type opInfo struct {
	name   string
	format format
}

var opInfos = map[Opcode]opInfo{
	OpConst:  {"const", fmtConst},
	OpMove:   {"move", fmtUnary},
	OpLoad:   {"load", fmtUnary},
	OpStore:  {"store", fmtStore},
	OpAlloca: {"alloca", fmtAlloca},
	OpGEP:    {"gep", fmtGEP},
	OpGlobal: {"global", fmtGlobal},
	OpCall:   {"call", fmtCall},
	OpJmp:    {"jmp", fmtJump},
	OpBr:     {"br", fmtBranch},
	OpSwitch: {"switch", fmtSwitch},
	OpRet:    {"ret", fmtRet},
	OpTrap:   {"trap", fmtNone},
}

func init() {
	for op := ir.OpAdd; op <= ir.OpSMax; op++ {
		opInfos[BinaryOp(op)] = opInfo{op.String(), fmtBinary}
	}
	for op := ir.CastSExt; op <= ir.CastFPTrunc; op++ {
		opInfos[CastOpcode(op)] = opInfo{op.String(), fmtCast}
	}
}

// Inst is one decoded instruction. Fields not used by the opcode's format
// are zero, or NoReg for register slots.
type Inst struct {
	Op    Opcode
	Type  TypeCode // result type; operand type for binary ops and stores
	From  TypeCode // source type of casts
	Dst   int32
	A, B  int32
	C     int32
	Imm   int64
	Imm2  int64
	Args  []int32 // call arguments or switch targets
	Cases []int64 // switch values
}

func (in Inst) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	if in.Type != TypeVoid {
		fmt.Fprintf(&sb, ".%s", in.Type)
	}
	r := func(x int32) string {
		if x == NoReg {
			return "_"
		}
		return fmt.Sprintf("r%d", x)
	}
	switch opInfos[in.Op].format {
	case fmtConst:
		fmt.Fprintf(&sb, " %s, %d", r(in.Dst), in.Imm)
	case fmtUnary:
		fmt.Fprintf(&sb, " %s, %s", r(in.Dst), r(in.A))
	case fmtBinary:
		fmt.Fprintf(&sb, " %s, %s, %s", r(in.Dst), r(in.A), r(in.B))
	case fmtCast:
		fmt.Fprintf(&sb, " %s, %s.%s", r(in.Dst), r(in.A), in.From)
	case fmtStore:
		fmt.Fprintf(&sb, " [%s], %s", r(in.A), r(in.B))
	case fmtAlloca, fmtGlobal:
		fmt.Fprintf(&sb, " %s, %d", r(in.Dst), in.Imm)
	case fmtGEP:
		fmt.Fprintf(&sb, " %s, %s + %s*%d + %d", r(in.Dst), r(in.A), r(in.B), in.Imm, in.Imm2)
	case fmtCall:
		args := make([]string, len(in.Args))
		for i, a := range in.Args {
			args[i] = r(a)
		}
		fmt.Fprintf(&sb, " %s, #%d(%s)", r(in.Dst), in.A, strings.Join(args, ", "))
	case fmtJump:
		fmt.Fprintf(&sb, " @%d", in.A)
	case fmtBranch:
		fmt.Fprintf(&sb, " %s, @%d, @%d", r(in.A), in.B, in.C)
	case fmtSwitch:
		fmt.Fprintf(&sb, " %s, default @%d", r(in.A), in.B)
		for i, v := range in.Cases {
			fmt.Fprintf(&sb, ", %d: @%d", v, in.Args[i])
		}
	case fmtRet:
		if in.A != NoReg {
			fmt.Fprintf(&sb, " %s", r(in.A))
		}
	}
	return sb.String()
}
