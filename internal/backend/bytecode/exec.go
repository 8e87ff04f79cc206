package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"kiln/internal/ir"
)

// Addresses below dataBase are never valid, so a zero pointer faults.
const (
	dataBase     = 16
	defaultStack = 1 << 20
	defaultSteps = 1 << 26
	maxDepth     = 1 << 12
)

// ErrTrap reports a trapping instruction: division by zero, an
// unreachable block or an out-of-bounds access.
var ErrTrap = errors.New("trap")

// HostFunc implements an imported function.
type HostFunc func(args []uint64) (uint64, error)

// Machine executes a module. Registers hold integers sign-extended at
// their width and floats as float64 bits. Not safe for concurrent use.
type Machine struct {
	mod   *Module
	host  map[string]HostFunc
	mem   []byte
	sp    int64
	steps int64
	depth int
}

// NewMachine loads m's data image and reserves the stack.
func NewMachine(m *Module, host map[string]HostFunc) (*Machine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	size := int64(dataBase) + int64(m.DataSize)
	size = (size+15)/16*16 + defaultStack
	mc := &Machine{mod: m, host: host, mem: make([]byte, size), sp: size}
	for _, d := range m.Data {
		copy(mc.mem[dataBase+int(d.Offset):], d.Bytes)
	}
	for _, imp := range m.Imports {
		if _, ok := host[imp.Name]; !ok {
			return nil, fmt.Errorf("no host function for import %s", imp.Name)
		}
	}
	return mc, nil
}

// Call runs the named function with integer arguments.
func (mc *Machine) Call(name string, args ...int64) (int64, error) {
	idx, ok := mc.mod.FuncIndex(name)
	if !ok {
		return 0, fmt.Errorf("unknown function %s", name)
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = uint64(a)
	}
	r, err := mc.call(idx, raw)
	return int64(r), err
}

// Steps returns the number of instructions executed so far.
func (mc *Machine) Steps() int64 { return mc.steps }

func (mc *Machine) call(idx int32, args []uint64) (uint64, error) {
	if int(idx) < len(mc.mod.Imports) {
		imp := mc.mod.Imports[idx]
		return mc.host[imp.Name](args)
	}
	f := &mc.mod.Funcs[int(idx)-len(mc.mod.Imports)]
	if len(args) != len(f.Sig.Params) {
		return 0, fmt.Errorf("%s: got %d arguments, want %d", f.Name, len(args), len(f.Sig.Params))
	}
	if mc.depth >= maxDepth {
		return 0, fmt.Errorf("%s: call depth exceeds %d", f.Name, maxDepth)
	}
	mc.depth++
	sp := mc.sp
	defer func() {
		mc.depth--
		mc.sp = sp
	}()

	regs := make([]uint64, f.NRegs)
	copy(regs, args)
	pc := int32(0)
	for {
		mc.steps++
		if mc.steps > defaultSteps {
			return 0, fmt.Errorf("%s: step limit exceeded", f.Name)
		}
		in := &f.Code[pc]
		pc++
		switch in.Op {
		case OpConst, OpGlobal:
			regs[in.Dst] = uint64(in.Imm)
			if in.Op == OpGlobal {
				regs[in.Dst] += dataBase
			}
		case OpMove:
			regs[in.Dst] = regs[in.A]
		case OpLoad:
			v, err := mc.load(in.Type, regs[in.A])
			if err != nil {
				return 0, fmt.Errorf("%s+%d: %w", f.Name, pc-1, err)
			}
			regs[in.Dst] = v
		case OpStore:
			if err := mc.store(in.Type, regs[in.A], regs[in.B]); err != nil {
				return 0, fmt.Errorf("%s+%d: %w", f.Name, pc-1, err)
			}
		case OpAlloca:
			mc.sp = (mc.sp - in.Imm) &^ 15
			if mc.sp < int64(dataBase)+int64(mc.mod.DataSize) {
				return 0, fmt.Errorf("%s: stack overflow", f.Name)
			}
			regs[in.Dst] = uint64(mc.sp)
		case OpGEP:
			addr := int64(regs[in.A]) + in.Imm2
			if in.B != NoReg {
				addr += int64(regs[in.B]) * in.Imm
			}
			regs[in.Dst] = uint64(addr)
		case OpCall:
			args := make([]uint64, len(in.Args))
			for i, a := range in.Args {
				args[i] = regs[a]
			}
			r, err := mc.call(in.A, args)
			if err != nil {
				return 0, err
			}
			if in.Dst != NoReg {
				regs[in.Dst] = r
			}
		case OpJmp:
			pc = in.A
		case OpBr:
			if regs[in.A] != 0 {
				pc = in.B
			} else {
				pc = in.C
			}
		case OpSwitch:
			pc = in.B
			v := int64(regs[in.A])
			for i, c := range in.Cases {
				if c == v {
					pc = in.Args[i]
					break
				}
			}
		case OpRet:
			if in.A == NoReg {
				return 0, nil
			}
			return regs[in.A], nil
		case OpTrap:
			return 0, fmt.Errorf("%s+%d: unreachable: %w", f.Name, pc-1, ErrTrap)
		default:
			if op, ok := in.Op.Binary(); ok {
				v, err := evalBinary(op, in.Type, regs[in.A], regs[in.B])
				if err != nil {
					return 0, fmt.Errorf("%s+%d: %w", f.Name, pc-1, err)
				}
				regs[in.Dst] = v
				continue
			}
			if op, ok := in.Op.Cast(); ok {
				regs[in.Dst] = evalCast(op, in.From, in.Type, regs[in.A])
				continue
			}
			return 0, fmt.Errorf("%s+%d: unknown opcode %s", f.Name, pc-1, in.Op)
		}
	}
}

func (mc *Machine) span(addr uint64, n int) ([]byte, error) {
	if addr < dataBase || addr+uint64(n) > uint64(len(mc.mem)) {
		return nil, fmt.Errorf("access of %d bytes at 0x%x: %w", n, addr, ErrTrap)
	}
	return mc.mem[addr : addr+uint64(n)], nil
}

func (mc *Machine) load(t TypeCode, addr uint64) (uint64, error) {
	b, err := mc.span(addr, t.Size())
	if err != nil {
		return 0, err
	}
	var raw uint64
	switch len(b) {
	case 1:
		raw = uint64(b[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(b))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(b))
	default:
		raw = binary.LittleEndian.Uint64(b)
	}
	switch {
	case t.IsFloat() && t.Bits() == 32:
		return math.Float64bits(float64(math.Float32frombits(uint32(raw)))), nil
	case t.IsInt():
		return uint64(ir.Wrap(t.Bits(), int64(raw))), nil
	}
	return raw, nil
}

func (mc *Machine) store(t TypeCode, addr, v uint64) error {
	b, err := mc.span(addr, t.Size())
	if err != nil {
		return err
	}
	if t.IsFloat() && t.Bits() == 32 {
		v = uint64(math.Float32bits(float32(math.Float64frombits(v))))
	}
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

func floatBits(t TypeCode, f float64) int64 {
	if t.Bits() == 32 {
		f = float64(float32(f))
	}
	return int64(math.Float64bits(f))
}

func evalBinary(op ir.BinOp, t TypeCode, x, y uint64) (uint64, error) {
	if t.IsFloat() {
		r, cmp, ok := ir.EvalFloat(op, t.Bits(), math.Float64frombits(x), math.Float64frombits(y))
		if !ok {
			return 0, fmt.Errorf("float %s", op)
		}
		if op.IsCompare() {
			return uint64(cmp), nil
		}
		return uint64(floatBits(t, r)), nil
	}
	r, ok := ir.EvalInt(op, t.Bits(), int64(x), int64(y))
	if !ok {
		return 0, fmt.Errorf("%s by zero: %w", op, ErrTrap)
	}
	return uint64(r), nil
}

func evalCast(op ir.CastOp, from, to TypeCode, x uint64) uint64 {
	switch op {
	case ir.CastSExt, ir.CastZExt, ir.CastTrunc:
		return uint64(ir.EvalCast(op, from.Bits(), to.Bits(), int64(x)))
	case ir.CastSIToFP:
		return uint64(floatBits(to, float64(int64(x))))
	case ir.CastFPToSI:
		return uint64(ir.Wrap(to.Bits(), int64(math.Float64frombits(x))))
	}
	return uint64(floatBits(to, math.Float64frombits(x)))
}
