package bytecode

import (
	"fmt"

	"kiln/internal/ir"
)

// Magic starts every bytecode module.
const Magic = "KBC1"

// Version is the format revision written after the magic.
const Version = 1

// TypeCode is the one-byte encoding of a scalar type: the bit width for
// integers, 0x80|width for floats, 0x40 for pointers and 0 for void.
type TypeCode byte

const (
	TypeVoid  TypeCode = 0
	TypePtr   TypeCode = 0x40
	typeFloat TypeCode = 0x80
)

func (t TypeCode) IsFloat() bool { return t&typeFloat != 0 }
func (t TypeCode) IsPtr() bool   { return t == TypePtr }
func (t TypeCode) IsInt() bool   { return t != TypeVoid && t&(typeFloat|TypePtr) == 0 }

// Bits is the width of the value, 64 for pointers.
func (t TypeCode) Bits() uint8 {
	switch {
	case t.IsPtr():
		return 64
	case t.IsFloat():
		return uint8(t &^ typeFloat)
	}
	return uint8(t)
}

// Size is the number of bytes a load or store of t moves.
func (t TypeCode) Size() int {
	if t.IsPtr() {
		return 8
	}
	return max(int(t.Bits())/8, 1)
}

func (t TypeCode) String() string {
	switch {
	case t == TypeVoid:
		return "void"
	case t.IsPtr():
		return "ptr"
	case t.IsFloat():
		return fmt.Sprintf("f%d", t.Bits())
	}
	return fmt.Sprintf("i%d", t.Bits())
}

// typeCode maps a scalar IR type onto its code.
func typeCode(l ir.Layout, t ir.Type) (TypeCode, bool) {
	t = l.Resolve(t)
	switch t.Kind {
	case ir.TypeVoid:
		return TypeVoid, true
	case ir.TypeInt:
		if t.Bits == 0 || t.Bits > 64 {
			return 0, false
		}
		return TypeCode(t.Bits), true
	case ir.TypeFloat:
		return typeFloat | TypeCode(t.Bits), true
	case ir.TypePtr, ir.TypeFunc:
		return TypePtr, true
	}
	return 0, false
}

// Module is a decoded bytecode module.
type Module struct {
	Name     string
	DataSize int32
	Imports  []Import
	Funcs    []Func
	Data     []DataItem
	Entry    int32 // function index of main, -1 when absent
}

// Sig is a function signature.
type Sig struct {
	Params []TypeCode
	Result TypeCode
}

// Import is a function the host provides. Imports take the first
// function indices.
type Import struct {
	Name string
	Sig  Sig
}

// Func is a defined function. Registers 0..len(Params)-1 hold the
// arguments on entry.
type Func struct {
	Name     string
	Exported bool
	Sig      Sig
	NRegs    int32
	Code     []Inst
}

// DataItem initialises module data at Offset.
type DataItem struct {
	Offset int32
	Bytes  []byte
}

// FuncIndex returns the call index of name.
func (m *Module) FuncIndex(name string) (int32, bool) {
	for i, imp := range m.Imports {
		if imp.Name == name {
			return int32(i), true
		}
	}
	for i, f := range m.Funcs {
		if f.Name == name {
			return int32(len(m.Imports) + i), true
		}
	}
	return -1, false
}

// Validate checks register, jump and call references of every function.
func (m *Module) Validate() error {
	nfuncs := int32(len(m.Imports) + len(m.Funcs))
	for _, f := range m.Funcs {
		if int32(len(f.Sig.Params)) > f.NRegs {
			return fmt.Errorf("%s: %d params exceed %d registers", f.Name, len(f.Sig.Params), f.NRegs)
		}
		ncode := int32(len(f.Code))
		if ncode == 0 {
			return fmt.Errorf("%s: empty body", f.Name)
		}
		for pc, in := range f.Code {
			info, ok := opInfos[in.Op]
			if !ok {
				return fmt.Errorf("%s+%d: unknown opcode 0x%02x", f.Name, pc, byte(in.Op))
			}
			reg := func(r int32, optional bool) error {
				if r == NoReg && optional {
					return nil
				}
				if r < 0 || r >= f.NRegs {
					return fmt.Errorf("%s+%d: %s register %d out of range", f.Name, pc, info.name, r)
				}
				return nil
			}
			target := func(t int32) error {
				if t < 0 || t >= ncode {
					return fmt.Errorf("%s+%d: %s target %d out of range", f.Name, pc, info.name, t)
				}
				return nil
			}
			var err error
			switch info.format {
			case fmtConst, fmtAlloca, fmtGlobal:
				err = reg(in.Dst, false)
			case fmtUnary, fmtCast:
				err = firstErr(reg(in.Dst, false), reg(in.A, false))
			case fmtBinary:
				err = firstErr(reg(in.Dst, false), reg(in.A, false), reg(in.B, false))
			case fmtStore:
				err = firstErr(reg(in.A, false), reg(in.B, false))
			case fmtGEP:
				err = firstErr(reg(in.Dst, false), reg(in.A, false), reg(in.B, true))
			case fmtCall:
				err = reg(in.Dst, true)
				if err == nil && (in.A < 0 || in.A >= nfuncs) {
					err = fmt.Errorf("%s+%d: call index %d out of range", f.Name, pc, in.A)
				}
				for _, a := range in.Args {
					if err == nil {
						err = reg(a, false)
					}
				}
			case fmtJump:
				err = target(in.A)
			case fmtBranch:
				err = firstErr(reg(in.A, false), target(in.B), target(in.C))
			case fmtSwitch:
				err = firstErr(reg(in.A, false), target(in.B))
				for _, t := range in.Args {
					if err == nil {
						err = target(t)
					}
				}
			case fmtRet:
				err = reg(in.A, true)
			}
			if err != nil {
				return err
			}
		}
		if last := f.Code[ncode-1].Op; !last.IsTerminator() {
			return fmt.Errorf("%s: falls off the end after %s", f.Name, opInfos[last].name)
		}
	}
	if m.Entry != NoReg && (m.Entry < int32(len(m.Imports)) || m.Entry >= nfuncs) {
		return fmt.Errorf("entry %d is not a defined function", m.Entry)
	}
	for _, d := range m.Data {
		if d.Offset < 0 || int64(d.Offset)+int64(len(d.Bytes)) > int64(m.DataSize) {
			return fmt.Errorf("data item at %d overflows %d bytes", d.Offset, m.DataSize)
		}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
