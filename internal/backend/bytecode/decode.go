package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Decode parses a KBC1 module. It is the inverse of Encode.
func Decode(data []byte) (*Module, error) {
	r := &reader{data: data}
	magic, err := r.readBytes(len(Magic))
	if err != nil {
		return nil, fmt.Errorf("magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	version, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported version %d", version)
	}

	m := &Module{}
	if m.DataSize, err = r.operand(); err != nil {
		return nil, fmt.Errorf("data size: %w", err)
	}
	nimports, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("import count: %w", err)
	}
	nfuncs, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("func count: %w", err)
	}
	ndata, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("data count: %w", err)
	}
	if m.Entry, err = r.operand(); err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}
	if m.Name, err = r.readString(); err != nil {
		return nil, fmt.Errorf("module name: %w", err)
	}

	m.Imports = make([]Import, nimports)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Name, err = r.readString(); err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		if imp.Sig, err = r.readSig(); err != nil {
			return nil, fmt.Errorf("import %s: %w", imp.Name, err)
		}
	}

	m.Funcs = make([]Func, nfuncs)
	for i := range m.Funcs {
		if err := r.readFunc(&m.Funcs[i]); err != nil {
			return nil, fmt.Errorf("func %d: %w", i, err)
		}
	}

	m.Data = make([]DataItem, ndata)
	for i := range m.Data {
		d := &m.Data[i]
		if d.Offset, err = r.operand(); err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		n, err := r.count()
		if err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		if d.Bytes, err = r.readBytes(n); err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
	}
	if r.remaining() > 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.remaining())
	}
	return m, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected EOF at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected EOF: need %d bytes at offset %d", n, r.pos)
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

// operand decodes a variable-length signed integer.
func (r *reader) operand() (int32, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch c & 0xC0 {
	case 0x00:
		return int32(c), nil
	case 0x40:
		return int32(c) | ^int32(0x7F), nil
	case 0x80:
		c2, err := r.readByte()
		if err != nil {
			return 0, err
		}
		v := int32(c)
		if c&0x20 != 0 {
			v |= ^int32(0x3F)
		} else {
			v &= 0x3F
		}
		return v<<8 | int32(c2), nil
	}
	rest, err := r.readBytes(3)
	if err != nil {
		return 0, err
	}
	v := int32(c)
	if c&0x20 != 0 {
		v |= ^int32(0x3F)
	} else {
		v &= 0x3F
	}
	return v<<24 | int32(rest[0])<<16 | int32(rest[1])<<8 | int32(rest[2]), nil
}

// count decodes a non-negative operand bounded by the remaining input.
func (r *reader) count() (int, error) {
	n, err := r.operand()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > r.remaining() {
		return 0, fmt.Errorf("count %d at offset %d exceeds input", n, r.pos)
	}
	return int(n), nil
}

func (r *reader) long() (int64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// readString reads a null-terminated string.
func (r *reader) readString() (string, error) {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", fmt.Errorf("unterminated string at offset %d", start)
}

func (r *reader) readSig() (Sig, error) {
	n, err := r.count()
	if err != nil {
		return Sig{}, err
	}
	raw, err := r.readBytes(n + 1)
	if err != nil {
		return Sig{}, err
	}
	s := Sig{Params: make([]TypeCode, n), Result: TypeCode(raw[n])}
	for i := range n {
		s.Params[i] = TypeCode(raw[i])
	}
	return s, nil
}

func (r *reader) readFunc(f *Func) error {
	var err error
	if f.Name, err = r.readString(); err != nil {
		return err
	}
	flags, err := r.operand()
	if err != nil {
		return fmt.Errorf("%s flags: %w", f.Name, err)
	}
	f.Exported = flags&1 != 0
	if f.Sig, err = r.readSig(); err != nil {
		return fmt.Errorf("%s signature: %w", f.Name, err)
	}
	if f.NRegs, err = r.operand(); err != nil {
		return fmt.Errorf("%s registers: %w", f.Name, err)
	}
	n, err := r.count()
	if err != nil {
		return fmt.Errorf("%s code size: %w", f.Name, err)
	}
	f.Code = make([]Inst, n)
	for pc := range f.Code {
		if f.Code[pc], err = r.readInst(); err != nil {
			return fmt.Errorf("%s+%d: %w", f.Name, pc, err)
		}
	}
	return nil
}

func (r *reader) readInst() (Inst, error) {
	in := Inst{Dst: NoReg, A: NoReg, B: NoReg, C: NoReg}
	op, err := r.readByte()
	if err != nil {
		return in, err
	}
	in.Op = Opcode(op)
	info, ok := opInfos[in.Op]
	if !ok {
		return in, fmt.Errorf("unknown opcode 0x%02x", op)
	}
	t, err := r.readByte()
	if err != nil {
		return in, err
	}
	in.Type = TypeCode(t)

	regs := func(dsts ...*int32) error {
		for _, d := range dsts {
			v, err := r.operand()
			if err != nil {
				return err
			}
			*d = v
		}
		return nil
	}
	longs := func(dsts ...*int64) error {
		for _, d := range dsts {
			v, err := r.long()
			if err != nil {
				return err
			}
			*d = v
		}
		return nil
	}

	switch info.format {
	case fmtConst, fmtAlloca, fmtGlobal:
		if err = regs(&in.Dst); err == nil {
			err = longs(&in.Imm)
		}
	case fmtUnary:
		err = regs(&in.Dst, &in.A)
	case fmtBinary:
		err = regs(&in.Dst, &in.A, &in.B)
	case fmtCast:
		var from byte
		if from, err = r.readByte(); err == nil {
			in.From = TypeCode(from)
			err = regs(&in.Dst, &in.A)
		}
	case fmtStore:
		err = regs(&in.A, &in.B)
	case fmtGEP:
		if err = regs(&in.Dst, &in.A, &in.B); err == nil {
			err = longs(&in.Imm, &in.Imm2)
		}
	case fmtCall:
		if err = regs(&in.Dst, &in.A); err != nil {
			break
		}
		var n int
		if n, err = r.count(); err != nil {
			break
		}
		in.Args = make([]int32, n)
		for i := range in.Args {
			if err = regs(&in.Args[i]); err != nil {
				break
			}
		}
	case fmtJump, fmtRet:
		err = regs(&in.A)
	case fmtBranch:
		err = regs(&in.A, &in.B, &in.C)
	case fmtSwitch:
		if err = regs(&in.A, &in.B); err != nil {
			break
		}
		var n int
		if n, err = r.count(); err != nil {
			break
		}
		in.Cases = make([]int64, n)
		in.Args = make([]int32, n)
		for i := 0; i < n && err == nil; i++ {
			if err = longs(&in.Cases[i]); err == nil {
				err = regs(&in.Args[i])
			}
		}
	}
	if err != nil {
		return in, fmt.Errorf("%s: %w", info.name, err)
	}
	return in, nil
}
