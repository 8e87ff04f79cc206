package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"fortio.org/safecast"
)

// Operands use a variable-length signed encoding:
//
//	[-64, 63]          1 byte  (bits 7-6 = 00 or 01)
//	[-8192, 8191]      2 bytes (bits 7-6 = 10)
//	[-2^29, 2^29 - 1]  4 bytes (bits 7-6 = 11)
//
// Immediates are 8-byte big-endian words.
const (
	operandMin = -(1 << 29)
	operandMax = 1<<29 - 1
)

type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) operand(v int64) {
	if v < operandMin || v > operandMax {
		if e.err == nil {
			e.err = fmt.Errorf("operand %d out of encodable range", v)
		}
		return
	}
	encodeOperand(&e.buf, int32(v))
}

func (e *encoder) count(n int) { e.operand(int64(n)) }

func (e *encoder) long(v int64) {
	e.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (e *encoder) str(s string) {
	e.buf.WriteString(s)
	e.buf.WriteByte(0)
}

func (e *encoder) sig(s Sig) {
	e.count(len(s.Params))
	for _, p := range s.Params {
		e.buf.WriteByte(byte(p))
	}
	e.buf.WriteByte(byte(s.Result))
}

func encodeOperand(buf *bytes.Buffer, val int32) {
	if val >= -64 && val <= 63 {
		buf.WriteByte(byte(val) &^ 0x80)
		return
	}
	if val >= -8192 && val <= 8191 {
		buf.WriteByte(byte(val>>8)&^0xC0 | 0x80)
		buf.WriteByte(byte(val))
		return
	}
	buf.WriteByte(byte(val>>24) | 0xC0)
	buf.WriteByte(byte(val >> 16))
	buf.WriteByte(byte(val >> 8))
	buf.WriteByte(byte(val))
}

func (e *encoder) inst(in Inst) {
	info, ok := opInfos[in.Op]
	if !ok {
		if e.err == nil {
			e.err = fmt.Errorf("unknown opcode 0x%02x", byte(in.Op))
		}
		return
	}
	e.buf.WriteByte(byte(in.Op))
	e.buf.WriteByte(byte(in.Type))
	switch info.format {
	case fmtConst, fmtAlloca, fmtGlobal:
		e.operand(int64(in.Dst))
		e.long(in.Imm)
	case fmtUnary:
		e.operand(int64(in.Dst))
		e.operand(int64(in.A))
	case fmtBinary:
		e.operand(int64(in.Dst))
		e.operand(int64(in.A))
		e.operand(int64(in.B))
	case fmtCast:
		e.buf.WriteByte(byte(in.From))
		e.operand(int64(in.Dst))
		e.operand(int64(in.A))
	case fmtStore:
		e.operand(int64(in.A))
		e.operand(int64(in.B))
	case fmtGEP:
		e.operand(int64(in.Dst))
		e.operand(int64(in.A))
		e.operand(int64(in.B))
		e.long(in.Imm)
		e.long(in.Imm2)
	case fmtCall:
		e.operand(int64(in.Dst))
		e.operand(int64(in.A))
		e.count(len(in.Args))
		for _, a := range in.Args {
			e.operand(int64(a))
		}
	case fmtJump, fmtRet:
		e.operand(int64(in.A))
	case fmtBranch:
		e.operand(int64(in.A))
		e.operand(int64(in.B))
		e.operand(int64(in.C))
	case fmtSwitch:
		if len(in.Cases) != len(in.Args) {
			e.err = fmt.Errorf("switch has %d values for %d targets", len(in.Cases), len(in.Args))
			return
		}
		e.operand(int64(in.A))
		e.operand(int64(in.B))
		e.count(len(in.Cases))
		for i, v := range in.Cases {
			e.long(v)
			e.operand(int64(in.Args[i]))
		}
	}
}

// fn writes one function record. Link concatenates these records after
// the module header.
func (e *encoder) fn(f *Func) {
	e.str(f.Name)
	flags := int64(0)
	if f.Exported {
		flags = 1
	}
	e.operand(flags)
	e.sig(f.Sig)
	e.operand(int64(f.NRegs))
	e.count(len(f.Code))
	for _, in := range f.Code {
		e.inst(in)
	}
}

// EncodeFunc returns the encoded record of f.
func EncodeFunc(f *Func) ([]byte, error) {
	var e encoder
	e.fn(f)
	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Name, e.err)
	}
	return e.buf.Bytes(), nil
}

// header writes everything that precedes the function records.
func (e *encoder) header(m *Module, nfuncs int) {
	e.buf.WriteString(Magic)
	e.operand(Version)
	e.operand(int64(m.DataSize))
	e.count(len(m.Imports))
	e.count(nfuncs)
	e.count(len(m.Data))
	e.operand(int64(m.Entry))
	e.str(m.Name)
	for _, imp := range m.Imports {
		e.str(imp.Name)
		e.sig(imp.Sig)
	}
}

func (e *encoder) data(m *Module) {
	for _, d := range m.Data {
		e.operand(int64(d.Offset))
		e.count(len(d.Bytes))
		e.buf.Write(d.Bytes)
	}
}

// Encode writes m in KBC1 format.
func (m *Module) Encode(w io.Writer) error {
	var e encoder
	e.header(m, len(m.Funcs))
	for i := range m.Funcs {
		e.fn(&m.Funcs[i])
	}
	e.data(m)
	if e.err != nil {
		return e.err
	}
	_, err := w.Write(e.buf.Bytes())
	return err
}

// EncodeToBytes is a convenience that encodes the module to a byte slice.
func (m *Module) EncodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// assemble joins a header, pre-encoded function records and the data items.
func assemble(m *Module, funcs [][]byte) ([]byte, error) {
	var e encoder
	e.header(m, len(funcs))
	for _, f := range funcs {
		e.buf.Write(f)
	}
	e.data(m)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

func int32Of(v int64) (int32, error) { return safecast.Conv[int32](v) }
