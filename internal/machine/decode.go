package machine

import "fmt"

func sext(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func regOf(class regClass, n uint32) Reg {
	switch class {
	case rcFPR:
		return Reg(32 + n)
	case rcVec:
		return Reg(64 + n)
	}
	return Reg(n)
}

// Decode disassembles one instruction word. Pseudo-instructions come back
// as the base instructions they expand to; branch and jump targets are
// byte offsets in Imm with Target left at -1.
func Decode(word uint32) (Inst, error) {
	opc := word & 0x7f
	f3 := word >> 12 & 7
	if (opc == opcLoadFP || opc == opcStorFP) && f3 != 2 && f3 != 3 {
		return decodeVMem(word)
	}
	var e *encoding
	for i := range encodings {
		if word&encodings[i].mask == encodings[i].match {
			e = &encodings[i]
			break
		}
	}
	if e == nil {
		return Inst{}, fmt.Errorf("unknown instruction word %#08x", word)
	}
	in := newInst(e.op)
	rdf, rs1f, rs2f := word>>7&31, word>>15&31, word>>20&31
	dataClass := opTable[e.op].class
	switch e.op.Format() {
	case FmtR:
		rs := rcGPR
		if e.match&0x7f == opcOpFP {
			rs = rcFPR
		}
		in.Rd, in.Rs1, in.Rs2 = regOf(dataClass, rdf), regOf(rs, rs1f), regOf(rs, rs2f)
	case FmtR1:
		in.Rd, in.Rs1 = regOf(e.rd, rdf), regOf(e.rs1, rs1f)
	case FmtI, FmtJR:
		in.Rd, in.Rs1, in.Imm = Reg(rdf), Reg(rs1f), sext(word>>20, 12)
	case FmtShift:
		in.Rd, in.Rs1, in.Imm = Reg(rdf), Reg(rs1f), int64(word>>20&0x3f)
	case FmtLoad:
		in.Rd, in.Rs1, in.Imm = regOf(dataClass, rdf), Reg(rs1f), sext(word>>20, 12)
	case FmtStore:
		imm := word>>25<<5 | word>>7&0x1f
		in.Rs1, in.Rs2, in.Imm = Reg(rs1f), regOf(dataClass, rs2f), sext(imm, 12)
	case FmtBranch:
		imm := (word>>31&1)<<12 | (word>>7&1)<<11 | (word>>25&0x3f)<<5 | (word>>8&0xf)<<1
		in.Rs1, in.Rs2, in.Imm = Reg(rs1f), Reg(rs2f), sext(imm, 13)
	case FmtU:
		in.Rd, in.Imm = Reg(rdf), int64(word>>12)
	case FmtJ:
		imm := (word>>31&1)<<20 | (word>>12&0xff)<<12 | (word>>20&1)<<11 | (word>>21&0x3ff)<<1
		in.Rd, in.Imm = Reg(rdf), sext(imm, 21)
	case FmtNone:
	case FmtVSet:
		in.Rd, in.Rs1, in.Imm = Reg(rdf), Reg(rs1f), int64(word>>20&0x7ff)
	case FmtVV, FmtVRed:
		in.Rd, in.Rs1, in.Rs2 = regOf(rcVec, rdf), regOf(rcVec, rs2f), regOf(rcVec, rs1f)
	case FmtVX:
		in.Rd, in.Rs1, in.Rs2 = regOf(rcVec, rdf), regOf(rcVec, rs2f), Reg(rs1f)
	case FmtVI:
		in.Rd, in.Rs1, in.Imm = regOf(rcVec, rdf), regOf(rcVec, rs2f), sext(rs1f, 5)
	case FmtVMvX:
		in.Rd, in.Rs1 = regOf(rcVec, rdf), Reg(rs1f)
	case FmtVMvI:
		in.Rd, in.Imm = regOf(rcVec, rdf), sext(rs1f, 5)
	case FmtVToX:
		in.Rd, in.Rs1 = Reg(rdf), regOf(rcVec, rs2f)
	case FmtVNoSrc:
		in.Rd = regOf(rcVec, rdf)
	default:
		return Inst{}, fmt.Errorf("cannot decode format of %s", e.op)
	}
	return in, nil
}

func decodeVMem(word uint32) (Inst, error) {
	store := word&0x7f == opcStorFP
	width := word >> 12 & 7
	mop := word >> 26 & 3
	nf := word >> 29
	field2 := word >> 20 & 31
	vd := regOf(rcVec, word>>7&31)
	base := Reg(word >> 15 & 31)
	if word>>25&1 == 0 {
		return Inst{}, fmt.Errorf("masked vector access %#08x", word)
	}
	if mop == 0 && field2 == 8 {
		op := OpVLRE
		if store {
			op = OpVSR
		}
		in := newInst(op)
		in.Rs1, in.Imm = base, int64(nf+1)
		if store {
			in.Rs3 = vd
		} else {
			in.Rd = vd
		}
		return in, nil
	}
	var eew int64
	for w, code := range vecWidth {
		if code == width {
			eew = w
		}
	}
	if eew == 0 || nf != 0 {
		return Inst{}, fmt.Errorf("unsupported vector access %#08x", word)
	}
	var op Opcode
	switch {
	case mop == 0 && field2 == 0:
		op = OpVLE
	case mop == 2:
		op = OpVLSE
	case mop == 1:
		op = OpVLUXEI
	default:
		return Inst{}, fmt.Errorf("unsupported vector access %#08x", word)
	}
	if store {
		op += OpVSE - OpVLE
	}
	in := newInst(op)
	in.Rs1, in.Imm = base, eew
	if store {
		in.Rs3 = vd
	} else {
		in.Rd = vd
	}
	switch mop {
	case 2:
		in.Rs2 = Reg(field2)
	case 1:
		in.Rs2 = regOf(rcVec, field2)
	}
	return in, nil
}
