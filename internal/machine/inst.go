package machine

import (
	"fmt"
	"strings"
)

// Reg is a register operand. Values below VRegBase are physical register
// IDs as numbered by the target descriptor (GPR 0-31, FPR 32-63, vector
// 64-95); values from VRegBase up are virtual registers.
type Reg int32

const (
	NoReg    Reg = -1
	VRegBase Reg = 1024
)

// Physical registers referenced directly by lowering.
const (
	RegZero Reg = 0
	RegRA   Reg = 1
	RegSP   Reg = 2
	RegT5   Reg = 30
	RegT6   Reg = 31
	RegA0   Reg = 10
	RegFA0  Reg = 32 + 10
	RegFT10 Reg = 32 + 30
	RegFT11 Reg = 32 + 31
	RegV0   Reg = 64
)

// IsVirtual reports whether r is a virtual register.
func (r Reg) IsVirtual() bool { return r >= VRegBase }

// IsPhysical reports whether r names a hardware register.
func (r Reg) IsPhysical() bool { return r >= 0 && r < VRegBase }

// Num returns the hardware register number of a physical register.
func (r Reg) Num() uint32 { return uint32(r) & 31 }

// Format selects operand layout and encoding.
type Format uint8

const (
	FmtNone   Format = iota
	FmtR             // rd, rs1, rs2
	FmtR1            // rd, rs1
	FmtI             // rd, rs1, imm
	FmtShift         // rd, rs1, shamt
	FmtLoad          // rd, imm(rs1)
	FmtStore         // rs2, imm(rs1)
	FmtBranch        // rs1, rs2, target
	FmtU             // rd, imm20
	FmtJ             // rd, target
	FmtJR            // rd, imm(rs1)

	// Pseudo instructions expanded by the encoder.
	FmtCall      // call sym
	FmtLA        // la rd, sym
	FmtFrameAddr // rd = sp + slot offset
	FmtRet       // ret
	FmtTrapZero  // trap if rs1 == 0

	// Vector forms.
	FmtVSet    // vsetvli rd, rs1, vtype(imm)
	FmtVLoad   // vd, (rs1); imm = eew
	FmtVLoadS  // vd, (rs1), rs2 stride
	FmtVLoadX  // vd, (rs1), vs2 index
	FmtVStore  // vs3, (rs1)
	FmtVStoreS // vs3, (rs1), rs2 stride
	FmtVStoreX // vs3, (rs1), vs2 index
	FmtVV      // vd, vs2(rs1), vs1(rs2)
	FmtVX      // vd, vs2(rs1), rs1(rs2)
	FmtVI      // vd, vs2(rs1), imm5
	FmtVMvX    // vd, rs1
	FmtVMvI    // vd, imm5
	FmtVToX    // rd, vs2(rs1)
	FmtVNoSrc  // vd
	FmtVWholeL // vd, (rs1); imm = registers in group
	FmtVWholeS // vs3, (rs1); imm = registers in group
	FmtVRed    // vd, vs2(rs1), vs1(rs2)
)

// Opcode is a RISC-V instruction or pseudo instruction.
type Opcode uint16

const (
	OpInvalid Opcode = iota

	// RV64I register-register.
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW

	// RV64I immediates.
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpLUI
	OpAUIPC

	// Loads and stores.
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD

	// Control flow.
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpJAL
	OpJALR
	OpEBREAK

	// M extension.
	OpMUL
	OpMULH
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	// F and D extensions.
	OpFLW
	OpFLD
	OpFSW
	OpFSD
	OpFADDS
	OpFSUBS
	OpFMULS
	OpFDIVS
	OpFADDD
	OpFSUBD
	OpFMULD
	OpFDIVD
	OpFMVS // fsgnj.s rd, rs, rs
	OpFMVD // fsgnj.d rd, rs, rs
	OpFEQS
	OpFLTS
	OpFLES
	OpFEQD
	OpFLTD
	OpFLED
	OpFCVTSL // int64 -> f32
	OpFCVTDL // int64 -> f64
	OpFCVTLS // f32 -> int64, round toward zero
	OpFCVTLD // f64 -> int64, round toward zero
	OpFCVTSD // f64 -> f32
	OpFCVTDS // f32 -> f64
	OpFMVXW
	OpFMVWX
	OpFMVXD
	OpFMVDX

	// Zba and Zbb.
	OpSH1ADD
	OpSH2ADD
	OpSH3ADD
	OpANDN
	OpORN
	OpMIN
	OpMAX

	// P (packed SIMD) subset.
	OpADD8
	OpADD16
	OpSUB8
	OpSUB16

	// V extension subset.
	OpVSETVLI
	OpVLE
	OpVLSE
	OpVLUXEI
	OpVSE
	OpVSSE
	OpVSUXEI
	OpVADDVV
	OpVSUBVV
	OpVMULVV
	OpVANDVV
	OpVORVV
	OpVXORVV
	OpVMINVV
	OpVMAXVV
	OpVSLLVV
	OpVSRLVV
	OpVSRAVV
	OpVADDVX
	OpVSLLVI
	OpVMVVX
	OpVMVVI
	OpVMVSX
	OpVMVXS
	OpVIDV
	OpVREDSUM
	OpVREDAND
	OpVREDOR
	OpVREDXOR
	OpVREDMIN
	OpVREDMAX
	OpVLRE // whole-register load vl<n>re64.v
	OpVSR  // whole-register store vs<n>r.v

	// Pseudo instructions.
	OpMV // addi rd, rs1, 0
	OpCALL
	OpLA
	OpFRAMEADDR
	OpRET
	OpTRAPZ

	numOpcodes
)

// Unit is the functional unit an instruction occupies in the scheduler's
// resource model.
type Unit uint8

const (
	UnitALU Unit = iota
	UnitMem
	UnitMulDiv
	UnitFPU
	UnitVec
	UnitBranch
)

type opInfo struct {
	name    string
	fmt     Format
	latency int
	unit    Unit
	class   regClass // class of rd (or of the data register for stores)
}

type regClass uint8

const (
	rcGPR regClass = iota
	rcFPR
	rcVec
)

var opTable = [numOpcodes]opInfo{
	OpADD: {"add", FmtR, 1, UnitALU, rcGPR}, OpSUB: {"sub", FmtR, 1, UnitALU, rcGPR},
	OpSLL: {"sll", FmtR, 1, UnitALU, rcGPR}, OpSLT: {"slt", FmtR, 1, UnitALU, rcGPR},
	OpSLTU: {"sltu", FmtR, 1, UnitALU, rcGPR}, OpXOR: {"xor", FmtR, 1, UnitALU, rcGPR},
	OpSRL: {"srl", FmtR, 1, UnitALU, rcGPR}, OpSRA: {"sra", FmtR, 1, UnitALU, rcGPR},
	OpOR: {"or", FmtR, 1, UnitALU, rcGPR}, OpAND: {"and", FmtR, 1, UnitALU, rcGPR},
	OpADDW: {"addw", FmtR, 1, UnitALU, rcGPR}, OpSUBW: {"subw", FmtR, 1, UnitALU, rcGPR},
	OpSLLW: {"sllw", FmtR, 1, UnitALU, rcGPR}, OpSRLW: {"srlw", FmtR, 1, UnitALU, rcGPR},
	OpSRAW: {"sraw", FmtR, 1, UnitALU, rcGPR},

	OpADDI: {"addi", FmtI, 1, UnitALU, rcGPR}, OpSLTI: {"slti", FmtI, 1, UnitALU, rcGPR},
	OpSLTIU: {"sltiu", FmtI, 1, UnitALU, rcGPR}, OpXORI: {"xori", FmtI, 1, UnitALU, rcGPR},
	OpORI: {"ori", FmtI, 1, UnitALU, rcGPR}, OpANDI: {"andi", FmtI, 1, UnitALU, rcGPR},
	OpSLLI: {"slli", FmtShift, 1, UnitALU, rcGPR}, OpSRLI: {"srli", FmtShift, 1, UnitALU, rcGPR},
	OpSRAI: {"srai", FmtShift, 1, UnitALU, rcGPR}, OpADDIW: {"addiw", FmtI, 1, UnitALU, rcGPR},
	OpSLLIW: {"slliw", FmtShift, 1, UnitALU, rcGPR}, OpSRLIW: {"srliw", FmtShift, 1, UnitALU, rcGPR},
	OpSRAIW: {"sraiw", FmtShift, 1, UnitALU, rcGPR},
	OpLUI:   {"lui", FmtU, 1, UnitALU, rcGPR}, OpAUIPC: {"auipc", FmtU, 1, UnitALU, rcGPR},

	OpLB: {"lb", FmtLoad, 3, UnitMem, rcGPR}, OpLH: {"lh", FmtLoad, 3, UnitMem, rcGPR},
	OpLW: {"lw", FmtLoad, 3, UnitMem, rcGPR}, OpLD: {"ld", FmtLoad, 3, UnitMem, rcGPR},
	OpLBU: {"lbu", FmtLoad, 3, UnitMem, rcGPR}, OpLHU: {"lhu", FmtLoad, 3, UnitMem, rcGPR},
	OpLWU: {"lwu", FmtLoad, 3, UnitMem, rcGPR},
	OpSB:  {"sb", FmtStore, 1, UnitMem, rcGPR}, OpSH: {"sh", FmtStore, 1, UnitMem, rcGPR},
	OpSW: {"sw", FmtStore, 1, UnitMem, rcGPR}, OpSD: {"sd", FmtStore, 1, UnitMem, rcGPR},

	OpBEQ: {"beq", FmtBranch, 1, UnitBranch, rcGPR}, OpBNE: {"bne", FmtBranch, 1, UnitBranch, rcGPR},
	OpBLT: {"blt", FmtBranch, 1, UnitBranch, rcGPR}, OpBGE: {"bge", FmtBranch, 1, UnitBranch, rcGPR},
	OpBLTU: {"bltu", FmtBranch, 1, UnitBranch, rcGPR}, OpBGEU: {"bgeu", FmtBranch, 1, UnitBranch, rcGPR},
	OpJAL: {"jal", FmtJ, 1, UnitBranch, rcGPR}, OpJALR: {"jalr", FmtJR, 1, UnitBranch, rcGPR},
	OpEBREAK: {"ebreak", FmtNone, 1, UnitBranch, rcGPR},

	OpMUL: {"mul", FmtR, 3, UnitMulDiv, rcGPR}, OpMULH: {"mulh", FmtR, 3, UnitMulDiv, rcGPR},
	OpDIV: {"div", FmtR, 20, UnitMulDiv, rcGPR}, OpDIVU: {"divu", FmtR, 20, UnitMulDiv, rcGPR},
	OpREM: {"rem", FmtR, 20, UnitMulDiv, rcGPR}, OpREMU: {"remu", FmtR, 20, UnitMulDiv, rcGPR},
	OpMULW: {"mulw", FmtR, 3, UnitMulDiv, rcGPR}, OpDIVW: {"divw", FmtR, 20, UnitMulDiv, rcGPR},
	OpDIVUW: {"divuw", FmtR, 20, UnitMulDiv, rcGPR}, OpREMW: {"remw", FmtR, 20, UnitMulDiv, rcGPR},
	OpREMUW: {"remuw", FmtR, 20, UnitMulDiv, rcGPR},

	OpFLW: {"flw", FmtLoad, 3, UnitMem, rcFPR}, OpFLD: {"fld", FmtLoad, 3, UnitMem, rcFPR},
	OpFSW: {"fsw", FmtStore, 1, UnitMem, rcFPR}, OpFSD: {"fsd", FmtStore, 1, UnitMem, rcFPR},
	OpFADDS: {"fadd.s", FmtR, 4, UnitFPU, rcFPR}, OpFSUBS: {"fsub.s", FmtR, 4, UnitFPU, rcFPR},
	OpFMULS: {"fmul.s", FmtR, 4, UnitFPU, rcFPR}, OpFDIVS: {"fdiv.s", FmtR, 12, UnitFPU, rcFPR},
	OpFADDD: {"fadd.d", FmtR, 4, UnitFPU, rcFPR}, OpFSUBD: {"fsub.d", FmtR, 4, UnitFPU, rcFPR},
	OpFMULD: {"fmul.d", FmtR, 4, UnitFPU, rcFPR}, OpFDIVD: {"fdiv.d", FmtR, 20, UnitFPU, rcFPR},
	OpFMVS: {"fmv.s", FmtR1, 1, UnitFPU, rcFPR}, OpFMVD: {"fmv.d", FmtR1, 1, UnitFPU, rcFPR},
	OpFEQS: {"feq.s", FmtR, 2, UnitFPU, rcGPR}, OpFLTS: {"flt.s", FmtR, 2, UnitFPU, rcGPR},
	OpFLES: {"fle.s", FmtR, 2, UnitFPU, rcGPR}, OpFEQD: {"feq.d", FmtR, 2, UnitFPU, rcGPR},
	OpFLTD: {"flt.d", FmtR, 2, UnitFPU, rcGPR}, OpFLED: {"fle.d", FmtR, 2, UnitFPU, rcGPR},
	OpFCVTSL: {"fcvt.s.l", FmtR1, 4, UnitFPU, rcFPR}, OpFCVTDL: {"fcvt.d.l", FmtR1, 4, UnitFPU, rcFPR},
	OpFCVTLS: {"fcvt.l.s", FmtR1, 4, UnitFPU, rcGPR}, OpFCVTLD: {"fcvt.l.d", FmtR1, 4, UnitFPU, rcGPR},
	OpFCVTSD: {"fcvt.s.d", FmtR1, 4, UnitFPU, rcFPR}, OpFCVTDS: {"fcvt.d.s", FmtR1, 4, UnitFPU, rcFPR},
	OpFMVXW: {"fmv.x.w", FmtR1, 1, UnitFPU, rcGPR}, OpFMVWX: {"fmv.w.x", FmtR1, 1, UnitFPU, rcFPR},
	OpFMVXD: {"fmv.x.d", FmtR1, 1, UnitFPU, rcGPR}, OpFMVDX: {"fmv.d.x", FmtR1, 1, UnitFPU, rcFPR},

	OpSH1ADD: {"sh1add", FmtR, 1, UnitALU, rcGPR}, OpSH2ADD: {"sh2add", FmtR, 1, UnitALU, rcGPR},
	OpSH3ADD: {"sh3add", FmtR, 1, UnitALU, rcGPR}, OpANDN: {"andn", FmtR, 1, UnitALU, rcGPR},
	OpORN: {"orn", FmtR, 1, UnitALU, rcGPR}, OpMIN: {"min", FmtR, 1, UnitALU, rcGPR},
	OpMAX: {"max", FmtR, 1, UnitALU, rcGPR},

	OpADD8: {"add8", FmtR, 1, UnitALU, rcGPR}, OpADD16: {"add16", FmtR, 1, UnitALU, rcGPR},
	OpSUB8: {"sub8", FmtR, 1, UnitALU, rcGPR}, OpSUB16: {"sub16", FmtR, 1, UnitALU, rcGPR},

	OpVSETVLI: {"vsetvli", FmtVSet, 1, UnitVec, rcGPR},
	OpVLE:     {"vle", FmtVLoad, 4, UnitMem, rcVec}, OpVLSE: {"vlse", FmtVLoadS, 6, UnitMem, rcVec},
	OpVLUXEI: {"vluxei", FmtVLoadX, 8, UnitMem, rcVec},
	OpVSE:    {"vse", FmtVStore, 1, UnitMem, rcVec}, OpVSSE: {"vsse", FmtVStoreS, 2, UnitMem, rcVec},
	OpVSUXEI: {"vsuxei", FmtVStoreX, 4, UnitMem, rcVec},
	OpVADDVV: {"vadd.vv", FmtVV, 2, UnitVec, rcVec}, OpVSUBVV: {"vsub.vv", FmtVV, 2, UnitVec, rcVec},
	OpVMULVV: {"vmul.vv", FmtVV, 4, UnitVec, rcVec}, OpVANDVV: {"vand.vv", FmtVV, 2, UnitVec, rcVec},
	OpVORVV: {"vor.vv", FmtVV, 2, UnitVec, rcVec}, OpVXORVV: {"vxor.vv", FmtVV, 2, UnitVec, rcVec},
	OpVMINVV: {"vmin.vv", FmtVV, 2, UnitVec, rcVec}, OpVMAXVV: {"vmax.vv", FmtVV, 2, UnitVec, rcVec},
	OpVSLLVV: {"vsll.vv", FmtVV, 2, UnitVec, rcVec}, OpVSRLVV: {"vsrl.vv", FmtVV, 2, UnitVec, rcVec},
	OpVSRAVV: {"vsra.vv", FmtVV, 2, UnitVec, rcVec},
	OpVADDVX: {"vadd.vx", FmtVX, 2, UnitVec, rcVec}, OpVSLLVI: {"vsll.vi", FmtVI, 2, UnitVec, rcVec},
	OpVMVVX: {"vmv.v.x", FmtVMvX, 2, UnitVec, rcVec}, OpVMVVI: {"vmv.v.i", FmtVMvI, 2, UnitVec, rcVec},
	OpVMVSX: {"vmv.s.x", FmtVMvX, 2, UnitVec, rcVec}, OpVMVXS: {"vmv.x.s", FmtVToX, 2, UnitVec, rcGPR},
	OpVIDV:    {"vid.v", FmtVNoSrc, 2, UnitVec, rcVec},
	OpVREDSUM: {"vredsum.vs", FmtVRed, 6, UnitVec, rcVec}, OpVREDAND: {"vredand.vs", FmtVRed, 6, UnitVec, rcVec},
	OpVREDOR: {"vredor.vs", FmtVRed, 6, UnitVec, rcVec}, OpVREDXOR: {"vredxor.vs", FmtVRed, 6, UnitVec, rcVec},
	OpVREDMIN: {"vredmin.vs", FmtVRed, 6, UnitVec, rcVec}, OpVREDMAX: {"vredmax.vs", FmtVRed, 6, UnitVec, rcVec},
	OpVLRE: {"vlre", FmtVWholeL, 4, UnitMem, rcVec}, OpVSR: {"vsr", FmtVWholeS, 1, UnitMem, rcVec},

	OpMV:        {"mv", FmtR1, 1, UnitALU, rcGPR},
	OpCALL:      {"call", FmtCall, 1, UnitBranch, rcGPR},
	OpLA:        {"la", FmtLA, 2, UnitALU, rcGPR},
	OpFRAMEADDR: {"frameaddr", FmtFrameAddr, 1, UnitALU, rcGPR},
	OpRET:       {"ret", FmtRet, 1, UnitBranch, rcGPR},
	OpTRAPZ:     {"trapz", FmtTrapZero, 1, UnitBranch, rcGPR},
}

func (op Opcode) String() string {
	if op < numOpcodes && opTable[op].name != "" {
		return opTable[op].name
	}
	return fmt.Sprintf("op(%d)", uint16(op))
}

// Format returns the operand layout of op.
func (op Opcode) Format() Format {
	if op < numOpcodes {
		return opTable[op].fmt
	}
	return FmtNone
}

// Latency is the scheduling latency of op in cycles.
func (op Opcode) Latency() int {
	if op < numOpcodes && opTable[op].latency > 0 {
		return opTable[op].latency
	}
	return 1
}

// Unit is the functional unit op issues to.
func (op Opcode) Unit() Unit {
	if op < numOpcodes {
		return opTable[op].unit
	}
	return UnitALU
}

// IsBranch reports whether op transfers control.
func (op Opcode) IsBranch() bool {
	switch op.Format() {
	case FmtBranch, FmtJ, FmtJR, FmtRet:
		return true
	}
	return false
}

// IsLoad and IsStore classify memory operations for dependence ordering.
func (op Opcode) IsLoad() bool {
	switch op.Format() {
	case FmtLoad, FmtVLoad, FmtVLoadS, FmtVLoadX, FmtVWholeL:
		return true
	}
	return false
}

func (op Opcode) IsStore() bool {
	switch op.Format() {
	case FmtStore, FmtVStore, FmtVStoreS, FmtVStoreX, FmtVWholeS:
		return true
	}
	return false
}

// Inst is one machine instruction. Which register fields are meaningful is
// decided by the opcode's Format.
type Inst struct {
	Op     Opcode
	Rd     Reg
	Rs1    Reg
	Rs2    Reg
	Rs3    Reg // vector store data
	Imm    int64
	Target int    // branch target block index
	Sym    string // call or address symbol
	Slot   int    // frame slot, -1 when absent
}

// newInst returns an instruction with every register operand unset.
func newInst(op Opcode) Inst {
	return Inst{Op: op, Rd: NoReg, Rs1: NoReg, Rs2: NoReg, Rs3: NoReg, Target: -1, Slot: -1}
}

func rrr(op Opcode, rd, rs1, rs2 Reg) Inst {
	in := newInst(op)
	in.Rd, in.Rs1, in.Rs2 = rd, rs1, rs2
	return in
}

func rri(op Opcode, rd, rs1 Reg, imm int64) Inst {
	in := newInst(op)
	in.Rd, in.Rs1, in.Imm = rd, rs1, imm
	return in
}

func mv(rd, rs Reg) Inst { return rrr(OpMV, rd, rs, NoReg) }

func jump(target int) Inst {
	in := newInst(OpJAL)
	in.Rd, in.Target = RegZero, target
	return in
}

func branch(op Opcode, rs1, rs2 Reg, target int) Inst {
	in := newInst(op)
	in.Rs1, in.Rs2, in.Target = rs1, rs2, target
	return in
}

func load(op Opcode, rd, base Reg, off int64) Inst { return rri(op, rd, base, off) }

func store(op Opcode, val, base Reg, off int64) Inst {
	in := newInst(op)
	in.Rs2, in.Rs1, in.Imm = val, base, off
	return in
}

// slotLoad and slotStore access a frame slot; the offset is resolved by
// frame lowering.
func slotLoad(op Opcode, rd Reg, slot int) Inst {
	in := load(op, rd, RegSP, 0)
	in.Slot = slot
	return in
}

func slotStore(op Opcode, val Reg, slot int) Inst {
	in := store(op, val, RegSP, 0)
	in.Slot = slot
	return in
}

// Uses returns the registers read by in.
func (in *Inst) Uses() []Reg {
	var out []Reg
	add := func(r Reg) {
		if r != NoReg {
			out = append(out, r)
		}
	}
	switch in.Op.Format() {
	case FmtR, FmtVV, FmtVX, FmtVRed:
		add(in.Rs1)
		add(in.Rs2)
	case FmtR1, FmtI, FmtShift, FmtLoad, FmtJR, FmtTrapZero, FmtVSet, FmtVLoad, FmtVI,
		FmtVMvX, FmtVToX, FmtVWholeL:
		add(in.Rs1)
	case FmtStore, FmtBranch, FmtVLoadS, FmtVLoadX:
		add(in.Rs1)
		add(in.Rs2)
	case FmtVStore, FmtVWholeS:
		add(in.Rs1)
		add(in.Rs3)
	case FmtVStoreS, FmtVStoreX:
		add(in.Rs1)
		add(in.Rs2)
		add(in.Rs3)
	}
	return out
}

// Defs returns the registers written by in.
func (in *Inst) Defs() []Reg {
	switch in.Op.Format() {
	case FmtStore, FmtBranch, FmtVStore, FmtVStoreS, FmtVStoreX, FmtVWholeS, FmtNone,
		FmtRet, FmtTrapZero, FmtCall:
		return nil
	}
	if in.Rd == NoReg || in.Rd == RegZero {
		return nil
	}
	return []Reg{in.Rd}
}

// mapRegs rewrites every register operand through fn.
func (in *Inst) mapRegs(use, def func(Reg) Reg) {
	switch in.Op.Format() {
	case FmtR, FmtVV, FmtVX, FmtVRed, FmtStore, FmtBranch, FmtVLoadS, FmtVLoadX:
		in.Rs1 = mapOne(in.Rs1, use)
		in.Rs2 = mapOne(in.Rs2, use)
	case FmtVStore, FmtVWholeS:
		in.Rs1 = mapOne(in.Rs1, use)
		in.Rs3 = mapOne(in.Rs3, use)
	case FmtVStoreS, FmtVStoreX:
		in.Rs1 = mapOne(in.Rs1, use)
		in.Rs2 = mapOne(in.Rs2, use)
		in.Rs3 = mapOne(in.Rs3, use)
	default:
		in.Rs1 = mapOne(in.Rs1, use)
	}
	if len(in.Defs()) > 0 {
		in.Rd = mapOne(in.Rd, def)
	}
}

func mapOne(r Reg, fn func(Reg) Reg) Reg {
	if r == NoReg || fn == nil {
		return r
	}
	return fn(r)
}

// IsCall reports whether in is a call.
func (in *Inst) IsCall() bool { return in.Op == OpCALL }

// String renders in using ABI register names for physical registers and
// %N for virtual ones.
func (in *Inst) String() string {
	var sb strings.Builder
	writeInst(&sb, in, func(t int) string { return fmt.Sprintf(".LBB%d", t) })
	return sb.String()
}
