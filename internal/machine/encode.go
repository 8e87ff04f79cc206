package machine

import (
	"encoding/binary"
	"fmt"

	"kiln/internal/diag"
)

// RelocKind numbers follow the RISC-V ELF psABI.
type RelocKind uint32

const (
	RelocCallPLT    RelocKind = 19 // R_RISCV_CALL_PLT on an auipc+jalr pair
	RelocPCRelHi20  RelocKind = 23 // R_RISCV_PCREL_HI20
	RelocPCRelLo12I RelocKind = 24 // R_RISCV_PCREL_LO12_I, refers to the auipc at HiOffset
)

func (k RelocKind) String() string {
	switch k {
	case RelocCallPLT:
		return "R_RISCV_CALL_PLT"
	case RelocPCRelHi20:
		return "R_RISCV_PCREL_HI20"
	case RelocPCRelLo12I:
		return "R_RISCV_PCREL_LO12_I"
	}
	return "R_RISCV_NONE"
}

// Reloc is a relocation against the encoded text of one function.
type Reloc struct {
	Offset   uint64
	Kind     RelocKind
	Sym      string
	Addend   int64
	HiOffset uint64
}

// RISC-V major opcodes.
const (
	opcLoad   = 0x03
	opcLoadFP = 0x07
	opcOpImm  = 0x13
	opcAUIPC  = 0x17
	opcOpImmW = 0x1b
	opcStore  = 0x23
	opcStorFP = 0x27
	opcOp     = 0x33
	opcLUI    = 0x37
	opcOpW    = 0x3b
	opcOpFP   = 0x53
	opcOpV    = 0x57
	opcBranch = 0x63
	opcJALR   = 0x67
	opcJAL    = 0x6f
	opcSystem = 0x73
	opcOpP    = 0x77
)

// encoding describes the fixed bits of an instruction and the register
// classes of its operand fields.
type encoding struct {
	op           Opcode
	match, mask  uint32
	rd, rs1, rs2 regClass
}

const (
	maskR      = 0xfe00707f
	maskI      = 0x0000707f
	maskSh64   = 0xfc00707f
	maskU      = 0x0000007f
	maskFPRM   = 0xfe00007f
	maskFPCvt  = 0xfff0007f
	maskFPMv   = 0xfff0707f
	maskVArith = 0xfe00707f
)

func rEnc(op Opcode, opc, f3, f7 uint32) encoding {
	return encoding{op: op, match: f7<<25 | f3<<12 | opc, mask: maskR}
}

func iEnc(op Opcode, opc, f3 uint32) encoding {
	return encoding{op: op, match: f3<<12 | opc, mask: maskI}
}

// fpEnc is an R-type float op; cvt sets a fixed rs2 field.
func fpEnc(op Opcode, f7, f3, rs2 uint32, mask uint32, rd, rs1, rs2c regClass) encoding {
	return encoding{op: op, match: f7<<25 | rs2<<20 | f3<<12 | opcOpFP, mask: mask, rd: rd, rs1: rs1, rs2: rs2c}
}

func vEnc(op Opcode, f6, f3 uint32, extra, mask uint32, rd, rs1, rs2 regClass) encoding {
	return encoding{op: op, match: f6<<26 | 1<<25 | extra | f3<<12 | opcOpV, mask: mask, rd: rd, rs1: rs1, rs2: rs2}
}

const (
	opivv = 0
	opmvv = 2
	opivi = 3
	opivx = 4
	opmvx = 6
)

var encodings = func() []encoding {
	e := []encoding{
		rEnc(OpADD, opcOp, 0, 0), rEnc(OpSUB, opcOp, 0, 0x20), rEnc(OpSLL, opcOp, 1, 0),
		rEnc(OpSLT, opcOp, 2, 0), rEnc(OpSLTU, opcOp, 3, 0), rEnc(OpXOR, opcOp, 4, 0),
		rEnc(OpSRL, opcOp, 5, 0), rEnc(OpSRA, opcOp, 5, 0x20), rEnc(OpOR, opcOp, 6, 0),
		rEnc(OpAND, opcOp, 7, 0),
		rEnc(OpADDW, opcOpW, 0, 0), rEnc(OpSUBW, opcOpW, 0, 0x20), rEnc(OpSLLW, opcOpW, 1, 0),
		rEnc(OpSRLW, opcOpW, 5, 0), rEnc(OpSRAW, opcOpW, 5, 0x20),
		rEnc(OpMUL, opcOp, 0, 1), rEnc(OpMULH, opcOp, 1, 1), rEnc(OpDIV, opcOp, 4, 1),
		rEnc(OpDIVU, opcOp, 5, 1), rEnc(OpREM, opcOp, 6, 1), rEnc(OpREMU, opcOp, 7, 1),
		rEnc(OpMULW, opcOpW, 0, 1), rEnc(OpDIVW, opcOpW, 4, 1), rEnc(OpDIVUW, opcOpW, 5, 1),
		rEnc(OpREMW, opcOpW, 6, 1), rEnc(OpREMUW, opcOpW, 7, 1),
		rEnc(OpSH1ADD, opcOp, 2, 0x10), rEnc(OpSH2ADD, opcOp, 4, 0x10), rEnc(OpSH3ADD, opcOp, 6, 0x10),
		rEnc(OpANDN, opcOp, 7, 0x20), rEnc(OpORN, opcOp, 6, 0x20),
		rEnc(OpMIN, opcOp, 4, 0x05), rEnc(OpMAX, opcOp, 6, 0x05),
		rEnc(OpADD8, opcOpP, 0, 0x24), rEnc(OpADD16, opcOpP, 0, 0x20),
		rEnc(OpSUB8, opcOpP, 0, 0x25), rEnc(OpSUB16, opcOpP, 0, 0x21),

		iEnc(OpADDI, opcOpImm, 0), iEnc(OpSLTI, opcOpImm, 2), iEnc(OpSLTIU, opcOpImm, 3),
		iEnc(OpXORI, opcOpImm, 4), iEnc(OpORI, opcOpImm, 6), iEnc(OpANDI, opcOpImm, 7),
		{op: OpSLLI, match: 1<<12 | opcOpImm, mask: maskSh64},
		{op: OpSRLI, match: 5<<12 | opcOpImm, mask: maskSh64},
		{op: OpSRAI, match: 0x10<<26 | 5<<12 | opcOpImm, mask: maskSh64},
		iEnc(OpADDIW, opcOpImmW, 0),
		{op: OpSLLIW, match: 1<<12 | opcOpImmW, mask: maskR},
		{op: OpSRLIW, match: 5<<12 | opcOpImmW, mask: maskR},
		{op: OpSRAIW, match: 0x20<<25 | 5<<12 | opcOpImmW, mask: maskR},
		{op: OpLUI, match: opcLUI, mask: maskU},
		{op: OpAUIPC, match: opcAUIPC, mask: maskU},

		iEnc(OpLB, opcLoad, 0), iEnc(OpLH, opcLoad, 1), iEnc(OpLW, opcLoad, 2), iEnc(OpLD, opcLoad, 3),
		iEnc(OpLBU, opcLoad, 4), iEnc(OpLHU, opcLoad, 5), iEnc(OpLWU, opcLoad, 6),
		iEnc(OpSB, opcStore, 0), iEnc(OpSH, opcStore, 1), iEnc(OpSW, opcStore, 2), iEnc(OpSD, opcStore, 3),
		iEnc(OpBEQ, opcBranch, 0), iEnc(OpBNE, opcBranch, 1), iEnc(OpBLT, opcBranch, 4),
		iEnc(OpBGE, opcBranch, 5), iEnc(OpBLTU, opcBranch, 6), iEnc(OpBGEU, opcBranch, 7),
		{op: OpJAL, match: opcJAL, mask: maskU},
		iEnc(OpJALR, opcJALR, 0),
		{op: OpEBREAK, match: 0x00100073, mask: 0xffffffff},

		{op: OpFLW, match: 2<<12 | opcLoadFP, mask: maskI, rd: rcFPR},
		{op: OpFLD, match: 3<<12 | opcLoadFP, mask: maskI, rd: rcFPR},
		{op: OpFSW, match: 2<<12 | opcStorFP, mask: maskI, rs2: rcFPR},
		{op: OpFSD, match: 3<<12 | opcStorFP, mask: maskI, rs2: rcFPR},

		fpEnc(OpFADDS, 0x00, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFSUBS, 0x04, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFMULS, 0x08, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFDIVS, 0x0c, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFADDD, 0x01, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFSUBD, 0x05, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFMULD, 0x09, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFDIVD, 0x0d, 0, 0, maskFPRM, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFMVS, 0x10, 0, 0, maskR, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFMVD, 0x11, 0, 0, maskR, rcFPR, rcFPR, rcFPR),
		fpEnc(OpFEQS, 0x50, 2, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFLTS, 0x50, 1, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFLES, 0x50, 0, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFEQD, 0x51, 2, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFLTD, 0x51, 1, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFLED, 0x51, 0, 0, maskR, rcGPR, rcFPR, rcFPR),
		fpEnc(OpFCVTSL, 0x68, 0, 2, maskFPCvt, rcFPR, rcGPR, rcGPR),
		fpEnc(OpFCVTDL, 0x69, 0, 2, maskFPCvt, rcFPR, rcGPR, rcGPR),
		fpEnc(OpFCVTLS, 0x60, 0, 2, maskFPCvt, rcGPR, rcFPR, rcGPR),
		fpEnc(OpFCVTLD, 0x61, 0, 2, maskFPCvt, rcGPR, rcFPR, rcGPR),
		fpEnc(OpFCVTSD, 0x20, 0, 1, maskFPCvt, rcFPR, rcFPR, rcGPR),
		fpEnc(OpFCVTDS, 0x21, 0, 0, maskFPCvt, rcFPR, rcFPR, rcGPR),
		fpEnc(OpFMVXW, 0x70, 0, 0, maskFPMv, rcGPR, rcFPR, rcGPR),
		fpEnc(OpFMVWX, 0x78, 0, 0, maskFPMv, rcFPR, rcGPR, rcGPR),
		fpEnc(OpFMVXD, 0x71, 0, 0, maskFPMv, rcGPR, rcFPR, rcGPR),
		fpEnc(OpFMVDX, 0x79, 0, 0, maskFPMv, rcFPR, rcGPR, rcGPR),

		{op: OpVSETVLI, match: 7<<12 | opcOpV, mask: 0x8000707f},
		vEnc(OpVADDVV, 0x00, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVSUBVV, 0x02, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVMULVV, 0x25, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVANDVV, 0x09, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVORVV, 0x0a, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVXORVV, 0x0b, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVMINVV, 0x05, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVMAXVV, 0x07, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVSLLVV, 0x25, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVSRLVV, 0x28, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVSRAVV, 0x29, opivv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVADDVX, 0x00, opivx, 0, maskVArith, rcVec, rcVec, rcGPR),
		vEnc(OpVSLLVI, 0x25, opivi, 0, maskVArith, rcVec, rcVec, rcGPR),
		vEnc(OpVMVVX, 0x17, opivx, 0, 0xfff0707f, rcVec, rcGPR, rcGPR),
		vEnc(OpVMVVI, 0x17, opivi, 0, 0xfff0707f, rcVec, rcGPR, rcGPR),
		vEnc(OpVMVSX, 0x10, opmvx, 0, 0xfff0707f, rcVec, rcGPR, rcGPR),
		vEnc(OpVMVXS, 0x10, opmvv, 0, 0xfe0ff07f, rcGPR, rcVec, rcGPR),
		vEnc(OpVIDV, 0x14, opmvv, 17<<15, 0xfffff07f, rcVec, rcGPR, rcGPR),
		vEnc(OpVREDSUM, 0x00, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVREDAND, 0x01, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVREDOR, 0x02, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVREDXOR, 0x03, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVREDMIN, 0x05, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
		vEnc(OpVREDMAX, 0x07, opmvv, 0, maskVArith, rcVec, rcVec, rcVec),
	}
	return e
}()

var encodingOf = func() map[Opcode]*encoding {
	m := make(map[Opcode]*encoding, len(encodings))
	for i := range encodings {
		m[encodings[i].op] = &encodings[i]
	}
	return m
}()

// vector memory width field per element width.
var vecWidth = map[int64]uint32{8: 0, 16: 5, 32: 6, 64: 7}

func fitsBits(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

func encR(match uint32, rd, rs1, rs2 uint32) uint32 {
	return match | rs2<<20 | rs1<<15 | rd<<7
}

func encI(match uint32, rd, rs1 uint32, imm int64) uint32 {
	return match | uint32(imm&0xfff)<<20 | rs1<<15 | rd<<7
}

func encS(match uint32, rs1, rs2 uint32, imm int64) uint32 {
	u := uint32(imm & 0xfff)
	return match | (u>>5)<<25 | rs2<<20 | rs1<<15 | (u&0x1f)<<7
}

func encB(match uint32, rs1, rs2 uint32, off int64) uint32 {
	u := uint32(off)
	return match | (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | (u>>1&0xf)<<8 | (u>>11&1)<<7
}

func encJ(rd uint32, off int64) uint32 {
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opcJAL
}

func encU(match uint32, rd uint32, imm20 int64) uint32 {
	return match | uint32(imm20&0xfffff)<<12 | rd<<7
}

// invertBranch maps a conditional branch to its negation.
var invertBranch = map[Opcode]Opcode{
	OpBEQ: OpBNE, OpBNE: OpBEQ, OpBLT: OpBGE, OpBGE: OpBLT, OpBLTU: OpBGEU, OpBGEU: OpBLTU,
}

// words returns how many 32-bit words in expands to.
func words(in *Inst, long bool) int {
	switch in.Op {
	case OpCALL, OpLA, OpTRAPZ:
		return 2
	}
	if long && in.Op.Format() == FmtBranch {
		return 2
	}
	return 1
}

// layoutText assigns byte offsets to blocks, widening conditional branches
// whose target lies beyond the ±4 KiB reach until the layout settles.
func layoutText(mf *MFunc) (blockOff []int64, long map[[2]int]bool) {
	long = make(map[[2]int]bool)
	blockOff = make([]int64, len(mf.Blocks)+1)
	for {
		off := int64(0)
		for b := range mf.Blocks {
			blockOff[b] = off
			for i := range mf.Blocks[b].Insts {
				off += 4 * int64(words(&mf.Blocks[b].Insts[i], long[[2]int{b, i}]))
			}
		}
		blockOff[len(mf.Blocks)] = off
		changed := false
		for b := range mf.Blocks {
			pc := blockOff[b]
			for i := range mf.Blocks[b].Insts {
				in := &mf.Blocks[b].Insts[i]
				key := [2]int{b, i}
				if in.Op.Format() == FmtBranch && !long[key] && in.Target >= 0 && in.Target < len(mf.Blocks) {
					if !fitsBits(blockOff[in.Target]-pc, 13) {
						long[key] = true
						changed = true
					}
				}
				pc += 4 * int64(words(in, long[key]))
			}
		}
		if !changed {
			return blockOff, long
		}
	}
}

// Encode assembles a frame-lowered function into little-endian RV64
// machine code. Calls and global addresses leave relocations; branches
// out of reach are relaxed into an inverted branch over a jump.
func Encode(mf *MFunc) ([]byte, []Reloc, error) {
	if !mf.Frame.Lowered {
		return nil, nil, diag.InternalCodegen(diag.IntLowering, "%s encoded before frame lowering", mf.Name)
	}
	blockOff, long := layoutText(mf)
	buf := make([]byte, 0, blockOff[len(mf.Blocks)])
	var relocs []Reloc
	put := func(w uint32) { buf = binary.LittleEndian.AppendUint32(buf, w) }

	for b := range mf.Blocks {
		for i := range mf.Blocks[b].Insts {
			in := &mf.Blocks[b].Insts[i]
			pc := int64(len(buf))
			fail := func(format string, args ...any) error {
				return diag.InternalCodegen(diag.IntLowering, "%s: %s: "+format,
					append([]any{mf.Name, in.String()}, args...)...)
			}
			for _, r := range append(in.Uses(), in.Defs()...) {
				if !r.IsPhysical() {
					return nil, nil, fail("register %s is not physical", RegName(r))
				}
			}
			if in.Slot >= 0 {
				return nil, nil, fail("unresolved frame slot %d", in.Slot)
			}
			switch in.Op {
			case OpMV:
				put(encI(encodingOf[OpADDI].match, in.Rd.Num(), in.Rs1.Num(), 0))
				continue
			case OpRET:
				put(encI(encodingOf[OpJALR].match, 0, RegRA.Num(), 0))
				continue
			case OpCALL:
				relocs = append(relocs, Reloc{Offset: uint64(pc), Kind: RelocCallPLT, Sym: in.Sym})
				put(encU(opcAUIPC, RegRA.Num(), 0))
				put(encI(encodingOf[OpJALR].match, RegRA.Num(), RegRA.Num(), 0))
				continue
			case OpLA:
				relocs = append(relocs,
					Reloc{Offset: uint64(pc), Kind: RelocPCRelHi20, Sym: in.Sym},
					Reloc{Offset: uint64(pc + 4), Kind: RelocPCRelLo12I, Sym: in.Sym, HiOffset: uint64(pc)})
				put(encU(opcAUIPC, in.Rd.Num(), 0))
				put(encI(encodingOf[OpADDI].match, in.Rd.Num(), in.Rd.Num(), 0))
				continue
			case OpTRAPZ:
				put(encB(encodingOf[OpBNE].match, in.Rs1.Num(), 0, 8))
				put(encodingOf[OpEBREAK].match)
				continue
			case OpFRAMEADDR:
				return nil, nil, fail("unresolved frame address")
			}
			w, err := encodeOne(in, pc, blockOff, long[[2]int{b, i}], len(mf.Blocks))
			if err != nil {
				return nil, nil, fail("%v", err)
			}
			for _, x := range w {
				put(x)
			}
		}
	}
	return buf, relocs, nil
}

func encodeOne(in *Inst, pc int64, blockOff []int64, long bool, nblocks int) ([]uint32, error) {
	switch in.Op {
	case OpVLE, OpVLSE, OpVLUXEI, OpVSE, OpVSSE, OpVSUXEI, OpVLRE, OpVSR:
		w, err := encodeVMem(in)
		return []uint32{w}, err
	}
	e, ok := encodingOf[in.Op]
	if !ok {
		return nil, fmt.Errorf("no encoding for %s", in.Op)
	}
	rd, rs1, rs2 := in.Rd.Num(), in.Rs1.Num(), in.Rs2.Num()
	switch in.Op.Format() {
	case FmtR:
		return []uint32{encR(e.match, rd, rs1, rs2)}, nil
	case FmtR1:
		switch in.Op {
		case OpFMVS, OpFMVD:
			return []uint32{encR(e.match, rd, rs1, rs1)}, nil
		case OpFCVTLS, OpFCVTLD:
			return []uint32{encR(e.match|1<<12, rd, rs1, 0)}, nil
		case OpFMVXW, OpFMVWX, OpFMVXD, OpFMVDX:
			return []uint32{encR(e.match, rd, rs1, 0)}, nil
		}
		return []uint32{encR(e.match|7<<12, rd, rs1, 0)}, nil
	case FmtI, FmtLoad, FmtJR:
		if !fitsImm12(in.Imm) {
			return nil, fmt.Errorf("immediate %d out of range", in.Imm)
		}
		return []uint32{encI(e.match, rd, rs1, in.Imm)}, nil
	case FmtShift:
		limit := int64(64)
		if e.match&0x7f == opcOpImmW {
			limit = 32
		}
		if in.Imm < 0 || in.Imm >= limit {
			return nil, fmt.Errorf("shift amount %d out of range", in.Imm)
		}
		return []uint32{encI(e.match, rd, rs1, in.Imm)}, nil
	case FmtStore:
		if !fitsImm12(in.Imm) {
			return nil, fmt.Errorf("offset %d out of range", in.Imm)
		}
		return []uint32{encS(e.match, rs1, rs2, in.Imm)}, nil
	case FmtU:
		return []uint32{encU(e.match, rd, in.Imm)}, nil
	case FmtBranch:
		if in.Target < 0 || in.Target >= nblocks {
			return nil, fmt.Errorf("branch to missing block %d", in.Target)
		}
		off := blockOff[in.Target] - pc
		if !long {
			return []uint32{encB(e.match, rs1, rs2, off)}, nil
		}
		inv := encodingOf[invertBranch[in.Op]]
		off -= 4
		if !fitsBits(off, 21) {
			return nil, fmt.Errorf("branch target out of reach")
		}
		return []uint32{encB(inv.match, rs1, rs2, 8), encJ(0, off)}, nil
	case FmtJ:
		if in.Target < 0 || in.Target >= nblocks {
			return nil, fmt.Errorf("jump to missing block %d", in.Target)
		}
		off := blockOff[in.Target] - pc
		if !fitsBits(off, 21) {
			return nil, fmt.Errorf("jump target out of reach")
		}
		return []uint32{encJ(rd, off)}, nil
	case FmtNone:
		return []uint32{e.match}, nil
	case FmtVSet:
		return []uint32{e.match | uint32(in.Imm&0x7ff)<<20 | rs1<<15 | rd<<7}, nil
	case FmtVV, FmtVX, FmtVRed:
		return []uint32{encR(e.match, rd, rs2, rs1)}, nil
	case FmtVI:
		return []uint32{encR(e.match, rd, uint32(in.Imm&0x1f), rs1)}, nil
	case FmtVMvX:
		return []uint32{encR(e.match, rd, rs1, 0)}, nil
	case FmtVMvI:
		return []uint32{encR(e.match, rd, uint32(in.Imm&0x1f), 0)}, nil
	case FmtVToX:
		return []uint32{encR(e.match, rd, 0, rs1)}, nil
	case FmtVNoSrc:
		return []uint32{e.match | rd<<7}, nil
	}
	return nil, fmt.Errorf("cannot encode format of %s", in.Op)
}

// encodeVMem encodes the RVV loads and stores. The width field carries the
// element width; whole-register forms carry the register count in nf.
func encodeVMem(in *Inst) (uint32, error) {
	const vm = 1 << 25
	var opc, mop, field2, vd uint32
	width, ok := vecWidth[in.Imm]
	switch in.Op {
	case OpVLE, OpVLSE, OpVLUXEI, OpVLRE:
		opc, vd = opcLoadFP, in.Rd.Num()
	default:
		opc, vd = opcStorFP, in.Rs3.Num()
	}
	switch in.Op {
	case OpVLSE, OpVSSE:
		mop, field2 = 2, in.Rs2.Num()
	case OpVLUXEI, OpVSUXEI:
		mop, field2 = 1, in.Rs2.Num()
	case OpVLRE, OpVSR:
		n := in.Imm
		if n != 1 && n != 2 && n != 4 && n != 8 {
			return 0, fmt.Errorf("whole-register group of %d", n)
		}
		width = 7
		if in.Op == OpVSR {
			width = 0
		}
		return uint32(n-1)<<29 | vm | 8<<20 | in.Rs1.Num()<<15 | width<<12 | vd<<7 | opc, nil
	}
	if !ok {
		return 0, fmt.Errorf("element width %d", in.Imm)
	}
	return mop<<26 | vm | field2<<20 | in.Rs1.Num()<<15 | width<<12 | vd<<7 | opc, nil
}
