package machine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Physical register numbers used below.
const (
	rA0 Reg = 10
	rA1 Reg = 11
	rA2 Reg = 12
	rS1 Reg = 9
	fA1 Reg = 32 + 11
	fA2 Reg = 32 + 12
)

func vreg(n int) Reg { return RegV0 + Reg(n) }

func lowered(blocks ...[]Inst) *MFunc {
	mf := newMFunc("t", 1)
	for _, insts := range blocks {
		b := mf.AddBlock("b")
		mf.Blocks[b].Insts = insts
	}
	mf.Frame.Lowered = true
	return mf
}

func encodeWords(t *testing.T, insts ...Inst) []uint32 {
	t.Helper()
	code, _, err := Encode(lowered(insts))
	require.NoError(t, err)
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[4*i:])
	}
	return words
}

func TestEncodeKnownWords(t *testing.T) {
	vset := rri(OpVSETVLI, RegZero, rA0, vtype(32, 1))
	vle := newInst(OpVLE)
	vle.Rd, vle.Rs1, vle.Imm = vreg(1), rA0, 32
	cases := []struct {
		in   Inst
		want uint32
	}{
		{rrr(OpADD, rA0, rA1, rA2), 0x00c58533},
		{rri(OpADDI, rA0, rA0, 1), 0x00150513},
		{load(OpLD, rA0, RegSP, 8), 0x00813503},
		{store(OpSD, RegRA, RegSP, 8), 0x00113423},
		{newInst(OpRET), 0x00008067},
		{newInst(OpEBREAK), 0x00100073},
		{mv(rA0, rA1), 0x00058513},
		{vset, 0x0d057057},
		{rrr(OpVADDVV, vreg(1), vreg(2), vreg(3)), 0x022180d7},
		{vle, 0x02056087},
	}
	for _, c := range cases {
		words := encodeWords(t, c.in)
		require.Equal(t, []uint32{c.want}, words, c.in.String())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vsll := rri(OpVSLLVI, vreg(2), vreg(4), 3)
	vid := newInst(OpVIDV)
	vid.Rd = vreg(6)
	mk := func(op Opcode, rd, rs1, rs2, rs3 Reg, imm int64) Inst {
		in := newInst(op)
		in.Rd, in.Rs1, in.Rs2, in.Rs3, in.Imm = rd, rs1, rs2, rs3, imm
		return in
	}
	cases := []Inst{
		rrr(OpADD, rA0, rA1, rA2),
		rrr(OpSUB, rS1, rA0, rA1),
		rrr(OpMULW, rA0, rA1, rA2),
		rrr(OpREMU, rA0, rA1, rA2),
		rrr(OpSH2ADD, rA0, rA1, rA2),
		rrr(OpANDN, rA0, rA1, rA2),
		rrr(OpMIN, rA0, rA1, rA2),
		rrr(OpADD8, rA0, rA1, rA2),
		rrr(OpSUB16, rA0, rA1, rA2),
		rri(OpADDI, rA0, rA1, -5),
		rri(OpADDIW, rA0, rA1, 2047),
		rri(OpSRAI, rA0, rA1, 63),
		rri(OpSLLI, rA0, rA1, 40),
		rri(OpSLLIW, rA0, rA1, 31),
		load(OpLD, rA0, RegSP, 16),
		load(OpLBU, rA0, rA1, -1),
		store(OpSW, rA1, RegSP, -24),
		load(OpFLD, fA1, RegSP, 8),
		store(OpFSD, fA2, rA0, 2040),
		rrr(OpFADDD, fA1, fA1, fA2),
		rrr(OpFEQS, rA0, fA1, fA2),
		rrr(OpFCVTLD, rA0, fA1, NoReg),
		rrr(OpFCVTDL, fA1, rA0, NoReg),
		rrr(OpFMVD, fA1, fA2, NoReg),
		rrr(OpFMVDX, fA1, rA1, NoReg),
		lui(rA0, 0x12345),
		newInst(OpEBREAK),
		rri(OpVSETVLI, RegZero, rA0, vtype(64, 2)),
		rrr(OpVADDVV, vreg(1), vreg(2), vreg(3)),
		rrr(OpVMULVV, vreg(8), vreg(16), vreg(24)),
		rrr(OpVADDVX, vreg(1), vreg(2), rA1),
		vsll,
		rrr(OpVMVVX, vreg(2), rA1, NoReg),
		rrr(OpVMVSX, vreg(2), rA1, NoReg),
		rrr(OpVMVXS, rA0, vreg(4), NoReg),
		vid,
		rrr(OpVREDSUM, vreg(1), vreg(2), vreg(3)),
		mk(OpVLE, vreg(1), rA0, NoReg, NoReg, 64),
		mk(OpVLSE, vreg(1), rA0, rA1, NoReg, 32),
		mk(OpVLUXEI, vreg(1), rA0, vreg(8), NoReg, 16),
		mk(OpVSE, NoReg, rA0, NoReg, vreg(3), 8),
		mk(OpVSSE, NoReg, rA0, rA2, vreg(3), 16),
		mk(OpVSUXEI, NoReg, rA0, vreg(4), vreg(3), 64),
		mk(OpVLRE, vreg(8), RegT5, NoReg, NoReg, 2),
		mk(OpVSR, NoReg, RegT5, NoReg, vreg(8), 4),
	}
	for _, want := range cases {
		words := encodeWords(t, want)
		require.Len(t, words, 1, want.String())
		got, err := Decode(words[0])
		require.NoError(t, err, want.String())
		require.Equal(t, want, got, "%s: %#08x", want.String(), words[0])
	}
}

func TestDecodeRejectsUnknownWords(t *testing.T) {
	_, err := Decode(0xffffffff)
	require.Error(t, err)
	_, err = Decode(0)
	require.Error(t, err)
}

func TestEncodeExpandsPseudos(t *testing.T) {
	la := newInst(OpLA)
	la.Rd, la.Sym = rA0, "table"
	call := newInst(OpCALL)
	call.Sym = "helper"
	trap := newInst(OpTRAPZ)
	trap.Rs1 = rA1

	code, relocs, err := Encode(lowered([]Inst{la, call, trap, newInst(OpRET)}))
	require.NoError(t, err)
	require.Len(t, code, 7*4)
	require.Equal(t, []Reloc{
		{Offset: 0, Kind: RelocPCRelHi20, Sym: "table"},
		{Offset: 4, Kind: RelocPCRelLo12I, Sym: "table", HiOffset: 0},
		{Offset: 8, Kind: RelocCallPLT, Sym: "helper"},
	}, relocs)

	ops := make([]Opcode, 0, 7)
	for off := 0; off < len(code); off += 4 {
		in, err := Decode(binary.LittleEndian.Uint32(code[off:]))
		require.NoError(t, err)
		ops = append(ops, in.Op)
	}
	require.Equal(t, []Opcode{OpAUIPC, OpADDI, OpAUIPC, OpJALR, OpBNE, OpEBREAK, OpJALR}, ops)
}

func TestBranchRelaxation(t *testing.T) {
	nops := func(n int) []Inst {
		out := make([]Inst, n)
		for i := range out {
			out[i] = rri(OpADDI, RegZero, RegZero, 0)
		}
		return out
	}
	decodeAt := func(code []byte, off int) Inst {
		in, err := Decode(binary.LittleEndian.Uint32(code[off:]))
		require.NoError(t, err)
		return in
	}

	near := lowered([]Inst{branch(OpBEQ, rA0, RegZero, 2)}, nops(10), []Inst{newInst(OpRET)})
	code, _, err := Encode(near)
	require.NoError(t, err)
	require.Len(t, code, 4+40+4)
	in := decodeAt(code, 0)
	require.Equal(t, OpBEQ, in.Op)
	require.Equal(t, int64(44), in.Imm)

	far := lowered([]Inst{branch(OpBEQ, rA0, RegZero, 2)}, nops(1100), []Inst{newInst(OpRET)})
	code, _, err = Encode(far)
	require.NoError(t, err)
	require.Len(t, code, 8+4400+4)
	in = decodeAt(code, 0)
	require.Equal(t, OpBNE, in.Op)
	require.Equal(t, int64(8), in.Imm)
	in = decodeAt(code, 4)
	require.Equal(t, OpJAL, in.Op)
	require.Equal(t, RegZero, in.Rd)
	require.Equal(t, int64(4404), in.Imm)
}

func TestEncodeRejectsUnloweredCode(t *testing.T) {
	mf := lowered([]Inst{rri(OpADDI, VRegBase, RegZero, 1), newInst(OpRET)})
	_, _, err := Encode(mf)
	require.Error(t, err)

	mf = lowered([]Inst{slotLoad(OpLD, rA0, 0), newInst(OpRET)})
	_, _, err = Encode(mf)
	require.Error(t, err)

	mf = lowered([]Inst{newInst(OpRET)})
	mf.Frame.Lowered = false
	_, _, err = Encode(mf)
	require.Error(t, err)

	_, _, err = Encode(lowered([]Inst{rri(OpADDI, rA0, rA0, 4096)}))
	require.Error(t, err)
}

func TestFrameLoweringLargeOffsets(t *testing.T) {
	o := &Optimizer{opts: DefaultOptions()}
	mf := newMFunc("big", 1)
	b := mf.AddBlock("entry")
	small := mf.Frame.addSlot(SlotAlloca, 8, 8)
	mf.Frame.addSlot(SlotAlloca, 4096, 8)
	mf.Blocks[b].Insts = []Inst{slotStore(OpSD, rA0, small), slotLoad(OpLD, rA0, small), newInst(OpRET)}
	require.NoError(t, o.lowerFrame(mf))
	require.Zero(t, mf.Frame.Size%stackAlign)
	require.GreaterOrEqual(t, mf.Frame.Size, int64(4104))

	// sp adjustment does not fit an immediate, so it goes through t5.
	insts := mf.Blocks[0].Insts
	require.Equal(t, OpADD, insts[len(insts)-2].Op)
	require.Equal(t, RegSP, insts[len(insts)-2].Rd)
	require.Equal(t, OpRET, insts[len(insts)-1].Op)
	for _, in := range insts {
		require.Equal(t, -1, in.Slot)
	}
	require.Error(t, o.lowerFrame(mf))

	_, _, err := Encode(mf)
	require.NoError(t, err)
}
