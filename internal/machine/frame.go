package machine

import (
	"slices"

	"kiln/internal/diag"
	"kiln/internal/target"
)

// stackAlign is the psABI stack alignment.
const stackAlign = 16

func alignUp(n, a int64) int64 { return (n + a - 1) / a * a }

// calleeSavedUsed lists the callee-saved registers the body writes, plus ra
// when the function calls out.
func (o *Optimizer) calleeSavedUsed(mf *MFunc) []Reg {
	saved := make(map[Reg]bool)
	for _, class := range []target.RegClass{target.ClassGPR, target.ClassFPR} {
		for _, r := range o.pools[class].CalleeSaved {
			saved[r] = false
		}
	}
	for b := range mf.Blocks {
		for i := range mf.Blocks[b].Insts {
			for _, r := range mf.Blocks[b].Insts[i].Defs() {
				if _, ok := saved[r]; ok {
					saved[r] = true
				}
			}
		}
	}
	var out []Reg
	if mf.Frame.HasCalls {
		out = append(out, RegRA)
	}
	for r, used := range saved {
		if used {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// layoutFrame assigns sp-relative offsets to every slot, larger
// alignments first, and rounds the frame to the stack alignment.
func layoutFrame(fr *Frame) {
	order := make([]int, len(fr.Slots))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return int(fr.Slots[b].Align - fr.Slots[a].Align)
	})
	off := int64(0)
	for _, i := range order {
		s := &fr.Slots[i]
		off = alignUp(off, s.Align)
		s.Offset = off
		off += s.Size
	}
	fr.Size = alignUp(off, stackAlign)
}

// adjustSP emits sp += delta.
func adjustSP(delta int64) []Inst {
	if fitsImm12(delta) {
		return []Inst{rri(OpADDI, RegSP, RegSP, delta)}
	}
	return append(loadImm(RegT5, delta), rrr(OpADD, RegSP, RegSP, RegT5))
}

// lowerFrame inserts the prologue and epilogues, saves the callee-saved
// registers the function clobbers and resolves every frame slot reference
// to an sp offset.
func (o *Optimizer) lowerFrame(mf *MFunc) error {
	if mf.Frame.Lowered {
		return diag.InternalCodegen(diag.IntLowering, "frame of %s lowered twice", mf.Name)
	}
	if err := checkAllocated(mf); err != nil {
		return err
	}
	fr := &mf.Frame
	fr.Saved = o.calleeSavedUsed(mf)
	saveSlots := make([]int, len(fr.Saved))
	for i := range fr.Saved {
		saveSlots[i] = fr.addSlot(SlotSave, 8, 8)
	}
	layoutFrame(fr)

	saveOp := func(r Reg) (Opcode, Opcode) {
		if physClass(r) == target.ClassFPR {
			return OpFSD, OpFLD
		}
		return OpSD, OpLD
	}
	if fr.Size > 0 {
		pro := adjustSP(-fr.Size)
		for i, r := range fr.Saved {
			st, _ := saveOp(r)
			pro = append(pro, slotStore(st, r, saveSlots[i]))
		}
		mf.Blocks[0].Insts = append(pro, mf.Blocks[0].Insts...)

		for b := range mf.Blocks {
			blk := &mf.Blocks[b]
			out := make([]Inst, 0, len(blk.Insts)+len(fr.Saved)+1)
			for _, in := range blk.Insts {
				if in.Op == OpRET {
					for i, r := range fr.Saved {
						_, ld := saveOp(r)
						out = append(out, slotLoad(ld, r, saveSlots[i]))
					}
					out = append(out, adjustSP(fr.Size)...)
				}
				out = append(out, in)
			}
			blk.Insts = out
		}
	}

	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		out := make([]Inst, 0, len(blk.Insts))
		for _, in := range blk.Insts {
			if in.Slot < 0 {
				out = append(out, in)
				continue
			}
			if in.Slot >= len(fr.Slots) {
				return diag.InternalCodegen(diag.IntLowering, "slot %d out of range in %s", in.Slot, mf.Name)
			}
			off := fr.Slots[in.Slot].Offset + in.Imm
			in.Slot = -1
			out = append(out, resolveSlot(in, off)...)
		}
		blk.Insts = out
	}
	fr.Lowered = true
	return nil
}

// resolveSlot rewrites a frame access to use sp plus off, going through a
// scratch register when off does not fit an immediate.
func resolveSlot(in Inst, off int64) []Inst {
	switch in.Op.Format() {
	case FmtFrameAddr:
		if fitsImm12(off) {
			return []Inst{rri(OpADDI, in.Rd, RegSP, off)}
		}
		return append(loadImm(in.Rd, off), rrr(OpADD, in.Rd, in.Rd, RegSP))
	case FmtLoad:
		if fitsImm12(off) {
			in.Rs1, in.Imm = RegSP, off
			return []Inst{in}
		}
		tmp := in.Rd
		if physClass(tmp) != target.ClassGPR {
			tmp = RegT5
		}
		out := append(loadImm(tmp, off), rrr(OpADD, tmp, tmp, RegSP))
		in.Rs1, in.Imm = tmp, 0
		return append(out, in)
	case FmtStore:
		if fitsImm12(off) {
			in.Rs1, in.Imm = RegSP, off
			return []Inst{in}
		}
		tmp := RegT5
		if in.Rs2 == RegT5 {
			tmp = RegT6
		}
		out := append(loadImm(tmp, off), rrr(OpADD, tmp, tmp, RegSP))
		in.Rs1, in.Imm = tmp, 0
		return append(out, in)
	}
	return []Inst{in}
}
