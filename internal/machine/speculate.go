package machine

// maxSpeculated bounds the instructions hoisted out of one branch arm.
const maxSpeculated = 3

// hoistable reports whether in is a pure integer instruction that may run
// on either side of a branch.
func hoistable(in *Inst, defs map[Reg]int) bool {
	if in.Op.Unit() != UnitALU || in.Op.IsBranch() || in.Slot >= 0 {
		return false
	}
	switch in.Op.Format() {
	case FmtR, FmtR1, FmtI, FmtShift, FmtU, FmtLA:
	default:
		return false
	}
	if !in.Rd.IsVirtual() || defs[in.Rd] != 1 {
		return false
	}
	for _, r := range in.Uses() {
		if r != RegZero && !r.IsVirtual() {
			return false
		}
	}
	return true
}

// speculate moves the leading pure instructions of a branch arm that has no
// other predecessor into the branching block, ahead of its conditional
// branch. It returns the number of instructions moved.
func (o *Optimizer) speculate(mf *MFunc) int {
	defs, _ := regCounts(mf)
	preds := mf.Preds()
	moved := 0
	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		ts := termStart(blk)
		if ts == len(blk.Insts) || blk.Insts[ts].Op.Format() != FmtBranch {
			continue
		}
		succs := mf.Succs(b)
		if len(succs) != 2 {
			continue
		}
		var branchUses []Reg
		for i := ts; i < len(blk.Insts); i++ {
			branchUses = append(branchUses, blk.Insts[i].Uses()...)
		}
		for _, s := range succs {
			if s == b || s == 0 || len(preds[s]) != 1 {
				continue
			}
			arm := &mf.Blocks[s]
			n := 0
			for n < len(arm.Insts) && n < maxSpeculated {
				in := &arm.Insts[n]
				if !hoistable(in, defs) || overlapsRegs(in.Defs(), branchUses) {
					break
				}
				n++
			}
			if n == 0 {
				continue
			}
			hoisted := append([]Inst(nil), arm.Insts[:n]...)
			arm.Insts = append(arm.Insts[:0:0], arm.Insts[n:]...)
			ts = termStart(blk)
			rest := append(hoisted, blk.Insts[ts:]...)
			blk.Insts = append(blk.Insts[:ts:ts], rest...)
			moved += n
		}
	}
	return moved
}
