package machine

// regCounts returns how many instructions define and read every virtual
// register of mf.
func regCounts(mf *MFunc) (defs, uses map[Reg]int) {
	defs, uses = make(map[Reg]int), make(map[Reg]int)
	for b := range mf.Blocks {
		for i := range mf.Blocks[b].Insts {
			in := &mf.Blocks[b].Insts[i]
			for _, r := range in.Defs() {
				defs[r]++
			}
			for _, r := range in.Uses() {
				uses[r]++
			}
		}
	}
	return defs, uses
}

// bitManip folds a bitwise NOT into the and/or that consumes it:
//
//	xori t, b, -1; and d, a, t  =>  andn d, a, b
//	xori t, b, -1; or  d, a, t  =>  orn  d, a, b
//
// t must have a single def and a single use, and b must not change in
// between. It returns the number of rewrites.
func (o *Optimizer) bitManip(mf *MFunc) int {
	defs, uses := regCounts(mf)
	n := 0
	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		dead := make(map[int]bool)
		for i := range blk.Insts {
			not := &blk.Insts[i]
			if not.Op != OpXORI || not.Imm != -1 || !not.Rd.IsVirtual() {
				continue
			}
			t, src := not.Rd, not.Rs1
			if defs[t] != 1 || uses[t] != 1 {
				continue
			}
			for j := i + 1; j < len(blk.Insts); j++ {
				in := &blk.Insts[j]
				if in.Op == OpAND || in.Op == OpOR {
					other := NoReg
					switch t {
					case in.Rs2:
						other = in.Rs1
					case in.Rs1:
						other = in.Rs2
					}
					if other != NoReg && other != t {
						op := OpANDN
						if in.Op == OpOR {
							op = OpORN
						}
						*in = rrr(op, in.Rd, other, src)
						dead[i] = true
						n++
						break
					}
				}
				if overlapsRegs(in.Defs(), []Reg{src}) || overlapsRegs(in.Uses(), []Reg{t}) {
					break
				}
			}
		}
		if len(dead) == 0 {
			continue
		}
		kept := blk.Insts[:0]
		for i, in := range blk.Insts {
			if !dead[i] {
				kept = append(kept, in)
			}
		}
		blk.Insts = kept
	}
	return n
}
