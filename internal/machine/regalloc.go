package machine

import (
	"slices"

	"kiln/internal/diag"
	"kiln/internal/target"
)

// LiveRange is the live interval of one virtual register over the linear
// instruction order. Uses of instruction k sit at 2k and its def at 2k+1,
// so a value dying at an instruction never interferes with its result.
type LiveRange struct {
	Reg         Reg
	Class       target.RegClass
	Start, End  int
	Uses        int
	Weight      float64
	CrossesCall bool
}

// Len returns the number of positions the range covers.
func (r LiveRange) Len() int { return r.End - r.Start + 1 }

// Priority is the spill priority: long, rarely used ranges spill first.
func (r LiveRange) Priority() float64 { return float64(r.Len()) / (1 + r.Weight) }

// Overlaps reports whether two ranges are live at a common position.
func (r LiveRange) Overlaps(o LiveRange) bool { return r.Start <= o.End && o.Start <= r.End }

// InterferenceGraph has one node per live range and an edge between every
// pair of overlapping ranges of the same class.
type InterferenceGraph struct {
	Ranges []LiveRange
	index  map[Reg]int
	adj    [][]int
}

// Len returns the number of nodes.
func (g *InterferenceGraph) Len() int { return len(g.Ranges) }

// Range returns the live range of r.
func (g *InterferenceGraph) Range(r Reg) (LiveRange, bool) {
	i, ok := g.index[r]
	if !ok {
		return LiveRange{}, false
	}
	return g.Ranges[i], true
}

// Neighbors returns the registers interfering with r.
func (g *InterferenceGraph) Neighbors(r Reg) []Reg {
	i, ok := g.index[r]
	if !ok {
		return nil
	}
	out := make([]Reg, len(g.adj[i]))
	for k, j := range g.adj[i] {
		out[k] = g.Ranges[j].Reg
	}
	return out
}

// Interferes reports whether a and b may not share a register.
func (g *InterferenceGraph) Interferes(a, b Reg) bool {
	i, ok1 := g.index[a]
	j, ok2 := g.index[b]
	if !ok1 || !ok2 {
		return false
	}
	_, found := slices.BinarySearch(g.adj[i], j)
	return found
}

// Edges returns the number of interference edges.
func (g *InterferenceGraph) Edges() int {
	n := 0
	for _, a := range g.adj {
		n += len(a)
	}
	return n / 2
}

// Verify checks that no two interfering ranges received the same register.
func (g *InterferenceGraph) Verify(assigned map[Reg]Reg) error {
	for i, nb := range g.adj {
		ri, ok := assigned[g.Ranges[i].Reg]
		if !ok {
			continue
		}
		for _, j := range nb {
			if j < i {
				continue
			}
			if rj, ok := assigned[g.Ranges[j].Reg]; ok && rj == ri {
				return diag.Verification(diag.VerRegAlloc, nil, "%s and %s overlap and share %s",
					RegName(g.Ranges[i].Reg), RegName(g.Ranges[j].Reg), RegName(ri))
			}
		}
	}
	return nil
}

// liveness holds per-block live-in and live-out sets of virtual registers.
type liveness struct {
	in, out []map[Reg]bool
	start   []int // linear position of each block's first instruction
	end     []int // linear position of each block's last def slot
}

func computeLiveness(mf *MFunc) *liveness {
	n := len(mf.Blocks)
	lv := &liveness{in: make([]map[Reg]bool, n), out: make([]map[Reg]bool, n), start: make([]int, n), end: make([]int, n)}
	use := make([]map[Reg]bool, n)
	def := make([]map[Reg]bool, n)
	k := 0
	for b := range mf.Blocks {
		lv.start[b] = 2 * k
		use[b], def[b] = make(map[Reg]bool), make(map[Reg]bool)
		for i := range mf.Blocks[b].Insts {
			in := &mf.Blocks[b].Insts[i]
			for _, r := range in.Uses() {
				if r.IsVirtual() && !def[b][r] {
					use[b][r] = true
				}
			}
			for _, r := range in.Defs() {
				if r.IsVirtual() {
					def[b][r] = true
				}
			}
		}
		k += len(mf.Blocks[b].Insts)
		lv.end[b] = max(2*k-1, lv.start[b])
		lv.in[b], lv.out[b] = make(map[Reg]bool), make(map[Reg]bool)
	}
	succs := make([][]int, n)
	for b := range mf.Blocks {
		succs[b] = mf.Succs(b)
	}
	for changed := true; changed; {
		changed = false
		for b := n - 1; b >= 0; b-- {
			for _, s := range succs[b] {
				for r := range lv.in[s] {
					if !lv.out[b][r] {
						lv.out[b][r] = true
						changed = true
					}
				}
			}
			for r := range use[b] {
				if !lv.in[b][r] {
					lv.in[b][r] = true
					changed = true
				}
			}
			for r := range lv.out[b] {
				if !def[b][r] && !lv.in[b][r] {
					lv.in[b][r] = true
					changed = true
				}
			}
		}
	}
	return lv
}

// BuildInterferenceGraph computes live ranges of every virtual register of
// mf. With weighted set, use weights are scaled by block frequency.
func (o *Optimizer) BuildInterferenceGraph(mf *MFunc, weighted bool) *InterferenceGraph {
	lv := computeLiveness(mf)
	g := &InterferenceGraph{index: make(map[Reg]int)}
	touch := func(r Reg, pos int) *LiveRange {
		i, ok := g.index[r]
		if !ok {
			g.index[r] = len(g.Ranges)
			g.Ranges = append(g.Ranges, LiveRange{Reg: r, Class: mf.ClassOf(r), Start: pos, End: pos})
			return &g.Ranges[len(g.Ranges)-1]
		}
		lr := &g.Ranges[i]
		lr.Start = min(lr.Start, pos)
		lr.End = max(lr.End, pos)
		return lr
	}
	var calls []int
	k := 0
	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		w := 1.0
		if weighted && blk.Freq > 0 {
			w = blk.Freq
		}
		for r := range lv.in[b] {
			touch(r, lv.start[b])
		}
		for r := range lv.out[b] {
			touch(r, lv.end[b])
		}
		for i := range blk.Insts {
			in := &blk.Insts[i]
			if in.IsCall() {
				calls = append(calls, 2*k)
			}
			for _, r := range in.Uses() {
				if r.IsVirtual() {
					lr := touch(r, 2*k)
					lr.Uses++
					lr.Weight += w
				}
			}
			for _, r := range in.Defs() {
				if r.IsVirtual() {
					lr := touch(r, 2*k+1)
					lr.Uses++
					lr.Weight += w
				}
			}
			k++
		}
	}
	for i := range g.Ranges {
		lr := &g.Ranges[i]
		for _, c := range calls {
			if lr.Start < c && lr.End > c {
				lr.CrossesCall = true
				break
			}
		}
	}

	g.adj = make([][]int, len(g.Ranges))
	order := make([]int, len(g.Ranges))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return g.Ranges[a].Start - g.Ranges[b].Start })
	var active []int
	for _, i := range order {
		cur := g.Ranges[i]
		kept := active[:0]
		for _, j := range active {
			if g.Ranges[j].End >= cur.Start {
				kept = append(kept, j)
			}
		}
		active = kept
		for _, j := range active {
			if g.Ranges[j].Class == cur.Class {
				g.adj[i] = append(g.adj[i], j)
				g.adj[j] = append(g.adj[j], i)
			}
		}
		active = append(active, i)
	}
	for i := range g.adj {
		slices.Sort(g.adj[i])
	}
	return g
}

// allocate colors the interference graph in interval start order. When no
// register is free, the register whose holders all have a higher spill
// priority than the current range is taken from them; otherwise the
// current range spills.
func (o *Optimizer) allocate(mf *MFunc, g *InterferenceGraph) error {
	mf.Assigned = make(map[Reg]Reg)
	spilled := make(map[Reg]bool)

	order := make([]int, len(g.Ranges))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if d := g.Ranges[a].Start - g.Ranges[b].Start; d != 0 {
			return d
		}
		return int(g.Ranges[a].Reg - g.Ranges[b].Reg)
	})

	allowed := func(lr LiveRange) []Reg {
		p := &o.pools[lr.Class]
		if lr.CrossesCall {
			return p.CalleeSaved
		}
		return append(append([]Reg(nil), p.CallerSaved...), p.CalleeSaved...)
	}

	for _, i := range order {
		lr := g.Ranges[i]
		regs := allowed(lr)
		busy := make(map[Reg][]Reg)
		for _, j := range g.adj[i] {
			if r, ok := mf.Assigned[g.Ranges[j].Reg]; ok {
				busy[r] = append(busy[r], g.Ranges[j].Reg)
			}
		}
		pick := NoReg
		if h := mf.VRegInfo(lr.Reg).Hint; h != NoReg && slices.Contains(regs, h) && len(busy[h]) == 0 {
			pick = h
		}
		for _, r := range regs {
			if pick != NoReg {
				break
			}
			if len(busy[r]) == 0 {
				pick = r
			}
		}
		if pick != NoReg {
			mf.Assigned[lr.Reg] = pick
			continue
		}

		victimReg := NoReg
		best := lr.Priority()
		for _, r := range regs {
			floor := -1.0
			for k, owner := range busy[r] {
				or, _ := g.Range(owner)
				if k == 0 || or.Priority() < floor {
					floor = or.Priority()
				}
			}
			if floor > best {
				best, victimReg = floor, r
			}
		}
		if victimReg == NoReg {
			spilled[lr.Reg] = true
			continue
		}
		for _, owner := range busy[victimReg] {
			spilled[owner] = true
			delete(mf.Assigned, owner)
		}
		mf.Assigned[lr.Reg] = victimReg
	}

	if err := g.Verify(mf.Assigned); err != nil {
		return err
	}
	o.rewriteSpills(mf, spilled)
	return nil
}

// spillEverything gives every virtual register a stack slot.
func (o *Optimizer) spillEverything(mf *MFunc) {
	mf.Assigned = make(map[Reg]Reg)
	all := make(map[Reg]bool)
	for b := range mf.Blocks {
		for i := range mf.Blocks[b].Insts {
			in := &mf.Blocks[b].Insts[i]
			for _, r := range append(in.Uses(), in.Defs()...) {
				if r.IsVirtual() {
					all[r] = true
				}
			}
		}
	}
	o.rewriteSpills(mf, all)
}

func (o *Optimizer) spillSlot(mf *MFunc, r Reg) int {
	if s, ok := mf.Spilled[r]; ok {
		return s
	}
	size := int64(8)
	if mf.ClassOf(r) == target.ClassVector {
		size = int64(o.desc.VLEN() / 8 * max(o.desc.LMUL(), 1))
	}
	s := mf.Frame.addSlot(SlotSpill, size, min(size, 16))
	mf.Spilled[r] = s
	return s
}

// reloadOp and spillOp pick the scalar load and store for a register class.
func reloadOp(c target.RegClass) Opcode {
	if c == target.ClassFPR {
		return OpFLD
	}
	return OpLD
}

func spillOp(c target.RegClass) Opcode {
	if c == target.ClassFPR {
		return OpFSD
	}
	return OpSD
}

// rewriteSpills inserts reloads before every use and stores after every def
// of the spilled registers, then replaces virtual registers by their
// assignment. Vector reloads go first since they borrow t5 for the address.
func (o *Optimizer) rewriteSpills(mf *MFunc, spilled map[Reg]bool) {
	if mf.Spilled == nil {
		mf.Spilled = make(map[Reg]int)
	}
	regs := make([]Reg, 0, len(spilled))
	for r := range spilled {
		regs = append(regs, r)
	}
	slices.Sort(regs)
	for _, r := range regs {
		o.spillSlot(mf, r)
	}
	mf.Stats.SpilledVRegs = len(spilled)
	lmul := int64(max(o.desc.LMUL(), 1))

	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		out := make([]Inst, 0, len(blk.Insts))
		for i := range blk.Insts {
			in := blk.Insts[i]
			scratch := make(map[Reg]Reg)
			next := [3]int{}
			take := func(r Reg) Reg {
				if s, ok := scratch[r]; ok {
					return s
				}
				c := mf.ClassOf(r)
				pool := o.pools[c].Scratch
				s := pool[next[c]%len(pool)]
				next[c]++
				scratch[r] = s
				return s
			}
			uses := in.Uses()
			for _, class := range []target.RegClass{target.ClassVector, target.ClassFPR, target.ClassGPR} {
				for _, r := range uses {
					if !spilled[r] || mf.ClassOf(r) != class {
						continue
					}
					if _, done := scratch[r]; done {
						continue
					}
					s := take(r)
					slot := mf.Spilled[r]
					if class == target.ClassVector {
						fa := newInst(OpFRAMEADDR)
						fa.Rd, fa.Slot = RegT5, slot
						vl := rri(OpVLRE, s, RegT5, lmul)
						out = append(out, fa, vl)
					} else {
						out = append(out, slotLoad(reloadOp(class), s, slot))
					}
					mf.Stats.Reloads++
				}
			}
			var defStore []Inst
			for _, r := range in.Defs() {
				if !spilled[r] {
					continue
				}
				class := mf.ClassOf(r)
				s, ok := scratch[r]
				if !ok {
					s = o.pools[class].Scratch[0]
					scratch[r] = s
				}
				slot := mf.Spilled[r]
				if class == target.ClassVector {
					fa := newInst(OpFRAMEADDR)
					fa.Rd, fa.Slot = RegT5, slot
					vs := newInst(OpVSR)
					vs.Rs3, vs.Rs1, vs.Imm = s, RegT5, lmul
					defStore = append(defStore, fa, vs)
				} else {
					defStore = append(defStore, slotStore(spillOp(class), s, slot))
				}
				mf.Stats.Spills++
			}
			mapReg := func(r Reg) Reg {
				if !r.IsVirtual() {
					return r
				}
				if s, ok := scratch[r]; ok {
					return s
				}
				if p, ok := mf.Assigned[r]; ok {
					return p
				}
				return r
			}
			in.mapRegs(mapReg, mapReg)
			out = append(out, in)
			out = append(out, defStore...)
		}
		blk.Insts = out
	}
}

// checkAllocated reports any virtual register left after allocation.
func checkAllocated(mf *MFunc) error {
	for b := range mf.Blocks {
		for i := range mf.Blocks[b].Insts {
			in := &mf.Blocks[b].Insts[i]
			for _, r := range append(in.Uses(), in.Defs()...) {
				if r.IsVirtual() {
					return diag.InternalCodegen(diag.IntLowering, "%s left unallocated in %q",
						RegName(r), in.String())
				}
			}
		}
	}
	return nil
}
