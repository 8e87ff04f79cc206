package machine

import "slices"

// isBarrier reports whether no instruction may move across in.
func isBarrier(in *Inst) bool {
	if in.Op.IsBranch() || in.IsCall() {
		return true
	}
	switch in.Op {
	case OpEBREAK, OpTRAPZ:
		return true
	}
	return false
}

// usesVType reports whether in depends on the vector configuration set by
// vsetvli.
func usesVType(in *Inst) bool {
	if in.Op == OpVSETVLI {
		return false
	}
	return in.Op.Unit() == UnitVec || (in.Op >= OpVSETVLI && in.Op <= OpVSR)
}

type depNode struct {
	succs    []depEdge
	npred    int
	height   int // longest latency path to the end of the region
	earliest int // earliest issue cycle
}

type depEdge struct {
	to, lat int
}

// buildDeps returns the dependence DAG of a region.
func buildDeps(insts []Inst) []depNode {
	nodes := make([]depNode, len(insts))
	add := func(from, to, lat int) {
		for _, e := range nodes[from].succs {
			if e.to == to {
				return
			}
		}
		nodes[from].succs = append(nodes[from].succs, depEdge{to: to, lat: lat})
		nodes[to].npred++
	}
	for i := range insts {
		a := &insts[i]
		aDefs, aUses := a.Defs(), a.Uses()
		for j := i + 1; j < len(insts); j++ {
			b := &insts[j]
			bDefs, bUses := b.Defs(), b.Uses()
			switch {
			case overlapsRegs(aDefs, bUses):
				add(i, j, a.Op.Latency())
			case overlapsRegs(aUses, bDefs), overlapsRegs(aDefs, bDefs):
				add(i, j, 0)
			case a.Op.IsStore() && (b.Op.IsLoad() || b.Op.IsStore()),
				a.Op.IsLoad() && b.Op.IsStore():
				add(i, j, 0)
			case a.Op == OpVSETVLI && usesVType(b), usesVType(a) && b.Op == OpVSETVLI,
				a.Op == OpVSETVLI && b.Op == OpVSETVLI:
				add(i, j, 0)
			}
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		h := insts[i].Op.Latency()
		for _, e := range nodes[i].succs {
			h = max(h, e.lat+nodes[e.to].height)
		}
		nodes[i].height = h
	}
	return nodes
}

func overlapsRegs(a, b []Reg) bool {
	for _, x := range a {
		if x == RegZero {
			continue
		}
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// schedule list-schedules every block region between barriers. With
// resources set, issue is limited per cycle by IssueWidth and by one
// memory, multiply/divide, float and vector unit. It returns the number of
// blocks whose order changed.
func (o *Optimizer) schedule(mf *MFunc, resources bool) int {
	changed := 0
	for b := range mf.Blocks {
		if o.scheduleBlock(&mf.Blocks[b], resources) {
			changed++
		}
	}
	return changed
}

func (o *Optimizer) scheduleBlock(blk *MBlock, resources bool) bool {
	changed := false
	out := make([]Inst, 0, len(blk.Insts))
	start := 0
	flush := func(end int) {
		region := blk.Insts[start:end]
		order := o.scheduleRegion(region, resources)
		for k, idx := range order {
			if idx != k {
				changed = true
			}
			out = append(out, region[idx])
		}
	}
	for i := range blk.Insts {
		if isBarrier(&blk.Insts[i]) {
			flush(i)
			out = append(out, blk.Insts[i])
			start = i + 1
		}
	}
	flush(len(blk.Insts))
	blk.Insts = out
	return changed
}

// scheduleRegion returns a permutation of region respecting its
// dependences, highest critical path first.
func (o *Optimizer) scheduleRegion(region []Inst, resources bool) []int {
	n := len(region)
	order := make([]int, 0, n)
	if n < 2 {
		for i := range n {
			order = append(order, i)
		}
		return order
	}
	nodes := buildDeps(region)
	npred := make([]int, n)
	for i := range nodes {
		npred[i] = nodes[i].npred
	}
	ready := func(cycle int) []int {
		var out []int
		for i := range nodes {
			if npred[i] == 0 && (!resources || nodes[i].earliest <= cycle) {
				out = append(out, i)
			}
		}
		slices.SortFunc(out, func(a, b int) int {
			if nodes[a].height != nodes[b].height {
				return nodes[b].height - nodes[a].height
			}
			return a - b
		})
		return out
	}
	issue := func(i, cycle int) {
		npred[i] = -1
		order = append(order, i)
		for _, e := range nodes[i].succs {
			npred[e.to]--
			nodes[e.to].earliest = max(nodes[e.to].earliest, cycle+e.lat)
		}
	}

	if !resources {
		for len(order) < n {
			issue(ready(0)[0], 0)
		}
		return order
	}

	for cycle := 0; len(order) < n; cycle++ {
		used := make(map[Unit]int)
		slots := o.opts.IssueWidth
		for _, i := range ready(cycle) {
			if slots == 0 {
				break
			}
			u := region[i].Op.Unit()
			if u != UnitALU && used[u] > 0 {
				continue
			}
			used[u]++
			slots--
			issue(i, cycle)
		}
	}
	return order
}
