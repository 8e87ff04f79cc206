package machine

import "slices"

// maxIIGrowth bounds how far past the lower bound the modulo scheduler
// searches for an initiation interval.
const maxIIGrowth = 8

// selfLoop reports whether block b branches back to itself and holds no
// barrier before its trailing branch group.
func selfLoop(mf *MFunc, b int) bool {
	blk := &mf.Blocks[b]
	ts := termStart(blk)
	looped := false
	for i := ts; i < len(blk.Insts); i++ {
		if blk.Insts[i].Target == b && blk.Insts[i].Op.Format() == FmtBranch {
			looped = true
		}
	}
	if !looped || ts < 2 {
		return false
	}
	for i := range ts {
		if isBarrier(&blk.Insts[i]) {
			return false
		}
	}
	return true
}

func (o *Optimizer) unitCapacity(u Unit) int {
	if u == UnitALU {
		return o.opts.IssueWidth
	}
	return 1
}

// resMII is the resource bound on the initiation interval.
func (o *Optimizer) resMII(region []Inst) int {
	per := make(map[Unit]int)
	for i := range region {
		per[region[i].Op.Unit()]++
	}
	mii := (len(region) + o.opts.IssueWidth - 1) / o.opts.IssueWidth
	for u, n := range per {
		c := o.unitCapacity(u)
		mii = max(mii, (n+c-1)/c)
	}
	return max(mii, 1)
}

// recMII is the recurrence bound: a value defined late in one iteration
// and read early in the next closes a cycle through the dependence graph.
func recMII(region []Inst, nodes []depNode) int {
	n := len(region)
	mii := 1
	for d := range n {
		defs := region[d].Defs()
		if len(defs) == 0 {
			continue
		}
		for u := 0; u <= d; u++ {
			if !overlapsRegs(defs, region[u].Uses()) {
				continue
			}
			// Reads before the def in the same iteration see the previous
			// iteration's value unless an earlier def intervenes.
			redefined := false
			for k := 0; k < u; k++ {
				if overlapsRegs(region[k].Defs(), defs) {
					redefined = true
					break
				}
			}
			if redefined {
				continue
			}
			mii = max(mii, longestPath(nodes, u, d)+region[d].Op.Latency())
		}
	}
	return mii
}

// longestPath returns the largest latency sum from node a to node b, or 0
// when b is not reachable from a.
func longestPath(nodes []depNode, a, b int) int {
	dist := make([]int, len(nodes))
	for i := range dist {
		dist[i] = -1
	}
	dist[a] = 0
	for i := a; i <= b; i++ {
		if dist[i] < 0 {
			continue
		}
		for _, e := range nodes[i].succs {
			if e.to <= b {
				dist[e.to] = max(dist[e.to], dist[i]+e.lat)
			}
		}
	}
	return max(dist[b], 0)
}

// moduloSchedule places every instruction at an absolute time honoring
// dependences, with at most unitCapacity instructions per unit in each
// slot modulo ii. It reports false when no placement fits.
func (o *Optimizer) moduloSchedule(region []Inst, nodes []depNode, ii int) ([]int, bool) {
	n := len(region)
	times := make([]int, n)
	placed := make([]bool, n)
	table := make([]map[Unit]int, ii)
	issued := make([]int, ii)
	for i := range table {
		table[i] = make(map[Unit]int)
	}
	earliest := make([]int, n)
	npred := make([]int, n)
	for i := range nodes {
		npred[i] = nodes[i].npred
	}
	for range n {
		pick := -1
		for i := range n {
			if placed[i] || npred[i] > 0 {
				continue
			}
			if pick < 0 || nodes[i].height > nodes[pick].height {
				pick = i
			}
		}
		u := region[pick].Op.Unit()
		t := earliest[pick]
		ok := false
		for try := 0; try < ii; try++ {
			slot := (t + try) % ii
			if table[slot][u] < o.unitCapacity(u) && issued[slot] < o.opts.IssueWidth {
				t += try
				table[slot][u]++
				issued[slot]++
				ok = true
				break
			}
		}
		if !ok {
			return nil, false
		}
		times[pick], placed[pick] = t, true
		for _, e := range nodes[pick].succs {
			npred[e.to]--
			earliest[e.to] = max(earliest[e.to], t+e.lat)
		}
	}
	return times, true
}

// pipelineLoops modulo-schedules single-block loops: it computes the
// initiation interval from resource and recurrence bounds, places the body
// on a modulo reservation table and reorders the kernel by issue time. The
// interval is recorded in mf.II. It returns the number of loops scheduled.
func (o *Optimizer) pipelineLoops(mf *MFunc) int {
	n := 0
	for b := range mf.Blocks {
		if !selfLoop(mf, b) {
			continue
		}
		blk := &mf.Blocks[b]
		ts := termStart(blk)
		region := blk.Insts[:ts]
		nodes := buildDeps(region)
		lower := max(o.resMII(region), recMII(region, nodes))
		for ii := lower; ii <= lower+maxIIGrowth; ii++ {
			times, ok := o.moduloSchedule(region, nodes, ii)
			if !ok {
				continue
			}
			order := make([]int, len(region))
			for i := range order {
				order[i] = i
			}
			slices.SortStableFunc(order, func(a, b int) int { return times[a] - times[b] })
			kernel := make([]Inst, 0, len(blk.Insts))
			for _, i := range order {
				kernel = append(kernel, region[i])
			}
			kernel = append(kernel, blk.Insts[ts:]...)
			blk.Insts = kernel
			mf.II[b] = ii
			n++
			break
		}
	}
	return n
}
