package machine

import "math"

// loopScale is the assumed trip count of every loop when estimating block
// frequencies.
const loopScale = 8

// dominators computes immediate dominators over the blocks reachable from
// block 0; unreachable blocks map to -1.
func (mf *MFunc) dominators() []int {
	order := mf.rpo()
	pos := make([]int, len(mf.Blocks))
	for i := range pos {
		pos[i] = -1
	}
	for i, b := range order {
		pos[b] = i
	}
	preds := mf.Preds()
	idom := make([]int, len(mf.Blocks))
	for i := range idom {
		idom[i] = -1
	}
	if len(order) == 0 {
		return idom
	}
	idom[0] = 0
	intersect := func(a, b int) int {
		for a != b {
			for pos[a] > pos[b] {
				a = idom[a]
			}
			for pos[b] > pos[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range order[1:] {
			nd := -1
			for _, p := range preds[b] {
				if pos[p] < 0 || idom[p] < 0 {
					continue
				}
				if nd < 0 {
					nd = p
				} else {
					nd = intersect(p, nd)
				}
			}
			if nd >= 0 && idom[b] != nd {
				idom[b] = nd
				changed = true
			}
		}
	}
	idom[0] = -1
	return idom
}

func dominates(idom []int, a, b int) bool {
	for b >= 0 {
		if a == b {
			return true
		}
		b = idom[b]
	}
	return false
}

// mloop is a natural loop of the machine CFG.
type mloop struct {
	header int
	blocks map[int]bool
	latch  []int
}

// loops finds natural loops; loops sharing a header are merged.
func (mf *MFunc) loops() []mloop {
	idom := mf.dominators()
	preds := mf.Preds()
	byHeader := make(map[int]*mloop)
	var headers []int
	for _, b := range mf.rpo() {
		for _, s := range mf.Succs(b) {
			if !dominates(idom, s, b) {
				continue
			}
			lp, ok := byHeader[s]
			if !ok {
				lp = &mloop{header: s, blocks: map[int]bool{s: true}}
				byHeader[s] = lp
				headers = append(headers, s)
			}
			lp.latch = append(lp.latch, b)
			work := []int{b}
			for len(work) > 0 {
				n := work[len(work)-1]
				work = work[:len(work)-1]
				if lp.blocks[n] {
					continue
				}
				lp.blocks[n] = true
				work = append(work, preds[n]...)
			}
		}
	}
	out := make([]mloop, 0, len(headers))
	for _, h := range headers {
		out = append(out, *byHeader[h])
	}
	return out
}

// computeFrequencies estimates how often each block runs: the entry runs
// once, a branch splits its frequency evenly among its successors and every
// enclosing loop multiplies by loopScale.
func computeFrequencies(mf *MFunc) {
	if len(mf.Blocks) == 0 {
		return
	}
	loops := mf.loops()
	depth := make([]int, len(mf.Blocks))
	back := make(map[[2]int]bool)
	for _, lp := range loops {
		for b := range lp.blocks {
			depth[b]++
		}
		for _, l := range lp.latch {
			back[[2]int{l, lp.header}] = true
		}
	}
	base := make([]float64, len(mf.Blocks))
	base[0] = 1
	for _, b := range mf.rpo() {
		succs := mf.Succs(b)
		if len(succs) == 0 {
			continue
		}
		share := base[b] / float64(len(succs))
		for _, s := range succs {
			if !back[[2]int{b, s}] {
				base[s] += share
			}
		}
	}
	for i := range mf.Blocks {
		mf.Blocks[i].LoopDepth = depth[i]
		mf.Blocks[i].Freq = base[i] * math.Pow(loopScale, float64(depth[i]))
	}
}
