package ir

import "slices"

// Edge is a control-flow edge.
type Edge struct {
	From BlockID
	To   BlockID
}

// Preds computes the predecessor lists of every block. A block that
// branches twice to the same target appears once.
func Preds(f *Func) [][]BlockID {
	preds := make([][]BlockID, len(f.Blocks))
	for i := range f.Blocks {
		from := BlockID(i)
		for _, s := range f.Blocks[i].Term.Succs() {
			if s < 0 || int(s) >= len(f.Blocks) {
				continue
			}
			if !slices.Contains(preds[s], from) {
				preds[s] = append(preds[s], from)
			}
		}
	}
	return preds
}

// UniqueSuccs returns the distinct successors of b in edge order.
func UniqueSuccs(b *Block) []BlockID {
	succs := b.Term.Succs()
	out := succs[:0:0]
	for _, s := range succs {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Reachable marks the blocks reachable from the entry block.
func Reachable(f *Func) []bool {
	seen := make([]bool, len(f.Blocks))
	if f.Entry < 0 || int(f.Entry) >= len(f.Blocks) {
		return seen
	}
	stack := []BlockID{f.Entry}
	seen[f.Entry] = true
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range f.Blocks[id].Term.Succs() {
			if s < 0 || int(s) >= len(f.Blocks) || seen[s] {
				continue
			}
			seen[s] = true
			stack = append(stack, s)
		}
	}
	return seen
}

// RPO returns the reachable blocks in reverse postorder from the entry.
func RPO(f *Func) []BlockID {
	n := len(f.Blocks)
	if f.Entry < 0 || int(f.Entry) >= n {
		return nil
	}
	visited := make([]bool, n)
	post := make([]BlockID, 0, n)
	type frame struct {
		id   BlockID
		next int
	}
	stack := []frame{{id: f.Entry}}
	visited[f.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := f.Blocks[top.id].Term.Succs()
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if s >= 0 && int(s) < n && !visited[s] {
				visited[s] = true
				stack = append(stack, frame{id: s})
			}
			continue
		}
		post = append(post, top.id)
		stack = stack[:len(stack)-1]
	}
	slices.Reverse(post)
	return post
}

// Dominators computes the immediate dominator of every reachable block
// (Cooper, Harvey, Kennedy). Unreachable blocks and the entry map to NoBlockID.
func Dominators(f *Func) []BlockID {
	n := len(f.Blocks)
	idom := make([]BlockID, n)
	for i := range idom {
		idom[i] = NoBlockID
	}
	order := RPO(f)
	if len(order) == 0 {
		return idom
	}
	rpoNum := make([]int, n)
	for i := range rpoNum {
		rpoNum[i] = -1
	}
	for i, b := range order {
		rpoNum[b] = i
	}
	preds := Preds(f)
	entry := order[0]
	idom[entry] = entry

	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for rpoNum[a] > rpoNum[b] {
				a = idom[a]
			}
			for rpoNum[b] > rpoNum[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, b := range order[1:] {
			newIdom := NoBlockID
			for _, p := range preds[b] {
				if rpoNum[p] < 0 || idom[p] == NoBlockID {
					continue
				}
				if newIdom == NoBlockID {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != NoBlockID && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	idom[entry] = NoBlockID
	return idom
}

// Dominates reports whether a dominates b under idom.
func Dominates(idom []BlockID, a, b BlockID) bool {
	for steps := 0; b != NoBlockID && steps <= len(idom); steps++ {
		if a == b {
			return true
		}
		b = idom[b]
	}
	return false
}

// Loop is a natural loop.
type Loop struct {
	Header  BlockID
	Latches []BlockID // sources of back edges to Header
	Blocks  []BlockID // sorted, includes Header
	Exits   []Edge    // edges leaving the loop
	Depth   int       // 1 for outermost
	Parent  int       // index into the loop slice, -1 for outermost
}

// Contains reports whether id belongs to the loop.
func (l *Loop) Contains(id BlockID) bool {
	_, ok := slices.BinarySearch(l.Blocks, id)
	return ok
}

// BackEdges returns every edge B→H where H dominates B.
func BackEdges(f *Func) []Edge {
	idom := Dominators(f)
	reach := Reachable(f)
	var out []Edge
	for i := range f.Blocks {
		if !reach[i] {
			continue
		}
		for _, s := range UniqueSuccs(&f.Blocks[i]) {
			if s >= 0 && int(s) < len(f.Blocks) && Dominates(idom, s, BlockID(i)) {
				out = append(out, Edge{From: BlockID(i), To: s})
			}
		}
	}
	return out
}

// FindLoops detects natural loops by back-edge analysis. Loops sharing a
// header are merged. The result is ordered outermost first.
func FindLoops(f *Func) []Loop {
	edges := BackEdges(f)
	if len(edges) == 0 {
		return nil
	}
	preds := Preds(f)
	byHeader := make(map[BlockID]*Loop)
	var headers []BlockID
	for _, e := range edges {
		l, ok := byHeader[e.To]
		if !ok {
			l = &Loop{Header: e.To, Parent: -1}
			byHeader[e.To] = l
			headers = append(headers, e.To)
		}
		l.Latches = append(l.Latches, e.From)
	}

	loops := make([]Loop, 0, len(headers))
	for _, h := range headers {
		l := byHeader[h]
		in := map[BlockID]bool{h: true}
		work := append([]BlockID(nil), l.Latches...)
		for len(work) > 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]
			if in[b] {
				continue
			}
			in[b] = true
			work = append(work, preds[b]...)
		}
		for b := range in {
			l.Blocks = append(l.Blocks, b)
		}
		slices.Sort(l.Blocks)
		for _, b := range l.Blocks {
			for _, s := range UniqueSuccs(&f.Blocks[b]) {
				if !in[s] {
					l.Exits = append(l.Exits, Edge{From: b, To: s})
				}
			}
		}
		loops = append(loops, *l)
	}

	// Outermost (largest) first; nesting by containment.
	slices.SortStableFunc(loops, func(a, b Loop) int {
		if len(a.Blocks) != len(b.Blocks) {
			return len(b.Blocks) - len(a.Blocks)
		}
		return int(a.Header) - int(b.Header)
	})
	for i := range loops {
		loops[i].Depth = 1
		for j := i - 1; j >= 0; j-- {
			if loops[j].Contains(loops[i].Header) && len(loops[j].Blocks) > len(loops[i].Blocks) {
				loops[i].Parent = j
				loops[i].Depth = loops[j].Depth + 1
				break
			}
		}
	}
	return loops
}

// LoopDepths returns the loop nesting depth of every block.
func LoopDepths(f *Func, loops []Loop) []int {
	depth := make([]int, len(f.Blocks))
	for _, l := range loops {
		for _, b := range l.Blocks {
			depth[b] = max(depth[b], l.Depth)
		}
	}
	return depth
}
