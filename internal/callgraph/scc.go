package callgraph

import "slices"

// SCCs returns the strongly connected components in reverse topological
// order (callees before callers). Members of each component are sorted.
func (g *Graph) SCCs() [][]FuncID {
	n := g.Len()
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack []FuncID
		comps [][]FuncID
		next  int
	)

	// Iterative Tarjan; work holds (node, next edge).
	type item struct {
		id   FuncID
		edge int
	}
	for root := range n {
		if index[root] >= 0 {
			continue
		}
		work := []item{{id: funcID(root)}}
		for len(work) > 0 {
			top := &work[len(work)-1]
			v := int(top.id)
			if top.edge == 0 && index[v] < 0 {
				index[v], low[v] = next, next
				next++
				stack = append(stack, top.id)
				onStack[v] = true
			}
			if top.edge < len(g.Edges[v]) {
				w := g.Edges[v][top.edge]
				top.edge++
				if index[int(w)] < 0 {
					work = append(work, item{id: w})
				} else if onStack[int(w)] {
					low[v] = min(low[v], index[int(w)])
				}
				continue
			}
			work = work[:len(work)-1]
			if len(work) > 0 {
				p := int(work[len(work)-1].id)
				low[p] = min(low[p], low[v])
			}
			if low[v] == index[v] {
				var comp []FuncID
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[int(w)] = false
					comp = append(comp, w)
					if int(w) == v {
						break
					}
				}
				slices.Sort(comp)
				comps = append(comps, comp)
			}
		}
	}
	return comps
}

// Recursive reports, per function, whether it belongs to a call cycle
// (including direct self recursion).
func (g *Graph) Recursive() []bool {
	rec := make([]bool, g.Len())
	for _, comp := range g.SCCs() {
		if len(comp) > 1 {
			for _, id := range comp {
				rec[int(id)] = true
			}
			continue
		}
		id := comp[0]
		if _, self := slices.BinarySearch(g.Edges[int(id)], id); self {
			rec[int(id)] = true
		}
	}
	return rec
}

// SameSCC reports whether a and b are mutually reachable.
func (g *Graph) SameSCC(a, b string) bool {
	ia, ok1 := g.IDs[a]
	ib, ok2 := g.IDs[b]
	if !ok1 || !ok2 {
		return false
	}
	if ia == ib {
		return g.Recursive()[int(ia)]
	}
	ra := g.Reachable(a)
	rb := g.Reachable(b)
	return ra[int(ib)] && rb[int(ia)]
}
