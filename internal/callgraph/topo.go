package callgraph

import "slices"

// Topo is a leaf-first ordering of the defined functions.
type Topo struct {
	Order   []FuncID   // callees before callers
	Batches [][]FuncID // waves whose members do not call each other
	Cyclic  bool
	Cycles  []FuncID // functions left over on call cycles
}

// Batches runs Kahn's algorithm on the reversed call graph. Declarations
// and self edges are ignored.
func (g *Graph) Batches() *Topo {
	n := g.Len()
	outdeg := make([]int, n)
	active := 0
	for i := range n {
		if !g.Present[i] {
			continue
		}
		active++
		for _, to := range g.Edges[i] {
			if int(to) != i && g.Present[int(to)] {
				outdeg[i]++
			}
		}
	}

	topo := &Topo{Order: make([]FuncID, 0, active)}
	current := make([]FuncID, 0, n)
	for i := range n {
		if g.Present[i] && outdeg[i] == 0 {
			current = append(current, funcID(i))
		}
	}

	visited := 0
	for len(current) > 0 {
		batch := slices.Clone(current)
		topo.Batches = append(topo.Batches, batch)

		var next []FuncID
		for _, id := range batch {
			topo.Order = append(topo.Order, id)
			visited++
			for _, caller := range g.Callers[int(id)] {
				if caller == id || !g.Present[int(caller)] {
					continue
				}
				outdeg[int(caller)]--
				if outdeg[int(caller)] == 0 {
					next = append(next, caller)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if visited != active {
		topo.Cyclic = true
		for i := range n {
			if g.Present[i] && outdeg[i] > 0 {
				topo.Cycles = append(topo.Cycles, funcID(i))
			}
		}
	}
	return topo
}
