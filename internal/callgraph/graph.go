// Package callgraph builds the call graph of an IR module and answers the
// dependency questions asked by inlining, dead-function elimination and the
// parallel emission partitioner.
package callgraph

import (
	"fmt"
	"slices"

	"fortio.org/safecast"

	"kiln/internal/ir"
)

// FuncID indexes Graph.Names; it follows module order.
type FuncID uint32

// Graph is the call graph of one module. Edges are deduplicated and sorted.
type Graph struct {
	Names   []string
	IDs     map[string]FuncID
	Edges   [][]FuncID // Edges[caller] = callees
	Callers [][]FuncID // reverse edges
	Present []bool     // function has a body (declarations are leaves)
	Calls   []int      // number of call sites per caller, duplicates included
}

func funcID(i int) FuncID {
	id, err := safecast.Conv[FuncID](i)
	if err != nil {
		panic(fmt.Errorf("function id overflow: %w", err))
	}
	return id
}

// Build scans every call instruction of m. Calls to unknown names are
// ignored; the validator reports them.
func Build(m *ir.Module) *Graph {
	n := len(m.Funcs)
	g := &Graph{
		Names:   make([]string, n),
		IDs:     make(map[string]FuncID, n),
		Edges:   make([][]FuncID, n),
		Callers: make([][]FuncID, n),
		Present: make([]bool, n),
		Calls:   make([]int, n),
	}
	for i, f := range m.Funcs {
		g.Names[i] = f.Name
		g.IDs[f.Name] = funcID(i)
		g.Present[i] = !f.IsDeclaration
	}
	for from, f := range m.Funcs {
		seen := make(map[FuncID]struct{})
		for bi := range f.Blocks {
			for ii := range f.Blocks[bi].Instrs {
				in := &f.Blocks[bi].Instrs[ii]
				if in.Kind != ir.InstrCall {
					continue
				}
				g.Calls[from]++
				to, ok := g.IDs[in.Call.Callee]
				if !ok {
					continue
				}
				if _, dup := seen[to]; dup {
					continue
				}
				seen[to] = struct{}{}
				g.Edges[from] = append(g.Edges[from], to)
				g.Callers[int(to)] = append(g.Callers[int(to)], funcID(from))
			}
		}
		slices.Sort(g.Edges[from])
	}
	for i := range g.Callers {
		slices.Sort(g.Callers[i])
	}
	return g
}

// Len returns the number of functions.
func (g *Graph) Len() int { return len(g.Names) }

// Callees returns the sorted names of functions called by name.
func (g *Graph) Callees(name string) []string {
	id, ok := g.IDs[name]
	if !ok {
		return nil
	}
	return g.names(g.Edges[int(id)])
}

// CallersOf returns the sorted names of functions calling name.
func (g *Graph) CallersOf(name string) []string {
	id, ok := g.IDs[name]
	if !ok {
		return nil
	}
	return g.names(g.Callers[int(id)])
}

func (g *Graph) names(ids []FuncID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Names[int(id)]
	}
	return out
}

// Reachable marks every function reachable through calls from roots.
func (g *Graph) Reachable(roots ...string) []bool {
	seen := make([]bool, g.Len())
	stack := make([]FuncID, 0, len(roots))
	for _, r := range roots {
		if id, ok := g.IDs[r]; ok && !seen[int(id)] {
			seen[int(id)] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, to := range g.Edges[int(id)] {
			if !seen[int(to)] {
				seen[int(to)] = true
				stack = append(stack, to)
			}
		}
	}
	return seen
}

// Deps returns the transitive callees of name, excluding name itself unless
// it is recursive.
func (g *Graph) Deps(name string) []string {
	id, ok := g.IDs[name]
	if !ok {
		return nil
	}
	seen := make([]bool, g.Len())
	var out []FuncID
	stack := slices.Clone(g.Edges[int(id)])
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[int(cur)] {
			continue
		}
		seen[int(cur)] = true
		out = append(out, cur)
		stack = append(stack, g.Edges[int(cur)]...)
	}
	slices.Sort(out)
	return g.names(out)
}
