package opt

import (
	"kiln/internal/callgraph"
	"kiln/internal/ir"
)

// EliminateDeadCode removes instructions whose results are never used.
// Stores, calls and divisions that may trap are always kept. Returns the
// number of instructions removed.
func EliminateDeadCode(f *ir.Func) int {
	if f == nil || f.IsDeclaration {
		return 0
	}
	consts := constants(f)
	defs := f.Defs()
	used := make(map[ir.ValueID]bool)
	var work []ir.ValueID
	mark := func(v ir.ValueID) {
		if v == ir.NoValueID || used[v] {
			return
		}
		used[v] = true
		work = append(work, v)
	}

	for i := range f.Blocks {
		b := &f.Blocks[i]
		for j := range b.Instrs {
			in := &b.Instrs[j]
			if mustKeep(in, consts) {
				for _, u := range in.Uses() {
					mark(u)
				}
				if in.Dst != ir.NoValueID {
					used[in.Dst] = true
				}
			}
		}
		for _, u := range b.Term.Uses() {
			mark(u)
		}
	}

	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		ref, ok := defs[v]
		if !ok || ref.Block == ir.NoBlockID {
			continue
		}
		in := &f.Blocks[ref.Block].Instrs[ref.Index]
		for _, u := range in.Uses() {
			mark(u)
		}
	}

	removed := 0
	for i := range f.Blocks {
		b := &f.Blocks[i]
		kept := b.Instrs[:0]
		for j := range b.Instrs {
			in := b.Instrs[j]
			if mustKeep(&in, consts) || (in.Dst != ir.NoValueID && used[in.Dst]) {
				kept = append(kept, in)
				continue
			}
			removed++
		}
		b.Instrs = kept
	}
	return removed
}

// mustKeep reports whether an instruction is live regardless of its uses.
func mustKeep(in *ir.Instr, consts map[ir.ValueID]*ir.Instr) bool {
	if in.HasSideEffects() {
		return true
	}
	if in.Kind == ir.InstrBinary && in.Binary.Op.IsDivRem() {
		c, ok := consts[in.Binary.Y]
		return !ok || c.Const.Int == 0
	}
	return false
}

// EliminateDeadFunctions removes functions that are neither main, exported
// nor reachable through calls from a retained function.
func EliminateDeadFunctions(m *ir.Module) int {
	g := callgraph.Build(m)
	roots := []string{"main"}
	for _, f := range m.Funcs {
		if f.Exported {
			roots = append(roots, f.Name)
		}
	}
	live := g.Reachable(roots...)
	kept := m.Funcs[:0]
	removed := 0
	for i, f := range m.Funcs {
		if live[i] {
			kept = append(kept, f)
			continue
		}
		removed++
	}
	m.Funcs = kept
	return removed
}
