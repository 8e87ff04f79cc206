package opt

import (
	"kiln/internal/ir"
)

// SimplifyCFG performs control flow graph simplification on a function.
// Transformations:
// 1. Collapse branch chains through empty blocks (0 instructions + br)
// 2. Remove blocks unreachable from the entry
// 3. Renumber blocks deterministically
//
// Returns the number of blocks removed.
func SimplifyCFG(f *ir.Func) int {
	if f == nil || f.IsDeclaration || len(f.Blocks) == 0 {
		return 0
	}
	collapseChains(f)
	return removeUnreachable(f)
}

// isTrivialBr reports whether a block only forwards control.
func isTrivialBr(f *ir.Func, id ir.BlockID) bool {
	if id < 0 || int(id) >= len(f.Blocks) || id == f.Entry {
		return false
	}
	b := &f.Blocks[id]
	return len(b.Instrs) == 0 && b.Term.Kind == ir.TermBr
}

// chainEnd follows trivial blocks from id. It returns the final target and
// the last trivial block on the way (the predecessor the final target's
// phis name).
func chainEnd(f *ir.Func, id ir.BlockID) (target, last ir.BlockID) {
	visited := make(map[ir.BlockID]bool)
	target, last = id, ir.NoBlockID
	for isTrivialBr(f, target) && !visited[target] {
		visited[target] = true
		last = target
		target = f.Blocks[target].Term.Br.Target
	}
	return target, last
}

// collapseChains rewrites every edge that enters a chain of trivial blocks
// to point at the chain's end. An edge into a phi-bearing target is only
// redirected when the source is not already a predecessor of that target.
func collapseChains(f *ir.Func) {
	for i := range f.Blocks {
		from := ir.BlockID(i)
		term := &f.Blocks[i].Term
		slots := termSlots(term)
		for s, slot := range slots {
			target, last := chainEnd(f, *slot)
			if last == ir.NoBlockID || target == *slot {
				continue
			}
			dst := &f.Blocks[target]
			phis := dst.Phis()
			if len(phis) > 0 {
				if targetsOther(slots, s, target) {
					continue
				}
				if !phisHaveIncoming(phis, last) {
					continue
				}
			}
			*slot = target
			for j := range dst.Instrs {
				in := &dst.Instrs[j]
				if in.Kind != ir.InstrPhi {
					break
				}
				v, _ := in.Phi.IncomingFor(last)
				if _, dup := in.Phi.IncomingFor(from); !dup {
					in.Phi.Incoming = append(in.Phi.Incoming, ir.PhiIncoming{Pred: from, Value: v})
				}
			}
		}
	}
	prunePhis(f)
}

// termSlots returns pointers to every successor slot of a terminator.
func termSlots(t *ir.Terminator) []*ir.BlockID {
	switch t.Kind {
	case ir.TermBr:
		return []*ir.BlockID{&t.Br.Target}
	case ir.TermCondBr:
		return []*ir.BlockID{&t.CondBr.Then, &t.CondBr.Else}
	case ir.TermSwitch:
		out := make([]*ir.BlockID, 0, len(t.Switch.Cases)+1)
		for i := range t.Switch.Cases {
			out = append(out, &t.Switch.Cases[i].Target)
		}
		return append(out, &t.Switch.Default)
	}
	return nil
}

func targetsOther(slots []*ir.BlockID, skip int, target ir.BlockID) bool {
	for i, s := range slots {
		if i != skip && *s == target {
			return true
		}
	}
	return false
}

func phisHaveIncoming(phis []ir.Instr, pred ir.BlockID) bool {
	for i := range phis {
		if _, ok := phis[i].Phi.IncomingFor(pred); !ok {
			return false
		}
	}
	return true
}

// MergeBlocks merges a block into its unique successor's place when that
// successor has no other predecessor and no phis. Returns the number of
// merges.
func MergeBlocks(f *ir.Func) int {
	if f == nil || f.IsDeclaration || len(f.Blocks) == 0 {
		return 0
	}
	merged := 0
	dead := make([]bool, len(f.Blocks))
	for changed := true; changed; {
		changed = false
		preds := ir.Preds(f)
		for i := range f.Blocks {
			if dead[i] {
				continue
			}
			b := &f.Blocks[i]
			if b.Term.Kind != ir.TermBr {
				continue
			}
			s := b.Term.Br.Target
			if int(s) == i || s == f.Entry || dead[s] || len(preds[s]) != 1 {
				continue
			}
			succ := &f.Blocks[s]
			if len(succ.Phis()) > 0 {
				continue
			}
			b.Instrs = append(b.Instrs, succ.Instrs...)
			b.Term = succ.Term
			renamePhiPred(f, b.Term.Succs(), s, ir.BlockID(i))
			succ.Instrs = nil
			succ.Term = ir.Terminator{Kind: ir.TermUnreachable}
			dead[s] = true
			merged++
			changed = true
			break
		}
	}
	if merged > 0 {
		keep := make([]bool, len(f.Blocks))
		for i := range keep {
			keep[i] = !dead[i]
		}
		compactBlocks(f, keep)
	}
	return merged
}
