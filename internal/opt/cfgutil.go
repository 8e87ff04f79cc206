package opt

import (
	"slices"

	"kiln/internal/ir"
)

// compactBlocks removes blocks not marked in keep and renumbers the rest.
// Phi incomings from removed blocks are dropped. Returns the number of
// blocks removed.
func compactBlocks(f *ir.Func, keep []bool) int {
	count := 0
	for _, k := range keep {
		if k {
			count++
		}
	}
	if count == len(f.Blocks) {
		for i := range f.Blocks {
			f.Blocks[i].ID = ir.BlockID(i)
		}
		return 0
	}

	oldToNew := make(map[ir.BlockID]ir.BlockID, count)
	newBlocks := make([]ir.Block, 0, count)
	for i, k := range keep {
		if k {
			oldToNew[ir.BlockID(i)] = ir.BlockID(len(newBlocks))
			newBlocks = append(newBlocks, f.Blocks[i])
		}
	}
	remap := func(id ir.BlockID) ir.BlockID {
		if n, ok := oldToNew[id]; ok {
			return n
		}
		return id
	}

	for i := range newBlocks {
		b := &newBlocks[i]
		b.ID = ir.BlockID(i)
		b.Term.MapTargets(remap)
		for j := range b.Instrs {
			in := &b.Instrs[j]
			if in.Kind != ir.InstrPhi {
				continue
			}
			kept := in.Phi.Incoming[:0]
			for _, inc := range in.Phi.Incoming {
				if n, ok := oldToNew[inc.Pred]; ok {
					kept = append(kept, ir.PhiIncoming{Pred: n, Value: inc.Value})
				}
			}
			in.Phi.Incoming = kept
		}
	}

	removed := len(f.Blocks) - count
	f.Blocks = newBlocks
	f.Entry = remap(f.Entry)
	return removed
}

// removeUnreachable drops blocks unreachable from the entry.
func removeUnreachable(f *ir.Func) int {
	return compactBlocks(f, ir.Reachable(f))
}

// prunePhis drops phi incomings whose block is no longer a predecessor.
func prunePhis(f *ir.Func) {
	preds := ir.Preds(f)
	for i := range f.Blocks {
		b := &f.Blocks[i]
		for j := range b.Instrs {
			in := &b.Instrs[j]
			if in.Kind != ir.InstrPhi {
				continue
			}
			kept := in.Phi.Incoming[:0]
			for _, inc := range in.Phi.Incoming {
				if slices.Contains(preds[i], inc.Pred) {
					kept = append(kept, inc)
				}
			}
			in.Phi.Incoming = kept
		}
	}
}

// renamePhiPred rewrites incomings from old into incomings from repl in
// every successor of block id.
func renamePhiPred(f *ir.Func, succs []ir.BlockID, old, repl ir.BlockID) {
	for _, s := range succs {
		b := f.Block(s)
		if b == nil {
			continue
		}
		for j := range b.Instrs {
			in := &b.Instrs[j]
			if in.Kind != ir.InstrPhi {
				continue
			}
			for k := range in.Phi.Incoming {
				if in.Phi.Incoming[k].Pred == old {
					in.Phi.Incoming[k].Pred = repl
				}
			}
		}
	}
}

// constants maps every value defined by a const instruction to itself.
func constants(f *ir.Func) map[ir.ValueID]*ir.Instr {
	out := make(map[ir.ValueID]*ir.Instr)
	for i := range f.Blocks {
		for j := range f.Blocks[i].Instrs {
			in := &f.Blocks[i].Instrs[j]
			if in.Kind == ir.InstrConst && in.Type.IsInt() {
				out[in.Dst] = in
			}
		}
	}
	return out
}
