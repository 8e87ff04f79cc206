package opt

import (
	"kiln/internal/ir"
)

// EliminateTailCalls turns self tail calls (`x = call self(args); ret x`
// with x used nowhere else) into a branch back to the function body.
//
// A fresh entry block jumps to the old entry, which becomes the loop
// header and receives one phi per parameter. Returns the number of call
// sites rewritten.
func EliminateTailCalls(f *ir.Func) int {
	if f == nil || f.IsDeclaration || len(f.Blocks) == 0 {
		return 0
	}
	header := f.Entry
	if len(f.Blocks[header].Phis()) > 0 {
		return 0
	}
	uses := f.UseCounts()
	var sites []ir.BlockID
	for i := range f.Blocks {
		b := &f.Blocks[i]
		n := len(b.Instrs)
		if n == 0 || b.Term.Kind != ir.TermReturn || !b.Term.Return.HasValue {
			continue
		}
		call := &b.Instrs[n-1]
		if call.Kind != ir.InstrCall || call.Call.Callee != f.Name || call.Dst == ir.NoValueID {
			continue
		}
		if b.Term.Return.Value != call.Dst || uses[call.Dst] != 1 {
			continue
		}
		if len(call.Call.Args) != len(f.Params) {
			continue
		}
		sites = append(sites, ir.BlockID(i))
	}
	if len(sites) == 0 {
		return 0
	}

	values := ir.NewValueAlloc(f)
	phis := make([]ir.ValueID, len(f.Params))
	for i, p := range f.Params {
		phis[i] = values.Next()
		f.ReplaceAllUses(p.Value, phis[i])
	}

	entry := f.AddBlock("tail.entry")
	f.Blocks[entry].Term = ir.Br(header)

	incoming := make([][]ir.PhiIncoming, len(f.Params))
	for i, p := range f.Params {
		incoming[i] = append(incoming[i], ir.PhiIncoming{Pred: entry, Value: p.Value})
	}
	for _, site := range sites {
		b := &f.Blocks[site]
		call := b.Instrs[len(b.Instrs)-1]
		for i, a := range call.Call.Args {
			incoming[i] = append(incoming[i], ir.PhiIncoming{Pred: site, Value: a})
		}
		b.Instrs = b.Instrs[:len(b.Instrs)-1]
		b.Term = ir.Br(header)
	}

	phiInstrs := make([]ir.Instr, len(f.Params))
	for i, p := range f.Params {
		phiInstrs[i] = ir.Instr{
			Kind: ir.InstrPhi,
			Dst:  phis[i],
			Type: p.Type,
			Phi:  ir.PhiInstr{Incoming: incoming[i]},
		}
	}
	h := &f.Blocks[header]
	h.Instrs = append(phiInstrs, h.Instrs...)
	f.Entry = entry
	return len(sites)
}
