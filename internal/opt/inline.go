package opt

import (
	"kiln/internal/callgraph"
	"kiln/internal/diag"
	"kiln/internal/ir"
)

// DefaultInlineThreshold is the callee size (instructions plus one per
// block) below which a call site is inlined.
const DefaultInlineThreshold = 20

// maxInlinesPerFunc bounds code growth in a single caller.
const maxInlinesPerFunc = 64

// InlineCalls inlines small, non-recursive callees into their callers.
// Call sites whose argument count does not match the callee are left
// intact and reported in refused.
func InlineCalls(m *ir.Module, threshold int) (inlined int, refused []error) {
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	g := callgraph.Build(m)
	recursive := g.Recursive()
	funcs := make(map[string]*ir.Func, len(m.Funcs))
	for _, f := range m.Funcs {
		funcs[f.Name] = f
	}
	candidate := func(caller *ir.Func, name string) *ir.Func {
		callee, ok := funcs[name]
		if !ok || callee.IsDeclaration || callee == caller {
			return nil
		}
		if recursive[g.IDs[name]] || g.SameSCC(caller.Name, name) {
			return nil
		}
		if callee.InstrCount() >= threshold || !returns(callee) {
			return nil
		}
		return callee
	}

	for _, caller := range m.Funcs {
		if caller.IsDeclaration {
			continue
		}
		refusedAt := make(map[[2]int]bool)
		count := 0
	scan:
		for count < maxInlinesPerFunc {
			for bi := range caller.Blocks {
				for ii := range caller.Blocks[bi].Instrs {
					in := &caller.Blocks[bi].Instrs[ii]
					if in.Kind != ir.InstrCall || refusedAt[[2]int{bi, ii}] {
						continue
					}
					callee := candidate(caller, in.Call.Callee)
					if callee == nil {
						continue
					}
					if len(in.Call.Args) != len(callee.Params) {
						refusedAt[[2]int{bi, ii}] = true
						refused = append(refused, diag.IRInvariant(diag.IRArgCountMismatch,
							"call to %s passes %d arguments, want %d", callee.Name, len(in.Call.Args), len(callee.Params)).
							InFunc(caller.Name).InBlock(caller.Blocks[bi].Name()))
						continue
					}
					if inlineSite(caller, ir.BlockID(bi), ii, callee) {
						refusedAt = shiftRefused(refusedAt, int(caller.Entry))
					}
					inlined++
					count++
					// Refused sites precede this one, so only the entry
					// block alloca can move them.
					continue scan
				}
			}
			break
		}
	}
	return inlined, refused
}

// shiftRefused moves refused sites in block bi one instruction down after
// an instruction was prepended to it.
func shiftRefused(refused map[[2]int]bool, bi int) map[[2]int]bool {
	out := make(map[[2]int]bool, len(refused))
	for k := range refused {
		if k[0] == bi {
			k[1]++
		}
		out[k] = true
	}
	return out
}

func returns(f *ir.Func) bool {
	reach := ir.Reachable(f)
	for i := range f.Blocks {
		if reach[i] && f.Blocks[i].Term.Kind == ir.TermReturn {
			return true
		}
	}
	return false
}

// inlineSite splices a copy of callee in place of the call at
// caller.Blocks[bid].Instrs[idx]. It reports whether an instruction was
// prepended to the caller's entry block.
func inlineSite(caller *ir.Func, bid ir.BlockID, idx int, callee *ir.Func) (prepended bool) {
	values := ir.NewValueAlloc(caller)
	call := caller.Blocks[bid].Instrs[idx].Clone()

	// Count reachable returns to pick the exit strategy.
	reach := ir.Reachable(callee)
	var exits []ir.BlockID
	for i := range callee.Blocks {
		if reach[i] && callee.Blocks[i].Term.Kind == ir.TermReturn {
			exits = append(exits, ir.BlockID(i))
		}
	}
	useSlot := call.Dst != ir.NoValueID && len(exits) > 1

	var slot ir.ValueID
	if useSlot {
		slot = values.Next()
		alloca := ir.Instr{Kind: ir.InstrAlloca, Dst: slot, Type: ir.Ptr, Alloca: ir.AllocaInstr{Elem: call.Type, Count: 1}}
		entry := &caller.Blocks[caller.Entry]
		entry.Instrs = append([]ir.Instr{alloca}, entry.Instrs...)
		prepended = true
		if bid == caller.Entry {
			idx++
		}
	}

	// Split the call block: [instrs before call] -> callee copy -> cont.
	b := &caller.Blocks[bid]
	tail := append([]ir.Instr(nil), b.Instrs[idx+1:]...)
	term := b.Term
	b.Instrs = b.Instrs[:idx]
	label := b.Label
	cont := caller.AddBlock(label + ".cont")
	caller.Blocks[cont].Instrs = tail
	caller.Blocks[cont].Term = term
	renamePhiPred(caller, term.Succs(), bid, cont)

	base := ir.BlockID(len(caller.Blocks))
	blockMap := func(id ir.BlockID) ir.BlockID { return base + id }
	vmap := make(map[ir.ValueID]ir.ValueID)
	for i, p := range callee.Params {
		vmap[p.Value] = call.Call.Args[i]
	}
	for i := range callee.Blocks {
		for j := range callee.Blocks[i].Instrs {
			if d := callee.Blocks[i].Instrs[j].Dst; d != ir.NoValueID {
				vmap[d] = values.Next()
			}
		}
	}
	mapValue := func(v ir.ValueID) ir.ValueID {
		if n, ok := vmap[v]; ok {
			return n
		}
		return v
	}

	var result ir.ValueID = ir.NoValueID
	for i := range callee.Blocks {
		src := &callee.Blocks[i]
		nb := ir.Block{ID: blockMap(src.ID), Label: callee.Name + "." + src.Name()}
		nb.Instrs = make([]ir.Instr, 0, len(src.Instrs)+1)
		for j := range src.Instrs {
			in := src.Instrs[j].Clone()
			in.MapUses(mapValue)
			if in.Dst != ir.NoValueID {
				in.Dst = vmap[in.Dst]
			}
			if in.Kind == ir.InstrPhi {
				for k := range in.Phi.Incoming {
					in.Phi.Incoming[k].Pred = blockMap(in.Phi.Incoming[k].Pred)
				}
			}
			nb.Instrs = append(nb.Instrs, in)
		}
		t := src.Term.Clone()
		t.MapUses(mapValue)
		t.MapTargets(blockMap)
		if t.Kind == ir.TermReturn {
			if t.Return.HasValue && call.Dst != ir.NoValueID {
				if useSlot {
					nb.Instrs = append(nb.Instrs, ir.Instr{
						Kind: ir.InstrStore, Dst: ir.NoValueID, Type: call.Type,
						Store: ir.StoreInstr{Addr: slot, Value: t.Return.Value},
					})
				} else if reach[i] {
					result = t.Return.Value
				}
			}
			t = ir.Br(cont)
		}
		nb.Term = t
		caller.Blocks = append(caller.Blocks, nb)
	}
	b = &caller.Blocks[bid]
	b.Term = ir.Br(blockMap(callee.Entry))

	if call.Dst == ir.NoValueID {
		return prepended
	}
	if useSlot {
		load := ir.Instr{Kind: ir.InstrLoad, Dst: call.Dst, Type: call.Type, Load: ir.LoadInstr{Addr: slot}}
		c := &caller.Blocks[cont]
		c.Instrs = append([]ir.Instr{load}, c.Instrs...)
		return prepended
	}
	if result != ir.NoValueID {
		caller.ReplaceAllUses(call.Dst, result)
	}
	return prepended
}
