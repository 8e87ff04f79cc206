package opt

import (
	"strings"

	"kiln/internal/ir"
)

const (
	// FullUnrollMax is the largest trip count unrolled completely.
	FullUnrollMax = 4
	// UnrollFactor is the partial unroll factor.
	UnrollFactor = 4
)

// UnrollLoops unrolls canonical counted loops with a constant trip count.
// Loops with at most FullUnrollMax iterations are replaced by straight-line
// code; longer loops get an unrolled copy running UnrollFactor iterations
// per trip, followed by the original loop handling the remainder. Loops
// without a known trip count are left untouched.
func UnrollLoops(f *ir.Func) (full, partial int) {
	if f == nil || f.IsDeclaration {
		return 0, 0
	}
	for round := 0; round < 32; round++ {
		changed := false
		loops := ir.FindLoops(f)
		for i := range loops {
			l := &loops[i]
			if strings.Contains(f.Blocks[l.Header].Label, ".unroll") {
				continue
			}
			cl, ok := ir.AnalyzeCountedLoop(f, l)
			if !ok || !cl.TripKnown {
				continue
			}
			switch {
			case cl.Trip <= FullUnrollMax:
				unrollFully(f, &cl)
				full++
			default:
				unrollPartially(f, &cl)
				partial++
			}
			changed = true
			break
		}
		if !changed {
			break
		}
	}
	return full, partial
}

// iterationCopier appends renamed copies of the loop's header and body to
// a block. env maps loop values to the copy currently in scope.
type iterationCopier struct {
	f      *ir.Func
	values *ir.ValueAlloc
	header []ir.Instr // non-phi header instructions
	body   []ir.Instr
	phis   []ir.Instr // header phis
	latch  ir.BlockID
	env    map[ir.ValueID]ir.ValueID
}

func newIterationCopier(f *ir.Func, cl *ir.CountedLoop) *iterationCopier {
	hb := &f.Blocks[cl.Header]
	phis := hb.Phis()
	return &iterationCopier{
		f:      f,
		values: ir.NewValueAlloc(f),
		header: append([]ir.Instr(nil), hb.Instrs[len(phis):]...),
		body:   append([]ir.Instr(nil), f.Blocks[cl.Body].Instrs...),
		phis:   append([]ir.Instr(nil), phis...),
		latch:  cl.Body,
		env:    make(map[ir.ValueID]ir.ValueID),
	}
}

func (c *iterationCopier) lookup(v ir.ValueID) ir.ValueID {
	if n, ok := c.env[v]; ok {
		return n
	}
	return v
}

func (c *iterationCopier) copyInstrs(src []ir.Instr, dst []ir.Instr) []ir.Instr {
	for i := range src {
		in := src[i].Clone()
		in.MapUses(c.lookup)
		if in.Dst != ir.NoValueID {
			fresh := c.values.Next()
			c.env[in.Dst] = fresh
			in.Dst = fresh
		}
		dst = append(dst, in)
	}
	return dst
}

// iteration copies header and body once, then advances the phis.
func (c *iterationCopier) iteration(dst []ir.Instr) []ir.Instr {
	dst = c.copyInstrs(c.header, dst)
	dst = c.copyInstrs(c.body, dst)
	next := make([]ir.ValueID, len(c.phis))
	for i := range c.phis {
		v, _ := c.phis[i].Phi.IncomingFor(c.latch)
		next[i] = c.lookup(v)
	}
	for i := range c.phis {
		c.env[c.phis[i].Dst] = next[i]
	}
	return dst
}

func unrollFully(f *ir.Func, cl *ir.CountedLoop) {
	c := newIterationCopier(f, cl)
	for i := range c.phis {
		v, _ := c.phis[i].Phi.IncomingFor(cl.Preheader)
		c.env[c.phis[i].Dst] = v
	}
	label := f.Blocks[cl.Header].Label
	u := f.AddBlock(label + ".unrolled")
	var instrs []ir.Instr
	for k := int64(0); k < cl.Trip; k++ {
		instrs = c.iteration(instrs)
	}
	// The final header evaluation defines the values seen after the loop.
	instrs = c.copyInstrs(c.header, instrs)
	f.Blocks[u].Instrs = instrs
	f.Blocks[u].Term = ir.Br(cl.Exit)

	headerDefs := make(map[ir.ValueID]bool)
	for i := range c.phis {
		headerDefs[c.phis[i].Dst] = true
	}
	for i := range c.header {
		if c.header[i].Dst != ir.NoValueID {
			headerDefs[c.header[i].Dst] = true
		}
	}
	outside := func(v ir.ValueID) ir.ValueID {
		if headerDefs[v] {
			return c.env[v]
		}
		return v
	}
	for i := range f.Blocks {
		id := ir.BlockID(i)
		if id == cl.Header || id == cl.Body || id == u {
			continue
		}
		b := &f.Blocks[i]
		for j := range b.Instrs {
			b.Instrs[j].MapUses(outside)
		}
		b.Term.MapUses(outside)
	}
	renamePhiPred(f, []ir.BlockID{cl.Exit}, cl.Header, u)
	f.Blocks[cl.Preheader].Term.MapTargets(func(id ir.BlockID) ir.BlockID {
		if id == cl.Header {
			return u
		}
		return id
	})

	keep := make([]bool, len(f.Blocks))
	for i := range keep {
		keep[i] = ir.BlockID(i) != cl.Header && ir.BlockID(i) != cl.Body
	}
	compactBlocks(f, keep)
}

func unrollPartially(f *ir.Func, cl *ir.CountedLoop) {
	c := newIterationCopier(f, cl)
	label := f.Blocks[cl.Header].Label
	uh := f.AddBlock(label + ".unroll.header")
	ub := f.AddBlock(label + ".unroll.body")

	// Header of the unrolled loop: one phi per original phi.
	mirror := make([]ir.ValueID, len(c.phis))
	var hInstrs []ir.Instr
	for i := range c.phis {
		mirror[i] = c.values.Next()
		init, _ := c.phis[i].Phi.IncomingFor(cl.Preheader)
		hInstrs = append(hInstrs, ir.Instr{
			Kind: ir.InstrPhi, Dst: mirror[i], Type: c.phis[i].Type,
			Phi: ir.PhiInstr{Incoming: []ir.PhiIncoming{{Pred: cl.Preheader, Value: init}}},
		})
		c.env[c.phis[i].Dst] = mirror[i]
	}
	ivType := ir.Int(cl.Bits)
	var ivMirror ir.ValueID
	for i := range c.phis {
		if c.phis[i].Dst == cl.IV {
			ivMirror = mirror[i]
		}
	}
	stop := c.values.Next()
	cond := c.values.Next()
	mainTrips := cl.Trip / UnrollFactor * UnrollFactor
	hInstrs = append(hInstrs,
		ir.Instr{Kind: ir.InstrConst, Dst: stop, Type: ivType, Const: ir.ConstInstr{Int: cl.IVAt(mainTrips)}},
		ir.Instr{Kind: ir.InstrBinary, Dst: cond, Type: ir.I1, Binary: ir.BinaryInstr{Op: ir.OpNe, X: ivMirror, Y: stop}},
	)
	f.Blocks[uh].Instrs = hInstrs
	f.Blocks[uh].Term = ir.CondBr(cond, ub, cl.Header)

	// Body: UnrollFactor chained iterations.
	var bInstrs []ir.Instr
	for range UnrollFactor {
		bInstrs = c.iteration(bInstrs)
	}
	f.Blocks[ub].Instrs = bInstrs
	f.Blocks[ub].Term = ir.Br(uh)
	for i := range c.phis {
		phi := &f.Blocks[uh].Instrs[i]
		phi.Phi.Incoming = append(phi.Phi.Incoming, ir.PhiIncoming{Pred: ub, Value: c.env[c.phis[i].Dst]})
	}

	// The original loop now handles the remainder, entered from uh.
	hb := &f.Blocks[cl.Header]
	for i := range c.phis {
		phi := &hb.Instrs[i]
		for k := range phi.Phi.Incoming {
			if phi.Phi.Incoming[k].Pred == cl.Preheader {
				phi.Phi.Incoming[k] = ir.PhiIncoming{Pred: uh, Value: mirror[i]}
			}
		}
	}
	f.Blocks[cl.Preheader].Term.MapTargets(func(id ir.BlockID) ir.BlockID {
		if id == cl.Header {
			return uh
		}
		return id
	})
}
