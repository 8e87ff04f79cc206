package opt

import (
	"kiln/internal/ir"
)

type constVal struct {
	float bool
	i     int64
	f     float64
}

// FoldConstants replaces binary operations and casts whose operands are
// known constants with const instructions, and turns branches on constant
// conditions into plain branches. Division and remainder by zero are left
// alone so the trap is preserved. Returns folded instructions and branches.
func FoldConstants(f *ir.Func) (folded, branches int) {
	if f == nil || f.IsDeclaration {
		return 0, 0
	}
	types := f.ValueTypes()
	known := make(map[ir.ValueID]constVal)

	order := ir.RPO(f)
	for _, id := range order {
		b := &f.Blocks[id]
		for j := range b.Instrs {
			in := &b.Instrs[j]
			switch in.Kind {
			case ir.InstrConst:
				if in.Type.IsFloat() {
					known[in.Dst] = constVal{float: true, f: in.Const.Float}
				} else if in.Type.IsInt() {
					known[in.Dst] = constVal{i: ir.Wrap(in.Type.Bits, in.Const.Int)}
				}
			case ir.InstrCopy:
				if c, ok := known[in.Copy.X]; ok {
					setConst(in, c)
					known[in.Dst] = c
					folded++
				}
			case ir.InstrBinary:
				x, okx := known[in.Binary.X]
				y, oky := known[in.Binary.Y]
				if !okx || !oky {
					continue
				}
				if c, ok := foldBinary(in, types[in.Binary.X], x, y); ok {
					setConst(in, c)
					known[in.Dst] = c
					folded++
				}
			case ir.InstrCast:
				x, ok := known[in.Cast.X]
				if !ok {
					continue
				}
				if c, ok := foldCast(in, types[in.Cast.X], x); ok {
					setConst(in, c)
					known[in.Dst] = c
					folded++
				}
			}
		}
		if foldTerm(b, known) {
			branches++
		}
	}
	if branches > 0 {
		prunePhis(f)
	}
	return folded, branches
}

func setConst(in *ir.Instr, c constVal) {
	in.Kind = ir.InstrConst
	in.Binary = ir.BinaryInstr{}
	in.Cast = ir.CastInstr{}
	in.Copy = ir.CopyInstr{}
	if c.float {
		in.Const = ir.ConstInstr{Float: c.f}
	} else {
		in.Const = ir.ConstInstr{Int: c.i}
	}
}

func foldBinary(in *ir.Instr, opType ir.Type, x, y constVal) (constVal, bool) {
	op := in.Binary.Op
	switch {
	case opType.IsInt() && !x.float && !y.float:
		r, ok := ir.EvalInt(op, opType.Bits, x.i, y.i)
		if !ok {
			return constVal{}, false
		}
		return constVal{i: ir.Wrap(in.Type.Bits, r)}, true
	case opType.IsFloat() && x.float && y.float:
		r, cmp, ok := ir.EvalFloat(op, opType.Bits, x.f, y.f)
		if !ok {
			return constVal{}, false
		}
		if op.IsCompare() {
			return constVal{i: cmp}, true
		}
		return constVal{float: true, f: r}, true
	}
	return constVal{}, false
}

func foldCast(in *ir.Instr, from ir.Type, x constVal) (constVal, bool) {
	to := in.Type
	switch in.Cast.Op {
	case ir.CastSExt, ir.CastZExt, ir.CastTrunc:
		if !from.IsInt() || !to.IsInt() || x.float {
			return constVal{}, false
		}
		return constVal{i: ir.EvalCast(in.Cast.Op, from.Bits, to.Bits, x.i)}, true
	case ir.CastSIToFP:
		if x.float || !to.IsFloat() {
			return constVal{}, false
		}
		v := float64(x.i)
		if to.Bits == 32 {
			v = float64(float32(v))
		}
		return constVal{float: true, f: v}, true
	case ir.CastFPExt, ir.CastFPTrunc:
		if !x.float {
			return constVal{}, false
		}
		v := x.f
		if to.Bits == 32 {
			v = float64(float32(v))
		}
		return constVal{float: true, f: v}, true
	}
	// fptosi of NaN or out-of-range values is target dependent; not folded.
	return constVal{}, false
}

// foldTerm rewrites a cond-br or switch on a known constant into a br.
func foldTerm(b *ir.Block, known map[ir.ValueID]constVal) bool {
	t := &b.Term
	switch t.Kind {
	case ir.TermCondBr:
		c, ok := known[t.CondBr.Cond]
		if !ok || c.float {
			return false
		}
		target := t.CondBr.Else
		if c.i&1 != 0 {
			target = t.CondBr.Then
		}
		*t = ir.Br(target)
		return true
	case ir.TermSwitch:
		c, ok := known[t.Switch.Value]
		if !ok || c.float {
			return false
		}
		target := t.Switch.Default
		for _, sc := range t.Switch.Cases {
			if sc.Value == c.i {
				target = sc.Target
				break
			}
		}
		*t = ir.Br(target)
		return true
	}
	return false
}
