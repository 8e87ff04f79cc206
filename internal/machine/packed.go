package machine

import (
	"context"

	"kiln/internal/ir"
	"kiln/internal/target"
)

// packLoops rewrites 8- and 16-bit add/sub loops to process a 64-bit word
// of elements per iteration with P-extension instructions. The scalar loop
// finishes the remainder.
func (o *Optimizer) packLoops(ctx context.Context, l *lowering) {
	o.newLoopVectorizer(ctx, l, true).run()
}

var packedOps = map[[2]int]Opcode{
	{8, 0}: OpADD8, {16, 0}: OpADD16,
	{8, 1}: OpSUB8, {16, 1}: OpSUB16,
}

// checkPacked narrows an analyzed candidate to what packed SIMD covers.
func (v *loopVectorizer) checkPacked(c *vecCandidate) error {
	if c.sew != 8 && c.sew != 16 {
		return skipf("%d-bit elements do not pack", c.sew)
	}
	stores := 0
	for _, a := range c.access {
		if a.kind != accContiguous {
			return skipf("packed access must be contiguous")
		}
		if a.store {
			stores++
		}
	}
	if stores == 0 {
		return skipf("packed loop stores nothing")
	}
	return nil
}

func (v *loopVectorizer) transformPacked(c *vecCandidate) error {
	l := v.l
	mf := l.mf
	if c.profile.Misaligned {
		return skipf("packed access may be unaligned")
	}
	enter, err := v.preheaderExit(c)
	if err != nil {
		return err
	}
	v.inv = make(map[ir.ValueID]Reg)
	v.vec = make(map[ir.ValueID]Reg)
	hdr := l.f.Blocks[c.cl.Header].Name()
	depth := mf.Blocks[l.blockOf[c.cl.Header]].LoopDepth
	pre := mf.AddBlock(hdr + ".ppre")
	body := mf.AddBlock(hdr + ".pbody")
	exit := mf.AddBlock(hdr + ".pexit")
	mf.Blocks[pre].LoopDepth = max(depth-1, 0)
	mf.Blocks[body].LoopDepth = depth
	mf.Blocks[exit].LoopDepth = max(depth-1, 0)

	cnt, vlc, err := v.setupStrip(c, pre, body)
	if err != nil {
		return err
	}
	l.cur = body
	insts := l.f.Blocks[c.cl.Body].Instrs
	for i := range insts {
		in := &insts[i]
		switch in.Kind {
		case ir.InstrLoad:
			d := mf.NewVReg(target.ClassGPR, 64)
			l.emit(load(OpLD, d, c.access[in.Load.Addr].ptr, 0))
			v.vec[in.Dst] = d
		case ir.InstrStore:
			val, ok := v.vec[in.Store.Value]
			if !ok {
				return skipf("packed store of a scalar")
			}
			l.emit(store(OpSD, val, c.access[in.Store.Addr].ptr, 0))
		case ir.InstrBinary:
			if in.Dst == c.cl.Next {
				continue
			}
			x, okx := v.vec[in.Binary.X]
			y, oky := v.vec[in.Binary.Y]
			if !okx || !oky {
				return skipf("packed %s of a scalar", in.Binary.Op)
			}
			sub := 0
			if in.Binary.Op == ir.OpSub {
				sub = 1
			}
			d := mf.NewVReg(target.ClassGPR, 64)
			l.emit(rrr(packedOps[[2]int{c.sew, sub}], d, x, y))
			v.vec[in.Dst] = d
		}
	}
	v.closeStrip(c, cnt, vlc, body, exit)
	l.cur = exit
	l.emit(jump(l.blockOf[c.cl.Header]))

	enter.Target = pre
	v.strips = append(v.strips, body)
	return nil
}
