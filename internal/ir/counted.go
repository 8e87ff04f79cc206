package ir

// maxTripSim bounds trip-count simulation.
const maxTripSim = 1 << 20

// CountedLoop describes a canonical two-block loop:
//
//	pre:    br header
//	header: iv = phi [init, pre], [next, body]; ...; c = cmp iv, limit; condbr c
//	body:   ...; next = add iv, step; br header
//
// The limit may be a constant (Trip known) or any value defined outside the
// loop (Trip unknown).
type CountedLoop struct {
	Header, Body, Preheader, Exit BlockID

	IV         ValueID // induction phi in the header
	Next       ValueID // iv + step, incoming from the body
	Cond       ValueID
	CmpOp      BinOp
	IVOnLeft   bool  // cmp iv, limit (otherwise cmp limit, iv)
	OnTrue     bool  // the body is entered when Cond is true
	Bits       uint8 // induction width
	Init       int64
	InitKnown  bool
	Step       int64
	Limit      ValueID
	LimitC     int64
	LimitKnown bool
	Trip       int64
	TripKnown  bool
}

// AnalyzeCountedLoop matches l against the canonical counted shape.
func AnalyzeCountedLoop(f *Func, l *Loop) (CountedLoop, bool) {
	var cl CountedLoop
	if len(l.Blocks) != 2 || len(l.Latches) != 1 || len(l.Exits) != 1 {
		return cl, false
	}
	h := l.Header
	body := l.Latches[0]
	if body == h || l.Exits[0].From != h {
		return cl, false
	}
	hb := &f.Blocks[h]
	bb := &f.Blocks[body]
	if hb.Term.Kind != TermCondBr || bb.Term.Kind != TermBr || bb.Term.Br.Target != h {
		return cl, false
	}
	if len(bb.Phis()) > 0 {
		return cl, false
	}
	preds := Preds(f)
	if len(preds[h]) != 2 {
		return cl, false
	}
	pre := preds[h][0]
	if pre == body {
		pre = preds[h][1]
	}
	cl.Header, cl.Body, cl.Preheader, cl.Exit = h, body, pre, l.Exits[0].To

	t := hb.Term.CondBr
	switch {
	case t.Then == body && t.Else == cl.Exit:
		cl.OnTrue = true
	case t.Else == body && t.Then == cl.Exit:
		cl.OnTrue = false
	default:
		return cl, false
	}
	cl.Cond = t.Cond

	defs := f.Defs()
	instrAt := func(v ValueID) *Instr {
		ref, ok := defs[v]
		if !ok || ref.Block == NoBlockID {
			return nil
		}
		return &f.Blocks[ref.Block].Instrs[ref.Index]
	}
	inLoop := func(v ValueID) bool {
		ref, ok := defs[v]
		return ok && (ref.Block == h || ref.Block == body)
	}
	constOf := func(v ValueID) (int64, bool) {
		in := instrAt(v)
		if in == nil || in.Kind != InstrConst || !in.Type.IsInt() {
			return 0, false
		}
		return Wrap(in.Type.Bits, in.Const.Int), true
	}

	cmp := instrAt(cl.Cond)
	if cmp == nil || cmp.Kind != InstrBinary || !cmp.Binary.Op.IsCompare() {
		return cl, false
	}
	if ref := defs[cl.Cond]; ref.Block != h {
		return cl, false
	}
	cl.CmpOp = cmp.Binary.Op

	isIV := func(v ValueID) bool {
		in := instrAt(v)
		return in != nil && in.Kind == InstrPhi && defs[v].Block == h && in.Type.IsInt()
	}
	switch {
	case isIV(cmp.Binary.X):
		cl.IV, cl.Limit, cl.IVOnLeft = cmp.Binary.X, cmp.Binary.Y, true
	case isIV(cmp.Binary.Y):
		cl.IV, cl.Limit, cl.IVOnLeft = cmp.Binary.Y, cmp.Binary.X, false
	default:
		return cl, false
	}
	if inLoop(cl.Limit) {
		if _, ok := constOf(cl.Limit); !ok {
			return cl, false
		}
	}
	phi := instrAt(cl.IV)
	cl.Bits = phi.Type.Bits
	initV, ok1 := phi.Phi.IncomingFor(pre)
	next, ok2 := phi.Phi.IncomingFor(body)
	if !ok1 || !ok2 {
		return cl, false
	}
	cl.Next = next
	upd := instrAt(next)
	if upd == nil || upd.Kind != InstrBinary || !inLoop(next) {
		return cl, false
	}
	var stepV ValueID
	switch {
	case upd.Binary.Op == OpAdd && upd.Binary.X == cl.IV:
		stepV = upd.Binary.Y
	case upd.Binary.Op == OpAdd && upd.Binary.Y == cl.IV:
		stepV = upd.Binary.X
	case upd.Binary.Op == OpSub && upd.Binary.X == cl.IV:
		stepV = upd.Binary.Y
	default:
		return cl, false
	}
	step, ok := constOf(stepV)
	if !ok || step == 0 {
		return cl, false
	}
	if upd.Binary.Op == OpSub {
		step = -step
	}
	cl.Step = step
	cl.Init, cl.InitKnown = constOf(initV)
	cl.LimitC, cl.LimitKnown = constOf(cl.Limit)
	if cl.InitKnown && cl.LimitKnown {
		cl.Trip, cl.TripKnown = simulateTrip(cl)
	}
	return cl, true
}

// Continues reports whether the loop runs another iteration for iv.
func (cl *CountedLoop) Continues(iv int64) bool {
	x, y := iv, cl.LimitC
	if !cl.IVOnLeft {
		x, y = y, x
	}
	r, _ := EvalInt(cl.CmpOp, cl.Bits, x, y)
	return (r != 0) == cl.OnTrue
}

// IVAt returns the induction value after k iterations.
func (cl *CountedLoop) IVAt(k int64) int64 {
	return Wrap(cl.Bits, cl.Init+k*cl.Step)
}

// simulateTrip counts iterations, refusing loops that wrap their
// induction variable or run longer than maxTripSim.
func simulateTrip(cl CountedLoop) (int64, bool) {
	iv := cl.Init
	for k := int64(0); k <= maxTripSim; k++ {
		if !cl.Continues(iv) {
			return k, true
		}
		next := iv + cl.Step
		if Wrap(cl.Bits, next) != next || (cl.Step > 0) != (next > iv) {
			return 0, false
		}
		iv = next
	}
	return 0, false
}
