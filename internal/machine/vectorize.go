package machine

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Heuristics are the tunable factors of the vectorization speedup estimate.
type Heuristics struct {
	Strided    float64
	Gather     float64
	Misaligned float64
	Overhead   float64
}

func DefaultHeuristics() Heuristics {
	return Heuristics{Strided: 0.8, Gather: 0.6, Misaligned: 0.9, Overhead: 0.95}
}

// AccessProfile summarizes how a vectorization candidate touches memory.
type AccessProfile struct {
	VL         int
	Strided    bool
	Gather     bool
	Misaligned bool
}

// Estimate returns the expected speedup of a candidate over its scalar
// loop. It only ranks candidates; no candidate is rejected on it.
func (h Heuristics) Estimate(p AccessProfile) float64 {
	s := float64(p.VL)
	if p.Strided {
		s *= h.Strided
	}
	if p.Gather {
		s *= h.Gather
	}
	if p.Misaligned {
		s *= h.Misaligned
	}
	return s * h.Overhead
}

type vecState uint8

const (
	vecIdentify vecState = iota
	vecAnalyze
	vecLength
	vecEstimate
	vecTransform
	vecCleanup
	vecDone
)

var vecStateNames = [...]string{"identify", "analyze", "vector-length", "estimate", "transform", "cleanup", "done"}

func (s vecState) String() string {
	if int(s) < len(vecStateNames) {
		return vecStateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type accessKind uint8

const (
	accContiguous accessKind = iota
	accStrided
	accGather
)

// vecAccess is one address stream of a candidate, keyed by its GEP.
type vecAccess struct {
	kind  accessKind
	base  ir.ValueID
	index ir.ValueID // gathered index values
	scale int64      // elements advanced per iteration
	size  int64      // element bytes
	store bool
	load  bool

	ptr    Reg // running address, or the base for gathers
	stride Reg
}

func (a *vecAccess) bytes() int64 { return a.size * a.scale }

// reduction is a header phi folded by an associative operation.
type reduction struct {
	phi     ir.ValueID
	update  ir.ValueID
	contrib ir.ValueID
	op      ir.BinOp
	acc     Reg
}

type vecCandidate struct {
	loop  *ir.Loop
	cl    ir.CountedLoop
	state vecState

	unsigned bool
	sew      int
	vl       int
	profile  AccessProfile
	speedup  float64

	access   map[ir.ValueID]*vecAccess
	order    []ir.ValueID // GEPs in body order
	scaled   map[ir.ValueID]bool
	reduce   map[ir.ValueID]*reduction // keyed by update value
	reduces  []*reduction
	ivVector bool
}

// errSkip carries the reason a candidate was not vectorized.
type errSkip struct{ reason string }

func (e *errSkip) Error() string { return e.reason }

func skipf(format string, args ...any) error { return &errSkip{reason: fmt.Sprintf(format, args...)} }

// loopVectorizer runs the candidate state machine over the loops of one
// lowered function. packed selects P-extension SIMD within a GPR instead of
// RVV.
type loopVectorizer struct {
	o      *Optimizer
	l      *lowering
	tracer trace.Tracer
	parent uint64
	packed bool

	inv    map[ir.ValueID]Reg // invariants rematerialized in the preheader
	vec    map[ir.ValueID]Reg // vector (or packed) register per value
	new    []Reg              // vector registers created by the transform
	strips []int              // strip body blocks awaiting cleanup
}

func (o *Optimizer) newLoopVectorizer(ctx context.Context, l *lowering, packed bool) *loopVectorizer {
	return &loopVectorizer{
		o:      o,
		l:      l,
		tracer: trace.FromContext(ctx),
		parent: trace.CurrentSpan(ctx).SpanID,
		packed: packed,
	}
}

// vectorizeLoops rewrites counted innermost loops into RVV strip loops
// followed by the original scalar loop, which finishes the remainder.
func (o *Optimizer) vectorizeLoops(ctx context.Context, l *lowering) {
	o.newLoopVectorizer(ctx, l, false).run()
}

func (v *loopVectorizer) run() {
	mf := v.l.mf
	var ready []*vecCandidate
	for i := range v.l.loops {
		c := &vecCandidate{loop: &v.l.loops[i]}
		if err := v.advance(c, vecTransform); err != nil {
			v.skip(c, err)
			continue
		}
		ready = append(ready, c)
	}
	slices.SortStableFunc(ready, func(a, b *vecCandidate) int {
		switch {
		case a.speedup > b.speedup:
			return -1
		case a.speedup < b.speedup:
			return 1
		}
		return 0
	})
	for _, c := range ready {
		if err := v.advance(c, vecDone); err != nil {
			v.skip(c, err)
			continue
		}
		if v.packed {
			mf.Stats.LoopsPacked++
		} else {
			mf.Stats.LoopsVectorized++
		}
		mf.Stats.BestSpeedup = max(mf.Stats.BestSpeedup, c.speedup)
		trace.Point(v.tracer, trace.ScopeNode, "vectorize", fmt.Sprintf("%s: %s vl=%d sew=%d speedup=%.2f",
			mf.Name, v.l.f.Blocks[c.cl.Header].Name(), c.vl, c.sew, c.speedup), v.parent)
	}
}

func (v *loopVectorizer) skip(c *vecCandidate, err error) {
	v.l.mf.Stats.VectorSkipped++
	trace.Point(v.tracer, trace.ScopeNode, "vectorize.skip", fmt.Sprintf("%s: %s at %s: %v",
		v.l.mf.Name, v.l.f.Blocks[c.loop.Header].Name(), c.state, err), v.parent)
}

// advance steps c through the state machine until it reaches stop.
func (v *loopVectorizer) advance(c *vecCandidate, stop vecState) error {
	for c.state < stop {
		var err error
		switch c.state {
		case vecIdentify:
			err = v.identify(c)
		case vecAnalyze:
			err = v.analyze(c)
		case vecLength:
			err = v.vectorLength(c)
		case vecEstimate:
			c.speedup = v.o.opts.Heuristics.Estimate(c.profile)
		case vecTransform:
			err = v.transformSafely(c)
		case vecCleanup:
			v.cleanup()
		}
		if err != nil {
			return err
		}
		c.state++
	}
	return nil
}

func (v *loopVectorizer) identify(c *vecCandidate) error {
	f := v.l.f
	branches := 0
	for _, id := range c.loop.Blocks {
		b := &f.Blocks[id]
		if (b.Term.Kind == ir.TermCondBr || b.Term.Kind == ir.TermSwitch) && len(ir.UniqueSuccs(b)) > 1 {
			branches++
		}
		for i := range b.Instrs {
			in := &b.Instrs[i]
			if in.Kind != ir.InstrCall {
				continue
			}
			if in.Call.Callee == f.Name || v.l.sig.Recursive(in.Call.Callee) {
				return skipf("recursive call to %s", in.Call.Callee)
			}
		}
	}
	if branches > max(v.o.opts.MaxLoopBranches, 1) {
		return skipf("%d branches in loop", branches)
	}
	cl, ok := ir.AnalyzeCountedLoop(f, c.loop)
	if !ok {
		return skipf("not a counted loop")
	}
	if cl.Step != 1 {
		return skipf("step %d", cl.Step)
	}
	unsigned, ok := belowLimit(&cl)
	if !ok {
		return skipf("exit compare %s is not an upper bound", cl.CmpOp)
	}
	if cl.TripKnown && cl.Trip == 0 {
		return skipf("loop never runs")
	}
	if v.l.blockOf[cl.Header] < 0 || v.l.blockOf[cl.Body] < 0 {
		return skipf("unreachable loop")
	}
	c.cl, c.unsigned = cl, unsigned
	return nil
}

// belowLimit reports whether the body runs exactly while iv < limit, and
// whether that compare is unsigned.
func belowLimit(cl *ir.CountedLoop) (unsigned, ok bool) {
	switch {
	case cl.IVOnLeft && cl.OnTrue:
		return cl.CmpOp == ir.OpULt, cl.CmpOp == ir.OpSLt || cl.CmpOp == ir.OpULt
	case !cl.IVOnLeft && cl.OnTrue:
		return cl.CmpOp == ir.OpUGt, cl.CmpOp == ir.OpSGt || cl.CmpOp == ir.OpUGt
	case cl.IVOnLeft && !cl.OnTrue:
		return cl.CmpOp == ir.OpUGe, cl.CmpOp == ir.OpSGe || cl.CmpOp == ir.OpUGe
	default:
		return cl.CmpOp == ir.OpULe, cl.CmpOp == ir.OpSLe || cl.CmpOp == ir.OpULe
	}
}

var vecReduceOps = map[ir.BinOp]Opcode{
	ir.OpAdd: OpVREDSUM, ir.OpAnd: OpVREDAND, ir.OpOr: OpVREDOR,
	ir.OpXor: OpVREDXOR, ir.OpSMin: OpVREDMIN, ir.OpSMax: OpVREDMAX,
}

var vecBinOps = map[ir.BinOp]Opcode{
	ir.OpAdd: OpVADDVV, ir.OpSub: OpVSUBVV, ir.OpMul: OpVMULVV,
	ir.OpAnd: OpVANDVV, ir.OpOr: OpVORVV, ir.OpXor: OpVXORVV,
	ir.OpSMin: OpVMINVV, ir.OpSMax: OpVMAXVV,
	ir.OpShl: OpVSLLVV, ir.OpLShr: OpVSRLVV, ir.OpAShr: OpVSRAVV,
}

func (v *loopVectorizer) inLoop(c *vecCandidate, id ir.ValueID) bool {
	ref, ok := v.l.defs[id]
	return ok && (ref.Block == c.cl.Header || ref.Block == c.cl.Body)
}

// invariant reports whether id holds the same scalar on every iteration.
func (v *loopVectorizer) invariant(c *vecCandidate, id ir.ValueID) bool {
	if !v.inLoop(c, id) {
		return true
	}
	in := v.l.instrOf(id)
	return in != nil && (in.Kind == ir.InstrConst || in.Kind == ir.InstrGlobalAddr)
}

func (v *loopVectorizer) setWidth(c *vecCandidate, t ir.Type) error {
	t = v.l.layout.Resolve(t)
	if !t.IsInt() {
		return skipf("%s elements", t)
	}
	switch t.Bits {
	case 8, 16, 32, 64:
	default:
		return skipf("%d-bit elements", t.Bits)
	}
	if c.sew == 0 {
		c.sew = int(t.Bits)
	} else if c.sew != int(t.Bits) {
		return skipf("mixed element widths %d and %d", c.sew, t.Bits)
	}
	return nil
}

func (v *loopVectorizer) analyze(c *vecCandidate) error {
	l := v.l
	f := l.f
	c.access = make(map[ir.ValueID]*vecAccess)
	c.scaled = make(map[ir.ValueID]bool)
	c.reduce = make(map[ir.ValueID]*reduction)

	if !v.invariant(c, c.cl.Limit) {
		return skipf("loop limit varies")
	}
	if l.uses[c.cl.Next] != 1 {
		return skipf("induction update used in the body")
	}

	// Header: only the induction and reduction phis plus the exit compare.
	for i := range f.Blocks[c.cl.Header].Instrs {
		in := &f.Blocks[c.cl.Header].Instrs[i]
		switch {
		case in.Kind == ir.InstrConst, in.Dst == c.cl.Cond, in.Dst == c.cl.IV:
		case in.Kind == ir.InstrPhi:
			if err := v.addReduction(c, in); err != nil {
				return err
			}
		default:
			return skipf("%s in loop header", in.Kind)
		}
	}

	// In-loop uses of each body value, to tell indices from vector values.
	body := &f.Blocks[c.cl.Body]
	for i := range body.Instrs {
		in := &body.Instrs[i]
		if in.Dst == c.cl.Next || in.Dst != ir.NoValueID && c.reduce[in.Dst] != nil {
			continue
		}
		switch in.Kind {
		case ir.InstrConst, ir.InstrGlobalAddr:
		case ir.InstrGEP:
			if err := v.addAccess(c, in); err != nil {
				return err
			}
		case ir.InstrBinary:
			if v.isScaledIV(c, in) {
				c.scaled[in.Dst] = true
				continue
			}
			if err := v.checkBinary(c, in); err != nil {
				return err
			}
		case ir.InstrLoad:
			a := c.access[in.Load.Addr]
			if a == nil {
				return skipf("load through an unanalyzed address")
			}
			a.load = true
			if err := v.setWidth(c, in.Type); err != nil {
				return err
			}
		case ir.InstrStore:
			a := c.access[in.Store.Addr]
			if a == nil {
				return skipf("store through an unanalyzed address")
			}
			a.store = true
			if err := v.setWidth(c, in.Type); err != nil {
				return err
			}
			if err := v.checkOperand(c, in.Store.Value); err != nil {
				return err
			}
		case ir.InstrCall:
			return skipf("call to %s", in.Call.Callee)
		default:
			return skipf("%s in loop body", in.Kind)
		}
	}
	for _, r := range c.reduces {
		if err := v.checkOperand(c, r.contrib); err != nil {
			return err
		}
	}
	if c.sew == 0 {
		t := l.layout.Resolve(l.types[c.cl.IV])
		if err := v.setWidth(c, t); err != nil {
			return err
		}
	}
	if c.ivVector && int(c.cl.Bits) != c.sew {
		return skipf("induction width %d differs from element width %d", c.cl.Bits, c.sew)
	}
	if err := v.checkEscapes(c); err != nil {
		return err
	}
	if err := v.checkAliasing(c); err != nil {
		return err
	}
	if v.packed {
		return v.checkPacked(c)
	}
	return nil
}

func (v *loopVectorizer) addReduction(c *vecCandidate, phi *ir.Instr) error {
	l := v.l
	upd, ok := phi.Phi.IncomingFor(c.cl.Body)
	if !ok {
		return skipf("phi %%%d has no latch value", phi.Dst)
	}
	in := l.instrOf(upd)
	if in == nil || in.Kind != ir.InstrBinary || l.defs[upd].Block != c.cl.Body {
		return skipf("phi %%%d is not a reduction", phi.Dst)
	}
	op := in.Binary.Op
	if _, ok := vecReduceOps[op]; !ok || v.packed {
		return skipf("phi %%%d reduces with %s", phi.Dst, op)
	}
	var contrib ir.ValueID
	switch phi.Dst {
	case in.Binary.X:
		contrib = in.Binary.Y
	case in.Binary.Y:
		contrib = in.Binary.X
	default:
		return skipf("phi %%%d is not a reduction", phi.Dst)
	}
	if contrib == phi.Dst || l.uses[upd] != 1 {
		return skipf("reduction %%%d is used inside the loop", phi.Dst)
	}
	if v.loopUses(c, phi.Dst) != 1 {
		return skipf("reduction %%%d is used inside the loop", phi.Dst)
	}
	if err := v.setWidth(c, phi.Type); err != nil {
		return err
	}
	r := &reduction{phi: phi.Dst, update: upd, contrib: contrib, op: op}
	c.reduce[upd] = r
	c.reduces = append(c.reduces, r)
	return nil
}

// loopUses counts operand uses of id inside the loop, phis included.
func (v *loopVectorizer) loopUses(c *vecCandidate, id ir.ValueID) int {
	n := 0
	for _, b := range []ir.BlockID{c.cl.Header, c.cl.Body} {
		blk := &v.l.f.Blocks[b]
		for i := range blk.Instrs {
			for _, u := range blk.Instrs[i].Uses() {
				if u == id {
					n++
				}
			}
		}
		for _, u := range blk.Term.Uses() {
			if u == id {
				n++
			}
		}
	}
	return n
}

// isScaledIV matches iv*c feeding only GEP indices.
func (v *loopVectorizer) isScaledIV(c *vecCandidate, in *ir.Instr) bool {
	if in.Binary.Op != ir.OpMul {
		return false
	}
	k, ok := v.l.constOf(in.Binary.Y)
	if in.Binary.X != c.cl.IV {
		if in.Binary.Y != c.cl.IV {
			return false
		}
		k, ok = v.l.constOf(in.Binary.X)
	}
	if !ok || k <= 0 {
		return false
	}
	body := &v.l.f.Blocks[c.cl.Body]
	seen := 0
	for i := range body.Instrs {
		u := &body.Instrs[i]
		if u.Kind == ir.InstrGEP && u.GEP.Index == in.Dst && u.GEP.Base != in.Dst {
			seen++
		}
	}
	return seen == v.l.uses[in.Dst]
}

func (v *loopVectorizer) addAccess(c *vecCandidate, in *ir.Instr) error {
	l := v.l
	g := &in.GEP
	if g.Field >= 0 || g.Index == ir.NoValueID {
		return skipf("aggregate address")
	}
	if !v.invariant(c, g.Base) {
		return skipf("address base varies")
	}
	elem := l.layout.Resolve(g.Elem)
	if err := v.setWidth(c, elem); err != nil {
		return err
	}
	a := &vecAccess{base: g.Base, size: l.layout.SizeOf(elem), scale: 1}
	switch {
	case g.Index == c.cl.IV:
		a.kind = accContiguous
	case v.scaledFactor(c, g.Index) > 0:
		a.kind, a.scale = accStrided, v.scaledFactor(c, g.Index)
		if a.scale == 1 {
			a.kind = accContiguous
		}
	case v.inLoop(c, g.Index) && !v.invariant(c, g.Index):
		if !v.o.opts.AllowGather || v.packed {
			return skipf("indexed access")
		}
		if _, ok := log2Exact(a.size); !ok {
			return skipf("gather of %d-byte elements", a.size)
		}
		a.kind, a.index = accGather, g.Index
	default:
		return skipf("irregular access")
	}
	if _, ok := log2Exact(a.bytes()); !ok && !v.o.hasM {
		return skipf("stride of %d bytes needs the M extension", a.bytes())
	}
	// Every use of the address must be a load or store in the body.
	body := &l.f.Blocks[c.cl.Body]
	memUses := 0
	for i := range body.Instrs {
		u := &body.Instrs[i]
		switch {
		case u.Kind == ir.InstrLoad && u.Load.Addr == in.Dst:
			memUses++
		case u.Kind == ir.InstrStore && u.Store.Addr == in.Dst && u.Store.Value != in.Dst:
			memUses++
		}
	}
	if memUses != l.uses[in.Dst] {
		return skipf("address %%%d escapes", in.Dst)
	}
	c.access[in.Dst] = a
	c.order = append(c.order, in.Dst)
	return nil
}

func (v *loopVectorizer) scaledFactor(c *vecCandidate, id ir.ValueID) int64 {
	in := v.l.instrOf(id)
	if in == nil || in.Kind != ir.InstrBinary || !v.inLoop(c, id) || !v.isScaledIV(c, in) {
		return 0
	}
	if k, ok := v.l.constOf(in.Binary.Y); ok {
		return k
	}
	k, _ := v.l.constOf(in.Binary.X)
	return k
}

func (v *loopVectorizer) checkBinary(c *vecCandidate, in *ir.Instr) error {
	op := in.Binary.Op
	switch {
	case op.IsCompare():
		return skipf("compare %s needs masking", op)
	case op.IsDivRem():
		return skipf("vector %s", op)
	}
	if v.packed {
		if op != ir.OpAdd && op != ir.OpSub {
			return skipf("packed %s", op)
		}
	} else if _, ok := vecBinOps[op]; !ok {
		return skipf("vector %s", op)
	}
	if err := v.setWidth(c, in.Type); err != nil {
		return err
	}
	if err := v.checkOperand(c, in.Binary.X); err != nil {
		return err
	}
	return v.checkOperand(c, in.Binary.Y)
}

// checkOperand accepts values that have a vector form: loop-computed
// vectors, the induction variable and invariant scalars.
func (v *loopVectorizer) checkOperand(c *vecCandidate, id ir.ValueID) error {
	switch {
	case id == c.cl.IV:
		if v.packed {
			return skipf("induction value in packed loop")
		}
		c.ivVector = true
	case v.invariant(c, id):
		if v.packed {
			return skipf("scalar operand in packed loop")
		}
	case c.access[id] != nil, c.scaled[id]:
		return skipf("address used as data")
	case v.l.defs[id].Block == c.cl.Header:
		return skipf("header value %%%d used as data", id)
	}
	return nil
}

// checkEscapes rejects values computed in the body and read after the
// loop; the vector loop does not produce them.
func (v *loopVectorizer) checkEscapes(c *vecCandidate) error {
	f := v.l.f
	body := &f.Blocks[c.cl.Body]
	local := make(map[ir.ValueID]bool)
	for i := range body.Instrs {
		d := body.Instrs[i].Dst
		if d == ir.NoValueID || d == c.cl.Next || c.reduce[d] != nil {
			continue
		}
		local[d] = true
	}
	for bi := range f.Blocks {
		id := ir.BlockID(bi)
		if id == c.cl.Body {
			continue
		}
		b := &f.Blocks[bi]
		for i := range b.Instrs {
			for _, u := range b.Instrs[i].Uses() {
				if local[u] {
					return skipf("value %%%d escapes the loop", u)
				}
			}
		}
		for _, u := range b.Term.Uses() {
			if local[u] {
				return skipf("value %%%d escapes the loop", u)
			}
		}
	}
	return nil
}

func (v *loopVectorizer) globalName(id ir.ValueID) string {
	in := v.l.instrOf(id)
	if in == nil || in.Kind != ir.InstrGlobalAddr {
		return ""
	}
	return in.GlobalAddr.Name
}

// checkAliasing accepts a store only when every other access is provably
// disjoint or touches exactly the same element.
func (v *loopVectorizer) checkAliasing(c *vecCandidate) error {
	for _, sid := range c.order {
		s := c.access[sid]
		if !s.store {
			continue
		}
		for _, oid := range c.order {
			if oid == sid {
				continue
			}
			o := c.access[oid]
			sn, on := v.globalName(s.base), v.globalName(o.base)
			if sn != "" && on != "" && sn != on {
				continue
			}
			same := s.base == o.base || sn != "" && sn == on
			if same && s.kind == o.kind && s.kind != accGather && s.scale == o.scale && s.size == o.size &&
				v.l.f.Blocks[c.cl.Body].Instrs[v.l.defs[sid].Index].GEP.Index ==
					v.l.f.Blocks[c.cl.Body].Instrs[v.l.defs[oid].Index].GEP.Index {
				continue
			}
			return skipf("possible memory dependence between %%%d and %%%d", sid, oid)
		}
	}
	return nil
}

// vectorLength picks the largest element count the vector unit holds that
// also divides the cache line, and derives the access profile.
func (v *loopVectorizer) vectorLength(c *vecCandidate) error {
	desc := v.o.desc
	var vlmax int
	if v.packed {
		vlmax = 64 / c.sew
	} else {
		if desc.VLEN() <= 0 {
			return skipf("no vector length")
		}
		vlmax = desc.VLEN() * max(desc.LMUL(), 1) / c.sew
	}
	if vlmax < 2 {
		return skipf("vector holds %d elements", vlmax)
	}
	vl := vlmax
	if line := desc.CacheLine() * 8 / c.sew; line > 0 {
		for vl > 1 && line%vl != 0 {
			vl--
		}
		if vl < 2 {
			vl = vlmax
		}
	}
	if c.cl.TripKnown && c.cl.Trip < int64(vl) {
		return skipf("trip count %d below vector length %d", c.cl.Trip, vl)
	}
	c.vl = vl
	c.profile = AccessProfile{VL: vl}
	for _, a := range c.access {
		switch a.kind {
		case accStrided:
			c.profile.Strided = true
		case accGather:
			c.profile.Gather = true
		}
		if v.globalName(a.base) == "" || !c.cl.InitKnown || (c.cl.Init*a.bytes())%(int64(vl)*a.size) != 0 {
			c.profile.Misaligned = true
		}
	}
	return nil
}

// transformSafely runs the transform and rolls the function back when it
// fails part way.
func (v *loopVectorizer) transformSafely(c *vecCandidate) (err error) {
	mf := v.l.mf
	nblocks, nvregs, cur := len(mf.Blocks), len(mf.VRegs), v.l.cur
	defer func() {
		if r := recover(); r != nil {
			err = diag.InternalCodegen(diag.IntLowering, "vectorizer panic: %v", r)
		}
		if err != nil {
			mf.Blocks = mf.Blocks[:nblocks]
			mf.VRegs = mf.VRegs[:nvregs]
			v.new, v.strips = nil, nil
		}
		v.l.cur = cur
	}()
	if v.packed {
		return v.transformPacked(c)
	}
	return v.transform(c)
}

// vtype encodes vsetvli's type immediate with tail and mask agnostic
// policy.
func vtype(sew, lmul int) int64 {
	vsew := map[int]int64{8: 0, 16: 1, 32: 2, 64: 3}[sew]
	vlmul := map[int]int64{1: 0, 2: 1, 4: 2, 8: 3}[max(lmul, 1)]
	return 1<<7 | 1<<6 | vsew<<3 | vlmul
}

// preheaderExit finds the jump entering the loop header from outside.
func (v *loopVectorizer) preheaderExit(c *vecCandidate) (*Inst, error) {
	l := v.l
	pe, ok := l.edges[[2]ir.BlockID{c.cl.Preheader, c.cl.Header}]
	if !ok {
		pe = l.blockOf[c.cl.Preheader]
	}
	if pe < 0 {
		return nil, skipf("unreachable preheader")
	}
	mh := l.blockOf[c.cl.Header]
	blk := &l.mf.Blocks[pe]
	for i := termStart(blk); i < len(blk.Insts); i++ {
		in := &blk.Insts[i]
		if in.Op == OpJAL && in.Target == mh {
			return in, nil
		}
	}
	return nil, skipf("preheader does not jump to the header")
}

// setupStrip emits the strip-loop preheader shared by RVV and packed
// code: the remaining count, the running addresses and the guard that
// falls back to the scalar loop when fewer than vl elements remain.
func (v *loopVectorizer) setupStrip(c *vecCandidate, pre, body int) (cnt, vlc Reg, err error) {
	l := v.l
	l.cur = pre
	iv := l.vals[c.cl.IV]
	lim, err := v.scalar(c.cl.Limit)
	if err != nil {
		return NoReg, NoReg, err
	}
	cnt = l.mf.NewVReg(target.ClassGPR, 64)
	vlc = l.mf.NewVReg(target.ClassGPR, 64)
	l.emit(rrr(OpSUB, cnt, lim, iv))
	l.emit(loadImm(vlc, int64(c.vl))...)
	for _, id := range c.order {
		a := c.access[id]
		base, err := v.scalar(a.base)
		if err != nil {
			return NoReg, NoReg, err
		}
		if a.kind == accGather {
			a.ptr = base
			continue
		}
		off := l.mf.NewVReg(target.ClassGPR, 64)
		if k, ok := log2Exact(a.bytes()); ok {
			l.emit(rri(OpSLLI, off, iv, int64(k)))
		} else {
			n := l.mf.NewVReg(target.ClassGPR, 64)
			l.emit(loadImm(n, a.bytes())...)
			l.emit(rrr(OpMUL, off, iv, n))
		}
		a.ptr = l.mf.NewVReg(target.ClassGPR, 64)
		l.emit(rrr(OpADD, a.ptr, base, off))
		if a.kind == accStrided {
			a.stride = l.mf.NewVReg(target.ClassGPR, 64)
			l.emit(loadImm(a.stride, a.bytes())...)
		}
	}
	mh := l.blockOf[c.cl.Header]
	guard := OpBGE
	if c.unsigned {
		guard = OpBGEU
	}
	l.emit(branch(guard, iv, lim, mh), branch(OpBLTU, cnt, vlc, mh))
	if body >= 0 {
		l.emit(jump(body))
	}
	return cnt, vlc, nil
}

// closeStrip advances the running state by one strip and loops while a
// full strip remains.
func (v *loopVectorizer) closeStrip(c *vecCandidate, cnt, vlc Reg, body, exit int) {
	l := v.l
	for _, id := range c.order {
		if a := c.access[id]; a.kind != accGather {
			l.addImm(a.ptr, a.ptr, a.bytes()*int64(c.vl))
		}
	}
	iv := l.vals[c.cl.IV]
	l.addImm(iv, iv, int64(c.vl))
	l.addImm(cnt, cnt, -int64(c.vl))
	l.emit(branch(OpBGEU, cnt, vlc, body), jump(exit))
}

// scalar returns a register holding invariant id in the strip preheader.
func (v *loopVectorizer) scalar(id ir.ValueID) (Reg, error) {
	if r, ok := v.inv[id]; ok {
		return r, nil
	}
	l := v.l
	if in := l.instrOf(id); in != nil && in.Kind == ir.InstrGlobalAddr {
		r := l.mf.NewVReg(target.ClassGPR, 64)
		la := newInst(OpLA)
		la.Rd, la.Sym = r, in.GlobalAddr.Name
		l.emit(la)
		v.inv[id] = r
		return r, nil
	}
	r, err := l.use(id)
	if err != nil {
		return NoReg, err
	}
	v.inv[id] = r
	return r, nil
}

func (v *loopVectorizer) newVec(bits int) Reg {
	r := v.l.mf.NewVReg(target.ClassVector, uint8(bits))
	v.new = append(v.new, r)
	return r
}

// transform emits
//
//	vpre:  cnt = limit - iv; set up addresses and accumulators
//	       if iv >= limit || cnt < vl goto header
//	vbody: one strip of vl elements; loop while cnt >= vl
//	vexit: fold accumulators; goto header
//
// and routes the preheader into vpre. The scalar loop then runs the
// remaining iterations.
func (v *loopVectorizer) transform(c *vecCandidate) error {
	l := v.l
	mf := l.mf
	enter, err := v.preheaderExit(c)
	if err != nil {
		return err
	}
	v.inv = make(map[ir.ValueID]Reg)
	v.vec = make(map[ir.ValueID]Reg)
	hdr := l.f.Blocks[c.cl.Header].Name()
	depth := mf.Blocks[l.blockOf[c.cl.Header]].LoopDepth
	pre := mf.AddBlock(hdr + ".vpre")
	body := mf.AddBlock(hdr + ".vbody")
	exit := mf.AddBlock(hdr + ".vexit")
	mf.Blocks[pre].LoopDepth = max(depth-1, 0)
	mf.Blocks[body].LoopDepth = depth
	mf.Blocks[exit].LoopDepth = max(depth-1, 0)

	cnt, vlc, err := v.setupStrip(c, pre, -1)
	if err != nil {
		return err
	}
	// vtype is set once here; nothing in the strip loop changes it.
	ts := termStart(&mf.Blocks[pre])
	guard := append([]Inst(nil), mf.Blocks[pre].Insts[ts:]...)
	mf.Blocks[pre].Insts = mf.Blocks[pre].Insts[:ts]
	vset := newInst(OpVSETVLI)
	vset.Rd, vset.Rs1, vset.Imm = RegZero, vlc, vtype(c.sew, v.o.desc.LMUL())
	l.emit(vset)
	for _, r := range c.reduces {
		r.acc = v.newVec(c.sew)
		id := reduceIdentity(r.op, c.sew)
		src := RegZero
		if id != 0 {
			src = mf.NewVReg(target.ClassGPR, 64)
			l.emit(loadImm(src, id)...)
		}
		l.emit(rrr(OpVMVVX, r.acc, src, NoReg))
	}
	l.emit(guard...)
	l.emit(jump(body))

	l.cur = body
	insts := l.f.Blocks[c.cl.Body].Instrs
	for i := range insts {
		if err := v.vectorizeInstr(c, &insts[i]); err != nil {
			return err
		}
	}
	v.closeStrip(c, cnt, vlc, body, exit)

	l.cur = exit
	for _, r := range c.reduces {
		t := v.newVec(c.sew)
		acc := l.vals[r.phi]
		l.emit(
			rrr(OpVMVSX, t, acc, NoReg),
			rrr(vecReduceOps[r.op], t, r.acc, t),
			rrr(OpVMVXS, acc, t, NoReg),
		)
	}
	l.emit(jump(l.blockOf[c.cl.Header]))

	enter.Target = pre
	v.strips = append(v.strips, body)
	return nil
}

func reduceIdentity(op ir.BinOp, sew int) int64 {
	switch op {
	case ir.OpAnd:
		return -1
	case ir.OpSMin:
		return int64(uint64(1)<<(sew-1) - 1)
	case ir.OpSMax:
		return -int64(uint64(1) << (sew - 1))
	}
	return 0
}

// vecOf returns the vector register of an operand, splatting invariants and
// materializing the induction vector on first use.
func (v *loopVectorizer) vecOf(c *vecCandidate, id ir.ValueID) (Reg, error) {
	if r, ok := v.vec[id]; ok {
		return r, nil
	}
	l := v.l
	if id == c.cl.IV {
		seq := v.newVec(c.sew)
		r := v.newVec(c.sew)
		vid := newInst(OpVIDV)
		vid.Rd = seq
		l.emit(vid, rrr(OpVADDVX, r, seq, l.vals[c.cl.IV]))
		v.vec[id] = r
		return r, nil
	}
	if !v.invariant(c, id) {
		return NoReg, diag.InternalCodegen(diag.IntLowering, "value %%%d has no vector form", id)
	}
	s, err := v.scalarInBody(id)
	if err != nil {
		return NoReg, err
	}
	r := v.newVec(c.sew)
	l.emit(rrr(OpVMVVX, r, s, NoReg))
	return r, nil
}

// scalarInBody materializes an invariant for use inside the strip body.
func (v *loopVectorizer) scalarInBody(id ir.ValueID) (Reg, error) {
	if r, ok := v.inv[id]; ok {
		return r, nil
	}
	if c, ok := v.l.constOf(id); ok {
		if c == 0 {
			return RegZero, nil
		}
		r := v.l.mf.NewVReg(target.ClassGPR, 64)
		v.l.emit(loadImm(r, c)...)
		return r, nil
	}
	return v.scalar(id)
}

func (v *loopVectorizer) vectorizeInstr(c *vecCandidate, in *ir.Instr) error {
	l := v.l
	if in.Dst == c.cl.Next {
		return nil
	}
	if r := c.reduce[in.Dst]; r != nil {
		x, err := v.vecOf(c, r.contrib)
		if err != nil {
			return err
		}
		l.emit(rrr(vecBinOps[r.op], r.acc, r.acc, x))
		return nil
	}
	switch in.Kind {
	case ir.InstrLoad:
		a := c.access[in.Load.Addr]
		d := v.newVec(c.sew)
		ld := newInst(OpVLE)
		ld.Rd, ld.Rs1, ld.Imm = d, a.ptr, int64(c.sew)
		switch a.kind {
		case accStrided:
			ld.Op, ld.Rs2 = OpVLSE, a.stride
		case accGather:
			off, err := v.offsets(c, a)
			if err != nil {
				return err
			}
			ld.Op, ld.Rs2 = OpVLUXEI, off
		}
		l.emit(ld)
		v.vec[in.Dst] = d
	case ir.InstrStore:
		a := c.access[in.Store.Addr]
		val, err := v.vecOf(c, in.Store.Value)
		if err != nil {
			return err
		}
		st := newInst(OpVSE)
		st.Rs3, st.Rs1, st.Imm = val, a.ptr, int64(c.sew)
		switch a.kind {
		case accStrided:
			st.Op, st.Rs2 = OpVSSE, a.stride
		case accGather:
			off, err := v.offsets(c, a)
			if err != nil {
				return err
			}
			st.Op, st.Rs2 = OpVSUXEI, off
		}
		l.emit(st)
	case ir.InstrBinary:
		if c.scaled[in.Dst] {
			return nil
		}
		x, err := v.vecOf(c, in.Binary.X)
		if err != nil {
			return err
		}
		y, err := v.vecOf(c, in.Binary.Y)
		if err != nil {
			return err
		}
		d := v.newVec(c.sew)
		l.emit(rrr(vecBinOps[in.Binary.Op], d, x, y))
		v.vec[in.Dst] = d
	}
	return nil
}

// offsets converts a gathered index vector to byte offsets.
func (v *loopVectorizer) offsets(c *vecCandidate, a *vecAccess) (Reg, error) {
	idx, err := v.vecOf(c, a.index)
	if err != nil {
		return NoReg, err
	}
	k, _ := log2Exact(a.size)
	if k == 0 {
		return idx, nil
	}
	off := v.newVec(c.sew)
	v.l.emit(rri(OpVSLLVI, off, idx, int64(k)))
	return off, nil
}

// cleanup hints the most used new vector registers toward the first
// allocatable groups and reschedules the strip bodies.
func (v *loopVectorizer) cleanup() {
	mf := v.l.mf
	if len(v.new) > 0 {
		uses := make(map[Reg]int)
		for b := range mf.Blocks {
			for i := range mf.Blocks[b].Insts {
				for _, r := range mf.Blocks[b].Insts[i].Uses() {
					if slices.Contains(v.new, r) {
						uses[r]++
					}
				}
			}
		}
		regs := slices.Clone(v.new)
		slices.SortStableFunc(regs, func(a, b Reg) int { return uses[b] - uses[a] })
		pool := v.o.pools[target.ClassVector].CallerSaved
		for i, r := range regs {
			if i >= len(pool) {
				break
			}
			mf.VRegs[r-VRegBase].Hint = pool[i]
		}
	}
	for _, b := range v.strips {
		v.o.scheduleBlock(&mf.Blocks[b], true)
	}
	v.new, v.strips = nil, nil
}
