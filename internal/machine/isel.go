package machine

import (
	"fmt"
	"math"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/target"
)

// lowering holds the state of instruction selection for one function. The
// vectorizer keeps using it afterwards to map IR loops onto machine blocks.
type lowering struct {
	o      *Optimizer
	f      *ir.Func
	mf     *MFunc
	sig    SymbolTable
	layout ir.Layout
	level  int

	types   map[ir.ValueID]ir.Type
	defs    map[ir.ValueID]ir.InstrRef
	uses    map[ir.ValueID]int
	vals    map[ir.ValueID]Reg
	blockOf []int                 // IR block -> machine block, -1 when unreachable
	edges   map[[2]ir.BlockID]int // split edge -> block holding its phi copies
	folded  map[ir.ValueID]bool   // GEPs folded into load/store offsets
	fused   map[ir.ValueID]bool   // compares folded into their branch
	loops   []ir.Loop
	cur     int
}

func (o *Optimizer) selectInstructions(f *ir.Func, level int, sig SymbolTable) (*lowering, error) {
	l := &lowering{
		o:      o,
		f:      f,
		mf:     newMFunc(f.Name, level),
		sig:    sig,
		layout: sig.Layout(),
		level:  level,
		types:  f.ValueTypes(),
		defs:   f.Defs(),
		uses:   f.UseCounts(),
		vals:   make(map[ir.ValueID]Reg),
		edges:  make(map[[2]ir.BlockID]int),
		folded: make(map[ir.ValueID]bool),
		fused:  make(map[ir.ValueID]bool),
	}
	l.mf.Exported = f.Exported
	if err := l.assignVRegs(); err != nil {
		return nil, err
	}
	l.loops = ir.FindLoops(f)
	depths := ir.LoopDepths(f, l.loops)

	order := ir.RPO(f)
	l.blockOf = make([]int, len(f.Blocks))
	for i := range l.blockOf {
		l.blockOf[i] = -1
	}
	for _, id := range order {
		idx := l.mf.AddBlock(f.Blocks[id].Name())
		l.mf.Blocks[idx].LoopDepth = depths[id]
		l.blockOf[id] = idx
	}
	if level >= 2 {
		l.planFolds()
	}

	for _, id := range order {
		l.cur = l.blockOf[id]
		b := &f.Blocks[id]
		if b.Term.Kind == ir.TermCondBr && b.Term.CondBr.Then != b.Term.CondBr.Else && l.fusable(b.Term.CondBr.Cond, id) {
			l.fused[b.Term.CondBr.Cond] = true
		}
		if id == f.Entry {
			if err := l.lowerParams(); err != nil {
				return nil, err
			}
		}
		for i := range b.Instrs {
			if err := l.lowerInstr(&b.Instrs[i]); err != nil {
				if e, ok := diag.As(err); ok {
					return nil, e.InBlock(b.Name())
				}
				return nil, err
			}
		}
		if err := l.lowerTerm(id, b); err != nil {
			if e, ok := diag.As(err); ok {
				return nil, e.InBlock(b.Name())
			}
			return nil, err
		}
	}
	return l, nil
}

func (l *lowering) emit(ins ...Inst) {
	b := &l.mf.Blocks[l.cur]
	b.Insts = append(b.Insts, ins...)
}

func regClassOf(t ir.Type) target.RegClass {
	if t.IsFloat() {
		return target.ClassFPR
	}
	return target.ClassGPR
}

func bitsOf(t ir.Type) uint8 {
	if t.IsPtr() {
		return 64
	}
	return t.Bits
}

func (l *lowering) checkType(t ir.Type) error {
	t = l.layout.Resolve(t)
	switch t.Kind {
	case ir.TypeInt:
		switch t.Bits {
		case 1, 8, 16, 32, 64:
			return nil
		}
		return diag.Unimplemented(diag.UnsupIntWidth, "integer width %d", t.Bits)
	case ir.TypeFloat:
		switch {
		case t.Bits != 32 && t.Bits != 64:
			return diag.Unimplemented(diag.UnsupType, "float width %d", t.Bits)
		case t.Bits == 32 && !l.o.hasF:
			return diag.Unimplemented(diag.UnsupType, "f32 needs the F extension")
		case t.Bits == 64 && !l.o.hasD:
			return diag.Unimplemented(diag.UnsupType, "f64 needs the D extension")
		}
		return nil
	case ir.TypePtr:
		return nil
	}
	return diag.Unimplemented(diag.UnsupType, "value of type %s does not fit a register", t)
}

// assignVRegs gives every non-constant value a virtual register up front so
// phi copies can name values defined later in layout order.
func (l *lowering) assignVRegs() error {
	add := func(v ir.ValueID, t ir.Type) error {
		if err := l.checkType(t); err != nil {
			return err
		}
		t = l.layout.Resolve(t)
		l.vals[v] = l.mf.NewVReg(regClassOf(t), bitsOf(t))
		return nil
	}
	for _, p := range l.f.Params {
		if err := add(p.Value, p.Type); err != nil {
			return err
		}
	}
	for bi := range l.f.Blocks {
		for i := range l.f.Blocks[bi].Instrs {
			in := &l.f.Blocks[bi].Instrs[i]
			if in.Dst == ir.NoValueID || in.Kind == ir.InstrConst {
				continue
			}
			if err := add(in.Dst, in.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *lowering) instrOf(v ir.ValueID) *ir.Instr {
	ref, ok := l.defs[v]
	if !ok || ref.Block == ir.NoBlockID {
		return nil
	}
	return &l.f.Blocks[ref.Block].Instrs[ref.Index]
}

// constOf returns the wrapped value of an integer constant.
func (l *lowering) constOf(v ir.ValueID) (int64, bool) {
	in := l.instrOf(v)
	if in == nil || in.Kind != ir.InstrConst || !l.layout.Resolve(in.Type).IsInt() {
		return 0, false
	}
	return ir.Wrap(in.Type.Bits, in.Const.Int), true
}

// planFolds marks GEPs with a constant offset whose every use is a load or
// store address; their offset moves into the memory instruction.
func (l *lowering) planFolds() {
	addrUses := make(map[ir.ValueID]int)
	for bi := range l.f.Blocks {
		for i := range l.f.Blocks[bi].Instrs {
			in := &l.f.Blocks[bi].Instrs[i]
			switch in.Kind {
			case ir.InstrLoad:
				addrUses[in.Load.Addr]++
			case ir.InstrStore:
				addrUses[in.Store.Addr]++
			}
		}
	}
	for v, n := range addrUses {
		in := l.instrOf(v)
		if in == nil || in.Kind != ir.InstrGEP || n != l.uses[v] {
			continue
		}
		if off, ok := l.gepConstOffset(in); ok && fitsImm12(off) {
			l.folded[v] = true
		}
	}
}

func (l *lowering) gepConstOffset(in *ir.Instr) (int64, bool) {
	g := &in.GEP
	off := int64(0)
	if g.Field >= 0 {
		off += l.layout.FieldOffset(g.Elem, int(g.Field))
	}
	if g.Index != ir.NoValueID {
		c, ok := l.constOf(g.Index)
		if !ok {
			return 0, false
		}
		off += c * l.layout.SizeOf(g.Elem)
	}
	return off, true
}

// use returns a register holding v. Constants are materialized at each use.
func (l *lowering) use(v ir.ValueID) (Reg, error) {
	if r, ok := l.vals[v]; ok {
		return r, nil
	}
	in := l.instrOf(v)
	if in == nil || in.Kind != ir.InstrConst {
		return NoReg, diag.IRInvariant(diag.IRUnknownValue, "use of undefined value %%%d", v)
	}
	t := l.layout.Resolve(in.Type)
	if err := l.checkType(t); err != nil {
		return NoReg, err
	}
	if t.IsFloat() {
		r := l.mf.NewVReg(target.ClassFPR, t.Bits)
		l.loadFloat(r, t.Bits, in.Const.Float)
		return r, nil
	}
	c := ir.Wrap(bitsOf(t), in.Const.Int)
	if c == 0 {
		return RegZero, nil
	}
	r := l.mf.NewVReg(target.ClassGPR, bitsOf(t))
	l.emit(loadImm(r, c)...)
	return r, nil
}

func (l *lowering) loadFloat(rd Reg, bits uint8, f float64) {
	var raw int64
	op := OpFMVDX
	if bits == 32 {
		raw, op = int64(int32(math.Float32bits(float32(f)))), OpFMVWX
	} else {
		raw = int64(math.Float64bits(f))
	}
	src := RegZero
	if raw != 0 {
		src = l.mf.NewVReg(target.ClassGPR, 64)
		l.emit(loadImm(src, raw)...)
	}
	l.emit(rrr(op, rd, src, NoReg))
}

// move copies src into dst for values of type t.
func (l *lowering) move(dst, src Reg, t ir.Type) {
	t = l.layout.Resolve(t)
	switch {
	case t.IsFloat() && t.Bits == 32:
		l.emit(rrr(OpFMVS, dst, src, NoReg))
	case t.IsFloat():
		l.emit(rrr(OpFMVD, dst, src, NoReg))
	default:
		l.emit(mv(dst, src))
	}
}

// moveValue copies v into dst, materializing constants straight into dst.
func (l *lowering) moveValue(dst Reg, v ir.ValueID, t ir.Type) error {
	if c, ok := l.constOf(v); ok {
		l.emit(loadImm(dst, c)...)
		return nil
	}
	src, err := l.use(v)
	if err != nil {
		return err
	}
	l.move(dst, src, t)
	return nil
}

// normalize restores the canonical sign-extended form of a value of the
// given width held in d.
func (l *lowering) normalize(d Reg, bits uint8) {
	switch {
	case bits == 0 || bits >= 64:
	case bits == 32:
		l.emit(rri(OpADDIW, d, d, 0))
	case bits == 1:
		l.emit(rri(OpANDI, d, d, 1))
	default:
		sh := int64(64 - bits)
		l.emit(rri(OpSLLI, d, d, sh), rri(OpSRAI, d, d, sh))
	}
}

// zeroExtend writes the zero-extended pattern of a bits-wide value to d.
func (l *lowering) zeroExtend(d, x Reg, bits uint8) {
	switch bits {
	case 1:
		l.emit(mv(d, x))
	case 8:
		l.emit(rri(OpANDI, d, x, 0xff))
	default:
		sh := int64(64 - bits)
		l.emit(rri(OpSLLI, d, x, sh), rri(OpSRLI, d, d, sh))
	}
}

type argLoc struct {
	reg Reg
	t   ir.Type
}

// argLocs assigns integer arguments to a0-a7 and floats to fa0-fa7.
func (l *lowering) argLocs(types []ir.Type) ([]argLoc, error) {
	out := make([]argLoc, len(types))
	gi, fi := 0, 0
	for i, t := range types {
		t = l.layout.Resolve(t)
		if err := l.checkType(t); err != nil {
			return nil, err
		}
		if t.IsFloat() {
			if fi == 8 {
				return nil, diag.Unimplemented(diag.UnsupOperand, "more than 8 float arguments")
			}
			out[i] = argLoc{reg: RegFA0 + Reg(fi), t: t}
			fi++
			continue
		}
		if gi == 8 {
			return nil, diag.Unimplemented(diag.UnsupOperand, "more than 8 integer arguments")
		}
		out[i] = argLoc{reg: RegA0 + Reg(gi), t: t}
		gi++
	}
	return out, nil
}

func (l *lowering) lowerParams() error {
	types := make([]ir.Type, len(l.f.Params))
	for i, p := range l.f.Params {
		types[i] = p.Type
	}
	locs, err := l.argLocs(types)
	if err != nil {
		return err
	}
	for i, p := range l.f.Params {
		l.move(l.vals[p.Value], locs[i].reg, locs[i].t)
	}
	return nil
}

func (l *lowering) lowerInstr(in *ir.Instr) error {
	switch in.Kind {
	case ir.InstrConst, ir.InstrPhi:
		return nil
	case ir.InstrBinary:
		if l.fused[in.Dst] {
			return nil
		}
		t := l.layout.Resolve(l.types[in.Binary.X])
		if t.IsFloat() {
			return l.lowerFloatBinary(in, t)
		}
		return l.lowerIntBinary(in, bitsOf(t))
	case ir.InstrCast:
		return l.lowerCast(in)
	case ir.InstrLoad:
		return l.lowerLoad(in)
	case ir.InstrStore:
		return l.lowerStore(in)
	case ir.InstrAlloca:
		size := l.layout.SizeOf(in.Alloca.Elem) * max(in.Alloca.Count, 1)
		slot := l.mf.Frame.addSlot(SlotAlloca, max(size, 1), l.layout.AlignOf(in.Alloca.Elem))
		fa := newInst(OpFRAMEADDR)
		fa.Rd, fa.Slot = l.vals[in.Dst], slot
		l.emit(fa)
		return nil
	case ir.InstrGEP:
		if l.folded[in.Dst] {
			return nil
		}
		return l.lowerGEP(in)
	case ir.InstrCall:
		return l.lowerCall(in)
	case ir.InstrGlobalAddr:
		if _, ok := l.sig.Global(in.GlobalAddr.Name); !ok {
			return diag.IRInvariant(diag.IRUnknownGlobal, "unknown global %q", in.GlobalAddr.Name)
		}
		la := newInst(OpLA)
		la.Rd, la.Sym = l.vals[in.Dst], in.GlobalAddr.Name
		l.emit(la)
		return nil
	case ir.InstrCopy:
		return l.moveValue(l.vals[in.Dst], in.Copy.X, in.Type)
	}
	return diag.UnsupportedInstruction(in.Kind)
}

// w32 maps 64-bit register ops to their 32-bit W forms.
var w32 = map[Opcode]Opcode{
	OpADD: OpADDW, OpSUB: OpSUBW, OpMUL: OpMULW, OpDIV: OpDIVW, OpDIVU: OpDIVUW,
	OpREM: OpREMW, OpREMU: OpREMUW, OpSLL: OpSLLW, OpSRL: OpSRLW, OpSRA: OpSRAW,
	OpADDI: OpADDIW, OpSLLI: OpSLLIW, OpSRLI: OpSRLIW, OpSRAI: OpSRAIW,
}

func opFor(op Opcode, bits uint8) Opcode {
	if bits == 32 {
		if w, ok := w32[op]; ok {
			return w
		}
	}
	return op
}

func (l *lowering) lowerIntBinary(in *ir.Instr, bits uint8) error {
	op := in.Binary.Op
	d := l.vals[in.Dst]
	xv, yv := in.Binary.X, in.Binary.Y
	if l.level >= 2 {
		if _, xc := l.constOf(xv); xc && op.IsCommutative() {
			if _, yc := l.constOf(yv); !yc {
				xv, yv = yv, xv
			}
		}
		if c, ok := l.constOf(yv); ok {
			if _, xc := l.constOf(xv); !xc {
				done, err := l.lowerImmBinary(op, d, xv, c, bits)
				if err != nil || done {
					if done {
						l.mf.Stats.ImmediateSelected++
					}
					return err
				}
			}
		}
	}
	x, err := l.use(xv)
	if err != nil {
		return err
	}
	y, err := l.use(yv)
	if err != nil {
		return err
	}
	width := int64(max(bits, 1))

	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpMul:
		if op == ir.OpMul && !l.o.hasM {
			return diag.Unimplemented(diag.UnsupInstruction, "mul needs the M extension")
		}
		mop := map[ir.BinOp]Opcode{ir.OpAdd: OpADD, ir.OpSub: OpSUB, ir.OpMul: OpMUL}[op]
		l.emit(rrr(opFor(mop, bits), d, x, y))
		if bits != 32 {
			l.normalize(d, bits)
		}
	case ir.OpSDiv, ir.OpUDiv, ir.OpSRem, ir.OpURem:
		return l.lowerDivRem(op, d, x, y, yv, bits)
	case ir.OpAnd:
		l.emit(rrr(OpAND, d, x, y))
	case ir.OpOr:
		l.emit(rrr(OpOR, d, x, y))
	case ir.OpXor:
		l.emit(rrr(OpXOR, d, x, y))
	case ir.OpShl, ir.OpLShr, ir.OpAShr:
		if bits == 1 {
			l.emit(mv(d, x))
			return nil
		}
		if bits < 32 {
			amt := l.mf.NewVReg(target.ClassGPR, 64)
			l.emit(rri(OpANDI, amt, y, width-1))
			y = amt
			if op == ir.OpLShr {
				zx := l.mf.NewVReg(target.ClassGPR, 64)
				l.zeroExtend(zx, x, bits)
				x = zx
			}
		}
		mop := map[ir.BinOp]Opcode{ir.OpShl: OpSLL, ir.OpLShr: OpSRL, ir.OpAShr: OpSRA}[op]
		l.emit(rrr(opFor(mop, bits), d, x, y))
		if bits < 32 && op != ir.OpAShr {
			l.normalize(d, bits)
		}
	case ir.OpEq, ir.OpNe:
		t := l.mf.NewVReg(target.ClassGPR, 64)
		l.emit(rrr(OpXOR, t, x, y))
		if op == ir.OpEq {
			l.emit(rri(OpSLTIU, d, t, 1))
		} else {
			l.emit(rrr(OpSLTU, d, RegZero, t))
		}
	case ir.OpSLt, ir.OpSGt, ir.OpULt, ir.OpUGt:
		cmp := OpSLT
		if op == ir.OpULt || op == ir.OpUGt {
			cmp = OpSLTU
		}
		if op == ir.OpSGt || op == ir.OpUGt {
			x, y = y, x
		}
		l.emit(rrr(cmp, d, x, y))
	case ir.OpSLe, ir.OpSGe, ir.OpULe, ir.OpUGe:
		cmp := OpSLT
		if op == ir.OpULe || op == ir.OpUGe {
			cmp = OpSLTU
		}
		// x <= y is !(y < x); x >= y is !(x < y).
		if op == ir.OpSLe || op == ir.OpULe {
			x, y = y, x
		}
		l.emit(rrr(cmp, d, x, y), rri(OpXORI, d, d, 1))
	case ir.OpSMin, ir.OpSMax:
		l.lowerMinMax(op, d, x, y)
	default:
		return diag.Unimplemented(diag.UnsupInstruction, "integer %s", op)
	}
	return nil
}

func (l *lowering) lowerMinMax(op ir.BinOp, d, x, y Reg) {
	if l.level >= 2 && l.o.hasZbb {
		mop := OpMIN
		if op == ir.OpSMax {
			mop = OpMAX
		}
		l.emit(rrr(mop, d, x, y))
		return
	}
	// d = y ^ ((x ^ y) & -pick) where pick selects x.
	pick := l.mf.NewVReg(target.ClassGPR, 64)
	if op == ir.OpSMin {
		l.emit(rrr(OpSLT, pick, x, y))
	} else {
		l.emit(rrr(OpSLT, pick, y, x))
	}
	mask := l.mf.NewVReg(target.ClassGPR, 64)
	diff := l.mf.NewVReg(target.ClassGPR, 64)
	l.emit(
		rrr(OpSUB, mask, RegZero, pick),
		rrr(OpXOR, diff, x, y),
		rrr(OpAND, diff, diff, mask),
		rrr(OpXOR, d, y, diff),
	)
}

// lowerImmBinary selects the immediate form of op when y is the constant
// c. It reports false when no immediate form applies.
func (l *lowering) lowerImmBinary(op ir.BinOp, d Reg, xv ir.ValueID, c int64, bits uint8) (bool, error) {
	width := int64(max(bits, 1))
	var emit func(x Reg)
	switch op {
	case ir.OpAdd, ir.OpSub:
		if op == ir.OpSub {
			c = -c
		}
		if !fitsImm12(c) {
			return false, nil
		}
		emit = func(x Reg) {
			l.emit(rri(opFor(OpADDI, bits), d, x, c))
			if bits != 32 {
				l.normalize(d, bits)
			}
		}
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		if !fitsImm12(c) {
			return false, nil
		}
		iop := map[ir.BinOp]Opcode{ir.OpAnd: OpANDI, ir.OpOr: OpORI, ir.OpXor: OpXORI}[op]
		emit = func(x Reg) { l.emit(rri(iop, d, x, c)) }
	case ir.OpMul:
		k, ok := log2Exact(c)
		if !ok || bits == 1 {
			return false, nil
		}
		emit = func(x Reg) {
			l.emit(rri(opFor(OpSLLI, bits), d, x, int64(k)))
			if bits < 32 {
				l.normalize(d, bits)
			}
		}
	case ir.OpShl, ir.OpLShr, ir.OpAShr:
		if bits == 1 {
			return false, nil
		}
		amt := int64(uint64(c) % uint64(width))
		iop := map[ir.BinOp]Opcode{ir.OpShl: OpSLLI, ir.OpLShr: OpSRLI, ir.OpAShr: OpSRAI}[op]
		emit = func(x Reg) {
			if bits < 32 && op == ir.OpLShr {
				zx := l.mf.NewVReg(target.ClassGPR, 64)
				l.zeroExtend(zx, x, bits)
				x = zx
			}
			l.emit(rri(opFor(iop, bits), d, x, amt))
			if bits < 32 && op != ir.OpAShr {
				l.normalize(d, bits)
			}
		}
	case ir.OpSLt, ir.OpULt:
		if !fitsImm12(c) {
			return false, nil
		}
		iop := OpSLTI
		if op == ir.OpULt {
			iop = OpSLTIU
		}
		emit = func(x Reg) { l.emit(rri(iop, d, x, c)) }
	default:
		return false, nil
	}
	x, err := l.use(xv)
	if err != nil {
		return false, err
	}
	emit(x)
	return true, nil
}

func (l *lowering) lowerDivRem(op ir.BinOp, d, x, y Reg, yv ir.ValueID, bits uint8) error {
	if !l.o.hasM {
		return diag.Unimplemented(diag.UnsupInstruction, "%s needs the M extension", op)
	}
	if c, ok := l.constOf(yv); !ok || c == 0 || l.level < 2 {
		tz := newInst(OpTRAPZ)
		tz.Rs1 = y
		l.emit(tz)
	}
	unsigned := op == ir.OpUDiv || op == ir.OpURem
	if unsigned && bits < 32 {
		zx := l.mf.NewVReg(target.ClassGPR, 64)
		zy := l.mf.NewVReg(target.ClassGPR, 64)
		l.zeroExtend(zx, x, bits)
		l.zeroExtend(zy, y, bits)
		x, y = zx, zy
	}
	mop := map[ir.BinOp]Opcode{ir.OpSDiv: OpDIV, ir.OpUDiv: OpDIVU, ir.OpSRem: OpREM, ir.OpURem: OpREMU}[op]
	l.emit(rrr(opFor(mop, bits), d, x, y))
	if bits < 32 {
		l.normalize(d, bits)
	}
	return nil
}

func (l *lowering) lowerFloatBinary(in *ir.Instr, t ir.Type) error {
	d := l.vals[in.Dst]
	x, err := l.use(in.Binary.X)
	if err != nil {
		return err
	}
	y, err := l.use(in.Binary.Y)
	if err != nil {
		return err
	}
	single := t.Bits == 32
	pick := func(s, dd Opcode) Opcode {
		if single {
			return s
		}
		return dd
	}
	switch in.Binary.Op {
	case ir.OpAdd:
		l.emit(rrr(pick(OpFADDS, OpFADDD), d, x, y))
	case ir.OpSub:
		l.emit(rrr(pick(OpFSUBS, OpFSUBD), d, x, y))
	case ir.OpMul:
		l.emit(rrr(pick(OpFMULS, OpFMULD), d, x, y))
	case ir.OpSDiv:
		l.emit(rrr(pick(OpFDIVS, OpFDIVD), d, x, y))
	case ir.OpEq:
		l.emit(rrr(pick(OpFEQS, OpFEQD), d, x, y))
	case ir.OpNe:
		l.emit(rrr(pick(OpFEQS, OpFEQD), d, x, y), rri(OpXORI, d, d, 1))
	case ir.OpSLt:
		l.emit(rrr(pick(OpFLTS, OpFLTD), d, x, y))
	case ir.OpSLe:
		l.emit(rrr(pick(OpFLES, OpFLED), d, x, y))
	case ir.OpSGt:
		l.emit(rrr(pick(OpFLTS, OpFLTD), d, y, x))
	case ir.OpSGe:
		l.emit(rrr(pick(OpFLES, OpFLED), d, y, x))
	default:
		return diag.Unimplemented(diag.UnsupInstruction, "float %s", in.Binary.Op)
	}
	return nil
}

func (l *lowering) lowerCast(in *ir.Instr) error {
	d := l.vals[in.Dst]
	from := l.layout.Resolve(l.types[in.Cast.X])
	to := l.layout.Resolve(in.Type)
	x, err := l.use(in.Cast.X)
	if err != nil {
		return err
	}
	switch in.Cast.Op {
	case ir.CastSExt:
		if from.Bits == 1 {
			l.emit(rrr(OpSUB, d, RegZero, x))
			return nil
		}
		l.emit(mv(d, x))
	case ir.CastZExt:
		l.zeroExtend(d, x, bitsOf(from))
	case ir.CastTrunc:
		l.emit(mv(d, x))
		l.normalize(d, bitsOf(to))
	case ir.CastSIToFP:
		op := OpFCVTDL
		if to.Bits == 32 {
			op = OpFCVTSL
		}
		l.emit(rrr(op, d, x, NoReg))
	case ir.CastFPToSI:
		op := OpFCVTLD
		if from.Bits == 32 {
			op = OpFCVTLS
		}
		l.emit(rrr(op, d, x, NoReg))
		l.normalize(d, bitsOf(to))
	case ir.CastFPExt:
		l.emit(rrr(OpFCVTDS, d, x, NoReg))
	case ir.CastFPTrunc:
		l.emit(rrr(OpFCVTSD, d, x, NoReg))
	default:
		return diag.Unimplemented(diag.UnsupInstruction, "cast %s", in.Cast.Op)
	}
	return nil
}

func loadOp(t ir.Type) Opcode {
	switch {
	case t.IsFloat() && t.Bits == 32:
		return OpFLW
	case t.IsFloat():
		return OpFLD
	case t.IsPtr():
		return OpLD
	}
	switch t.Bits {
	case 1:
		return OpLBU
	case 8:
		return OpLB
	case 16:
		return OpLH
	case 32:
		return OpLW
	}
	return OpLD
}

func storeOp(t ir.Type) Opcode {
	switch {
	case t.IsFloat() && t.Bits == 32:
		return OpFSW
	case t.IsFloat():
		return OpFSD
	case t.IsPtr():
		return OpSD
	}
	switch t.Bits {
	case 1, 8:
		return OpSB
	case 16:
		return OpSH
	case 32:
		return OpSW
	}
	return OpSD
}

// address returns the base register and offset for a memory access.
func (l *lowering) address(addr ir.ValueID) (Reg, int64, error) {
	if l.folded[addr] {
		g := l.instrOf(addr)
		off, _ := l.gepConstOffset(g)
		base, err := l.use(g.GEP.Base)
		return base, off, err
	}
	base, err := l.use(addr)
	return base, 0, err
}

func (l *lowering) lowerLoad(in *ir.Instr) error {
	t := l.layout.Resolve(in.Type)
	base, off, err := l.address(in.Load.Addr)
	if err != nil {
		return err
	}
	l.emit(load(loadOp(t), l.vals[in.Dst], base, off))
	return nil
}

func (l *lowering) lowerStore(in *ir.Instr) error {
	t := l.layout.Resolve(in.Type)
	if err := l.checkType(t); err != nil {
		return err
	}
	base, off, err := l.address(in.Store.Addr)
	if err != nil {
		return err
	}
	val, err := l.use(in.Store.Value)
	if err != nil {
		return err
	}
	l.emit(store(storeOp(t), val, base, off))
	return nil
}

func (l *lowering) lowerGEP(in *ir.Instr) error {
	g := &in.GEP
	d := l.vals[in.Dst]
	base, err := l.use(g.Base)
	if err != nil {
		return err
	}
	if off, ok := l.gepConstOffset(in); ok {
		l.addImm(d, base, off)
		return nil
	}
	size := l.layout.SizeOf(g.Elem)
	idx, err := l.use(g.Index)
	if err != nil {
		return err
	}
	k, pow2 := log2Exact(size)
	switch {
	case size == 0:
		l.emit(mv(d, base))
	case pow2 && k == 0:
		l.emit(rrr(OpADD, d, base, idx))
	case pow2 && k <= 3 && l.level >= 2 && l.o.hasZba:
		op := [4]Opcode{0, OpSH1ADD, OpSH2ADD, OpSH3ADD}[k]
		l.emit(rrr(op, d, idx, base))
	case pow2:
		sc := l.mf.NewVReg(target.ClassGPR, 64)
		l.emit(rri(OpSLLI, sc, idx, int64(k)), rrr(OpADD, d, base, sc))
	default:
		if !l.o.hasM {
			return diag.Unimplemented(diag.UnsupInstruction, "element size %d needs the M extension", size)
		}
		n := l.mf.NewVReg(target.ClassGPR, 64)
		sc := l.mf.NewVReg(target.ClassGPR, 64)
		l.emit(loadImm(n, size)...)
		l.emit(rrr(OpMUL, sc, idx, n), rrr(OpADD, d, base, sc))
	}
	if g.Field >= 0 {
		if off := l.layout.FieldOffset(g.Elem, int(g.Field)); off != 0 {
			l.addImm(d, d, off)
		}
	}
	return nil
}

// addImm sets d = x + c.
func (l *lowering) addImm(d, x Reg, c int64) {
	if fitsImm12(c) {
		l.emit(rri(OpADDI, d, x, c))
		return
	}
	t := l.mf.NewVReg(target.ClassGPR, 64)
	l.emit(loadImm(t, c)...)
	l.emit(rrr(OpADD, d, x, t))
}

func (l *lowering) lowerCall(in *ir.Instr) error {
	c := &in.Call
	sigT, ok := l.sig.Signature(c.Callee)
	if !ok {
		return diag.IRInvariant(diag.IRUnknownFunction, "call to unknown function %q", c.Callee)
	}
	if len(sigT.Fields) != len(c.Args) {
		return diag.IRInvariant(diag.IRArgCountMismatch, "call to %s passes %d arguments, want %d",
			c.Callee, len(c.Args), len(sigT.Fields))
	}
	locs, err := l.argLocs(sigT.Fields)
	if err != nil {
		return err
	}
	for i, a := range c.Args {
		if err := l.moveValue(locs[i].reg, a, locs[i].t); err != nil {
			return err
		}
	}
	call := newInst(OpCALL)
	call.Sym = c.Callee
	l.emit(call)
	l.mf.Frame.HasCalls = true
	if in.Dst != ir.NoValueID {
		t := l.layout.Resolve(in.Type)
		ret := RegA0
		if t.IsFloat() {
			ret = RegFA0
		}
		l.move(l.vals[in.Dst], ret, t)
	}
	return nil
}

// edgeTarget returns the machine block a branch from pred to succ must
// jump to, splitting the edge when succ has phis and pred has several
// successors.
func (l *lowering) edgeTarget(pred, succ ir.BlockID, multi bool) (int, error) {
	sb := &l.f.Blocks[succ]
	if len(sb.Phis()) == 0 {
		return l.blockOf[succ], nil
	}
	if !multi {
		if err := l.phiCopies(pred, succ); err != nil {
			return 0, err
		}
		return l.blockOf[succ], nil
	}
	key := [2]ir.BlockID{pred, succ}
	if idx, ok := l.edges[key]; ok {
		return idx, nil
	}
	idx := l.mf.AddBlock(fmt.Sprintf("edge.%d.%d", pred, succ))
	l.mf.Blocks[idx].LoopDepth = min(l.mf.Blocks[l.blockOf[pred]].LoopDepth, l.mf.Blocks[l.blockOf[succ]].LoopDepth)
	l.edges[key] = idx
	saved := l.cur
	l.cur = idx
	err := l.phiCopies(pred, succ)
	l.emit(jump(l.blockOf[succ]))
	l.cur = saved
	return idx, err
}

// phiCopies emits the parallel copy feeding succ's phis along pred->succ.
func (l *lowering) phiCopies(pred, succ ir.BlockID) error {
	phis := l.f.Blocks[succ].Phis()
	dsts := make(map[Reg]bool, len(phis))
	for i := range phis {
		dsts[l.vals[phis[i].Dst]] = true
	}
	type copyOp struct {
		dst Reg
		v   ir.ValueID
		t   ir.Type
		src Reg
	}
	var copies []copyOp
	for i := range phis {
		p := &phis[i]
		v, ok := p.Phi.IncomingFor(pred)
		if !ok {
			return diag.IRInvariant(diag.IRBadPhi, "phi %%%d has no incoming value for %s", p.Dst, l.f.Blocks[pred].Name())
		}
		copies = append(copies, copyOp{dst: l.vals[p.Dst], v: v, t: p.Type, src: NoReg})
	}
	// Sources overwritten by an earlier copy are saved first.
	for i := range copies {
		r, ok := l.vals[copies[i].v]
		if !ok || !dsts[r] || r == copies[i].dst {
			continue
		}
		t := l.layout.Resolve(copies[i].t)
		tmp := l.mf.NewVReg(regClassOf(t), bitsOf(t))
		l.move(tmp, r, t)
		copies[i].src = tmp
	}
	for _, c := range copies {
		if c.src != NoReg {
			l.move(c.dst, c.src, c.t)
			continue
		}
		if r, ok := l.vals[c.v]; ok && r == c.dst {
			continue
		}
		if err := l.moveValue(c.dst, c.v, c.t); err != nil {
			return err
		}
	}
	return nil
}

// branchOps maps a compare to the branch taken when it holds and whether
// the operands swap.
var branchOps = map[ir.BinOp]struct {
	op   Opcode
	swap bool
}{
	ir.OpEq: {OpBEQ, false}, ir.OpNe: {OpBNE, false},
	ir.OpSLt: {OpBLT, false}, ir.OpSGe: {OpBGE, false},
	ir.OpSGt: {OpBLT, true}, ir.OpSLe: {OpBGE, true},
	ir.OpULt: {OpBLTU, false}, ir.OpUGe: {OpBGEU, false},
	ir.OpUGt: {OpBLTU, true}, ir.OpULe: {OpBGEU, true},
}

// fusable reports whether cond is an integer compare in block id used only
// by the block's branch.
func (l *lowering) fusable(cond ir.ValueID, id ir.BlockID) bool {
	if l.level < 2 || l.uses[cond] != 1 {
		return false
	}
	ref, ok := l.defs[cond]
	if !ok || ref.Block != id {
		return false
	}
	in := &l.f.Blocks[id].Instrs[ref.Index]
	if in.Kind != ir.InstrBinary {
		return false
	}
	if _, ok := branchOps[in.Binary.Op]; !ok {
		return false
	}
	return !l.layout.Resolve(l.types[in.Binary.X]).IsFloat()
}

func (l *lowering) lowerTerm(id ir.BlockID, b *ir.Block) error {
	t := &b.Term
	switch t.Kind {
	case ir.TermReturn:
		if t.Return.HasValue {
			rt := l.layout.Resolve(l.f.Result)
			if err := l.checkType(rt); err != nil {
				return err
			}
			dst := RegA0
			if rt.IsFloat() {
				dst = RegFA0
			}
			if err := l.moveValue(dst, t.Return.Value, rt); err != nil {
				return err
			}
		}
		l.emit(newInst(OpRET))
	case ir.TermBr:
		to, err := l.edgeTarget(id, t.Br.Target, false)
		if err != nil {
			return err
		}
		l.emit(jump(to))
	case ir.TermCondBr:
		c := t.CondBr
		if c.Then == c.Else {
			to, err := l.edgeTarget(id, c.Then, false)
			if err != nil {
				return err
			}
			l.emit(jump(to))
			return nil
		}
		then, err := l.edgeTarget(id, c.Then, true)
		if err != nil {
			return err
		}
		els, err := l.edgeTarget(id, c.Else, true)
		if err != nil {
			return err
		}
		if l.fused[c.Cond] {
			cmp := l.instrOf(c.Cond)
			x, err := l.use(cmp.Binary.X)
			if err != nil {
				return err
			}
			y, err := l.use(cmp.Binary.Y)
			if err != nil {
				return err
			}
			bo := branchOps[cmp.Binary.Op]
			if bo.swap {
				x, y = y, x
			}
			l.emit(branch(bo.op, x, y, then), jump(els))
			l.mf.Stats.FusedBranches++
			return nil
		}
		cond, err := l.use(c.Cond)
		if err != nil {
			return err
		}
		l.emit(branch(OpBNE, cond, RegZero, then), jump(els))
	case ir.TermSwitch:
		s := t.Switch
		if len(ir.UniqueSuccs(b)) == 1 {
			to, err := l.edgeTarget(id, s.Default, false)
			if err != nil {
				return err
			}
			l.emit(jump(to))
			return nil
		}
		v, err := l.use(s.Value)
		if err != nil {
			return err
		}
		bits := bitsOf(l.layout.Resolve(l.types[s.Value]))
		const multi = true
		// Case values are materialized before the compare chain so the
		// branches form the block's trailing group.
		keys := make([]Reg, len(s.Cases))
		for i, cs := range s.Cases {
			keys[i] = RegZero
			if cv := ir.Wrap(bits, cs.Value); cv != 0 {
				keys[i] = l.mf.NewVReg(target.ClassGPR, 64)
				l.emit(loadImm(keys[i], cv)...)
			}
		}
		for i, cs := range s.Cases {
			to, err := l.edgeTarget(id, cs.Target, multi)
			if err != nil {
				return err
			}
			l.emit(branch(OpBEQ, v, keys[i], to))
		}
		def, err := l.edgeTarget(id, s.Default, multi)
		if err != nil {
			return err
		}
		l.emit(jump(def))
	case ir.TermUnreachable:
		l.emit(newInst(OpEBREAK))
	default:
		return diag.IRInvariant(diag.IRMissingTerminator, "block %s has no terminator", b.Name())
	}
	return nil
}
