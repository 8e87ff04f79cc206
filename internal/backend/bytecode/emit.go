package bytecode

import (
	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
)

// funcIndex numbers call targets: imports in module order, then
// definitions in module order.
func funcIndex(sh *backend.Shared) map[string]int32 {
	idx := make(map[string]int32, len(sh.Funcs()))
	n := int32(0)
	for _, defined := range []bool{false, true} {
		for _, d := range sh.Funcs() {
			if d.Defined == defined {
				idx[d.Name] = n
				n++
			}
		}
	}
	return idx
}

func signature(l ir.Layout, params []ir.Type, result ir.Type) (Sig, error) {
	s := Sig{Params: make([]TypeCode, len(params))}
	for i, p := range params {
		tc, ok := typeCode(l, p)
		if !ok || tc == TypeVoid {
			return Sig{}, diag.Unimplemented(diag.UnsupType, "parameter of type %s", p)
		}
		s.Params[i] = tc
	}
	tc, ok := typeCode(l, result)
	if !ok {
		return Sig{}, diag.Unimplemented(diag.UnsupType, "result of type %s", result)
	}
	s.Result = tc
	return s, nil
}

// fixup patches a branch operand once block start addresses are known.
type fixup struct {
	pc    int
	slot  int // 0: A, 1: B, 2: C, 3+: Args[slot-3]
	block ir.BlockID
	stub  int // index into stubs when >= 0
}

// edgeStub carries phi moves for one edge whose source block ends in a
// multi-way branch.
type edgeStub struct {
	pred, succ ir.BlockID
}

type funcEmitter struct {
	sh     *backend.Shared
	layout ir.Layout
	f      *ir.Func
	funcs  map[string]int32
	types  map[ir.ValueID]ir.Type
	regs   map[ir.ValueID]int32
	nregs  int32
	code   []Inst
	start  map[ir.BlockID]int
	fixups []fixup
	stubs  []edgeStub
}

func newFuncEmitter(sh *backend.Shared, f *ir.Func) *funcEmitter {
	return &funcEmitter{
		sh:     sh,
		layout: sh.Layout(),
		f:      f,
		funcs:  funcIndex(sh),
		types:  f.ValueTypes(),
		regs:   make(map[ir.ValueID]int32),
		start:  make(map[ir.BlockID]int, len(f.Blocks)),
	}
}

func (fe *funcEmitter) newReg() int32 {
	r := fe.nregs
	fe.nregs++
	return r
}

func (fe *funcEmitter) def(id ir.ValueID) int32 {
	if r, ok := fe.regs[id]; ok {
		return r
	}
	r := fe.newReg()
	fe.regs[id] = r
	return r
}

func (fe *funcEmitter) use(id ir.ValueID) (int32, error) {
	r, ok := fe.regs[id]
	if !ok {
		return NoReg, diag.IRInvariant(diag.IRUnknownValue, "use of undefined value %%%d", id)
	}
	return r, nil
}

func (fe *funcEmitter) typeOf(t ir.Type) (TypeCode, error) {
	tc, ok := typeCode(fe.layout, t)
	if !ok {
		return 0, diag.Unimplemented(diag.UnsupType, "value of type %s", t)
	}
	return tc, nil
}

func (fe *funcEmitter) emit(in Inst) int {
	fe.code = append(fe.code, in)
	return len(fe.code) - 1
}

func diagAt(err error, f *ir.Func, b *ir.Block) error {
	e, ok := diag.As(err)
	if !ok {
		return err
	}
	e = e.InFunc(f.Name)
	if b != nil {
		e = e.InBlock(b.Name())
	}
	return e
}

func (fe *funcEmitter) emitFunction() (*Func, error) {
	sig, err := signature(fe.layout, paramTypes(fe.f), fe.f.Result)
	if err != nil {
		return nil, diagAt(err, fe.f, nil)
	}
	for _, p := range fe.f.Params {
		fe.def(p.Value)
	}
	// Every block's defs get registers up front so uses across blocks
	// resolve regardless of layout order.
	for bi := range fe.f.Blocks {
		for _, in := range fe.f.Blocks[bi].Instrs {
			if in.Dst != ir.NoValueID {
				fe.def(in.Dst)
			}
		}
	}

	order := make([]ir.BlockID, 0, len(fe.f.Blocks))
	order = append(order, fe.f.Entry)
	for i := range fe.f.Blocks {
		if ir.BlockID(i) != fe.f.Entry {
			order = append(order, ir.BlockID(i))
		}
	}
	for _, id := range order {
		if int(id) < 0 || int(id) >= len(fe.f.Blocks) {
			return nil, diag.IRInvariant(diag.IRUnknownBlock, "entry block %d out of range", id).InFunc(fe.f.Name)
		}
		bb := &fe.f.Blocks[id]
		fe.start[id] = len(fe.code)
		for i := range bb.Instrs {
			in := &bb.Instrs[i]
			if in.Kind == ir.InstrPhi {
				continue
			}
			if err := fe.emitInstr(in); err != nil {
				return nil, diagAt(err, fe.f, bb)
			}
		}
		if err := fe.emitTerm(bb); err != nil {
			return nil, diagAt(err, fe.f, bb)
		}
	}

	stubStart := make([]int, len(fe.stubs))
	for i, s := range fe.stubs {
		stubStart[i] = len(fe.code)
		if err := fe.phiMoves(s.pred, s.succ); err != nil {
			return nil, diagAt(err, fe.f, &fe.f.Blocks[s.pred])
		}
		fe.fixups = append(fe.fixups, fixup{pc: fe.emit(Inst{Op: OpJmp, Dst: NoReg, B: NoReg, C: NoReg}), block: s.succ, stub: -1})
	}
	for _, fx := range fe.fixups {
		target, ok := fe.start[fx.block]
		if fx.stub >= 0 {
			target, ok = stubStart[fx.stub], true
		}
		if !ok {
			return nil, diag.IRInvariant(diag.IRUnknownBlock, "branch to unknown block %d", fx.block).InFunc(fe.f.Name)
		}
		in := &fe.code[fx.pc]
		t := int32(target)
		switch fx.slot {
		case 0:
			in.A = t
		case 1:
			in.B = t
		case 2:
			in.C = t
		default:
			in.Args[fx.slot-3] = t
		}
	}
	return &Func{
		Name:     backend.SymbolName(fe.f.Name),
		Exported: fe.f.Exported,
		Sig:      sig,
		NRegs:    fe.nregs,
		Code:     fe.code,
	}, nil
}

// memType moves pointers through memory as integers of the layout's
// pointer width.
func (fe *funcEmitter) memType(t TypeCode) TypeCode {
	if t.IsPtr() {
		return TypeCode(fe.layout.PtrSize * 8)
	}
	return t
}

func paramTypes(f *ir.Func) []ir.Type {
	ts := make([]ir.Type, len(f.Params))
	for i, p := range f.Params {
		ts[i] = p.Type
	}
	return ts
}

func (fe *funcEmitter) emitInstr(in *ir.Instr) error {
	out := Inst{Op: OpMove, Dst: NoReg, A: NoReg, B: NoReg, C: NoReg}
	if in.Dst != ir.NoValueID {
		out.Dst = fe.regs[in.Dst]
	}
	if !in.Type.IsVoid() && in.Kind != ir.InstrAlloca && in.Kind != ir.InstrGEP && in.Kind != ir.InstrGlobalAddr {
		tc, err := fe.typeOf(in.Type)
		if err != nil {
			return err
		}
		out.Type = tc
	}
	var err error
	switch in.Kind {
	case ir.InstrConst:
		out.Op = OpConst
		if out.Type.IsFloat() {
			out.Imm = floatBits(out.Type, in.Const.Float)
		} else {
			out.Imm = ir.Wrap(out.Type.Bits(), in.Const.Int)
		}
	case ir.InstrBinary:
		out.Op = BinaryOp(in.Binary.Op)
		// Binary ops carry the operand type so compares know their width.
		if out.Type, err = fe.typeOf(fe.types[in.Binary.X]); err != nil {
			return err
		}
		if out.A, err = fe.use(in.Binary.X); err == nil {
			out.B, err = fe.use(in.Binary.Y)
		}
	case ir.InstrCast:
		out.Op = CastOpcode(in.Cast.Op)
		if out.From, err = fe.typeOf(fe.types[in.Cast.X]); err != nil {
			return err
		}
		out.A, err = fe.use(in.Cast.X)
	case ir.InstrLoad:
		out.Op = OpLoad
		out.Type = fe.memType(out.Type)
		out.A, err = fe.use(in.Load.Addr)
	case ir.InstrStore:
		out.Op = OpStore
		out.Type = fe.memType(out.Type)
		if out.A, err = fe.use(in.Store.Addr); err == nil {
			out.B, err = fe.use(in.Store.Value)
		}
	case ir.InstrAlloca:
		out.Op = OpAlloca
		out.Type = TypePtr
		out.Imm = fe.layout.SizeOf(in.Alloca.Elem) * max(in.Alloca.Count, 1)
	case ir.InstrGEP:
		out.Op = OpGEP
		out.Type = TypePtr
		out.Imm = fe.layout.SizeOf(in.GEP.Elem)
		if in.GEP.Field >= 0 {
			out.Imm2 = fe.layout.FieldOffset(in.GEP.Elem, int(in.GEP.Field))
		}
		if out.A, err = fe.use(in.GEP.Base); err == nil && in.GEP.Index != ir.NoValueID {
			out.B, err = fe.use(in.GEP.Index)
		}
	case ir.InstrGlobalAddr:
		off, ok := fe.sh.DataOffset(in.GlobalAddr.Name)
		if !ok {
			return diag.IRInvariant(diag.IRUnknownGlobal, "unknown global %s", in.GlobalAddr.Name)
		}
		out.Op = OpGlobal
		out.Type = TypePtr
		out.Imm = off
	case ir.InstrCall:
		idx, ok := fe.funcs[in.Call.Callee]
		if !ok {
			return diag.IRInvariant(diag.IRUnknownFunction, "call to undeclared function %s", in.Call.Callee)
		}
		d, _ := fe.sh.Func(in.Call.Callee)
		if len(d.Params) != len(in.Call.Args) {
			return diag.IRInvariant(diag.IRArgCountMismatch, "%s takes %d arguments, got %d",
				in.Call.Callee, len(d.Params), len(in.Call.Args))
		}
		out.Op = OpCall
		out.A = idx
		out.Args = make([]int32, len(in.Call.Args))
		for i, a := range in.Call.Args {
			if out.Args[i], err = fe.use(a); err != nil {
				return err
			}
		}
	case ir.InstrCopy:
		out.A, err = fe.use(in.Copy.X)
	default:
		return diag.UnsupportedInstruction(in.Kind)
	}
	if err != nil {
		return err
	}
	fe.emit(out)
	return nil
}

// phiMoves copies the values flowing along pred -> succ into succ's phis
// through fresh temporaries, so phis that read each other see the values
// from before the edge.
func (fe *funcEmitter) phiMoves(pred, succ ir.BlockID) error {
	type move struct {
		dst, tmp int32
		t        TypeCode
	}
	var moves []move
	for _, phi := range fe.f.Blocks[succ].Phis() {
		v, ok := phi.Phi.IncomingFor(pred)
		if !ok {
			return diag.IRInvariant(diag.IRBadPhi, "phi %%%d has no incoming value for block %d", phi.Dst, pred)
		}
		src, err := fe.use(v)
		if err != nil {
			return err
		}
		tc, err := fe.typeOf(phi.Type)
		if err != nil {
			return err
		}
		tmp := fe.newReg()
		fe.emit(Inst{Op: OpMove, Type: tc, Dst: tmp, A: src, B: NoReg, C: NoReg})
		moves = append(moves, move{dst: fe.regs[phi.Dst], tmp: tmp, t: tc})
	}
	for _, m := range moves {
		fe.emit(Inst{Op: OpMove, Type: m.t, Dst: m.dst, A: m.tmp, B: NoReg, C: NoReg})
	}
	return nil
}

func (fe *funcEmitter) hasPhis(id ir.BlockID) bool {
	return int(id) >= 0 && int(id) < len(fe.f.Blocks) && len(fe.f.Blocks[id].Phis()) > 0
}

// target records a branch operand, routing through a move stub when the
// successor has phis.
func (fe *funcEmitter) target(pc, slot int, pred, succ ir.BlockID) {
	fx := fixup{pc: pc, slot: slot, block: succ, stub: -1}
	if fe.hasPhis(succ) {
		fx.stub = len(fe.stubs)
		fe.stubs = append(fe.stubs, edgeStub{pred: pred, succ: succ})
	}
	fe.fixups = append(fe.fixups, fx)
}

func (fe *funcEmitter) emitTerm(bb *ir.Block) error {
	t := &bb.Term
	blank := Inst{Dst: NoReg, A: NoReg, B: NoReg, C: NoReg}
	switch t.Kind {
	case ir.TermReturn:
		in := blank
		in.Op = OpRet
		if t.Return.HasValue {
			r, err := fe.use(t.Return.Value)
			if err != nil {
				return err
			}
			in.A = r
		}
		fe.emit(in)
	case ir.TermBr:
		if fe.hasPhis(t.Br.Target) {
			if err := fe.phiMoves(bb.ID, t.Br.Target); err != nil {
				return err
			}
		}
		in := blank
		in.Op = OpJmp
		fe.fixups = append(fe.fixups, fixup{pc: fe.emit(in), block: t.Br.Target, stub: -1})
	case ir.TermCondBr:
		cond, err := fe.use(t.CondBr.Cond)
		if err != nil {
			return err
		}
		in := blank
		in.Op = OpBr
		in.A = cond
		pc := fe.emit(in)
		fe.target(pc, 1, bb.ID, t.CondBr.Then)
		fe.target(pc, 2, bb.ID, t.CondBr.Else)
	case ir.TermSwitch:
		v, err := fe.use(t.Switch.Value)
		if err != nil {
			return err
		}
		vt, err := fe.typeOf(fe.types[t.Switch.Value])
		if err != nil {
			return err
		}
		in := blank
		in.Op = OpSwitch
		in.Type = vt
		in.A = v
		in.Cases = make([]int64, len(t.Switch.Cases))
		in.Args = make([]int32, len(t.Switch.Cases))
		for i, c := range t.Switch.Cases {
			in.Cases[i] = ir.Wrap(vt.Bits(), c.Value)
		}
		pc := fe.emit(in)
		fe.target(pc, 1, bb.ID, t.Switch.Default)
		for i, c := range t.Switch.Cases {
			fe.target(pc, 3+i, bb.ID, c.Target)
		}
	case ir.TermUnreachable:
		in := blank
		in.Op = OpTrap
		fe.emit(in)
	default:
		return diag.IRInvariant(diag.IRMissingTerminator, "block has no terminator")
	}
	return nil
}
