package llvm

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/backend"
	"kiln/internal/diag"
	kir "kiln/internal/ir"
)

// Emitter builds one LLVM module whose globals and callees are
// declarations. Only the defined function's text survives into the fragment.
type Emitter struct {
	sh      *backend.Shared
	mod     *ir.Module
	globals map[string]*ir.Global
	funcs   map[string]*ir.Func
	trap    *ir.Func
}

type funcEmitter struct {
	emitter *Emitter
	f       *kir.Func
	fn      *ir.Func
	types   map[kir.ValueID]kir.Type
	values  map[kir.ValueID]value.Value
	blocks  []*ir.Block
	// exits maps an IR block to the LLVM block its terminator lands in;
	// trap checks split blocks, so phis must name the tail.
	exits []*ir.Block
	phis  []pendingPhi
	cur   *ir.Block
	insts int
}

type pendingPhi struct {
	phi *ir.InstPhi
	in  *kir.Instr
}

func newEmitter(sh *backend.Shared) *Emitter {
	return &Emitter{
		sh:      sh,
		mod:     ir.NewModule(),
		globals: make(map[string]*ir.Global),
		funcs:   make(map[string]*ir.Func),
	}
}

func (e *Emitter) global(name string) (*ir.Global, error) {
	if g, ok := e.globals[name]; ok {
		return g, nil
	}
	g, ok := e.sh.Global(name)
	if !ok {
		return nil, diag.IRInvariant(diag.IRUnknownGlobal, "unknown global %s", name)
	}
	init, err := globalInit(e.sh, g)
	if err != nil {
		return nil, err
	}
	decl := e.mod.NewGlobal(backend.SymbolName(name), init.Type())
	e.globals[name] = decl
	return decl, nil
}

// declare returns the LLVM function for a module function, creating a
// declaration on first use.
func (e *Emitter) declare(name string) (*ir.Func, error) {
	if fn, ok := e.funcs[name]; ok {
		return fn, nil
	}
	d, ok := e.sh.Func(name)
	if !ok {
		return nil, diag.IRInvariant(diag.IRUnknownFunction, "call to undeclared function %s", name)
	}
	layout := e.sh.Layout()
	ret, err := llvmType(layout, d.Result)
	if err != nil {
		return nil, err
	}
	params := make([]*ir.Param, 0, len(d.Params))
	for _, p := range d.Params {
		pt, err := llvmType(layout, p)
		if err != nil {
			return nil, err
		}
		params = append(params, ir.NewParam("", pt))
	}
	fn := e.mod.NewFunc(backend.SymbolName(name), ret, params...)
	e.funcs[name] = fn
	return fn, nil
}

func (e *Emitter) trapFunc() *ir.Func {
	if e.trap == nil {
		e.trap = e.mod.NewFunc("llvm.trap", types.Void)
	}
	return e.trap
}

func (e *Emitter) emitFunction(f *kir.Func) (*ir.Func, int, error) {
	layout := e.sh.Layout()
	ret, err := llvmType(layout, f.Result)
	if err != nil {
		return nil, 0, diagIn(err, f.Name)
	}
	params := make([]*ir.Param, 0, len(f.Params))
	seen := make(map[string]bool, len(f.Params))
	for _, p := range f.Params {
		pt, err := llvmType(layout, p.Type)
		if err != nil {
			return nil, 0, diagIn(err, f.Name)
		}
		name := p.Name
		if seen[name] {
			name = ""
		}
		seen[name] = true
		params = append(params, ir.NewParam(name, pt))
	}
	fn := e.mod.NewFunc(backend.SymbolName(f.Name), ret, params...)
	if !f.Exported && f.Name != "main" {
		fn.Linkage = enum.LinkageInternal
	}
	e.funcs[f.Name] = fn

	fe := &funcEmitter{
		emitter: e,
		f:       f,
		fn:      fn,
		types:   f.ValueTypes(),
		values:  make(map[kir.ValueID]value.Value),
		blocks:  make([]*ir.Block, len(f.Blocks)),
		exits:   make([]*ir.Block, len(f.Blocks)),
	}
	for i, p := range f.Params {
		fe.values[p.Value] = params[i]
	}
	for _, id := range fe.blockOrder() {
		fe.blocks[id] = fn.NewBlock(f.Blocks[id].Name())
	}
	for _, id := range fe.blockOrder() {
		bb := &f.Blocks[id]
		fe.cur = fe.blocks[id]
		for i := range bb.Instrs {
			if err := fe.emitInstr(&bb.Instrs[i]); err != nil {
				return nil, 0, diagIn(err, f.Name, bb.Name())
			}
		}
		if err := fe.emitTerminator(&bb.Term); err != nil {
			return nil, 0, diagIn(err, f.Name, bb.Name())
		}
		fe.exits[id] = fe.cur
	}
	if err := fe.fillPhis(); err != nil {
		return nil, 0, diagIn(err, f.Name)
	}
	return fn, fe.insts, nil
}

func diagIn(err error, fn string, block ...string) error {
	e, ok := diag.As(err)
	if !ok {
		return err
	}
	e = e.InFunc(fn)
	if len(block) > 0 {
		e = e.InBlock(block[0])
	}
	return e
}

// blockOrder puts the entry block first; LLVM requires it.
func (fe *funcEmitter) blockOrder() []kir.BlockID {
	order := make([]kir.BlockID, 0, len(fe.f.Blocks))
	order = append(order, fe.f.Entry)
	for i := range fe.f.Blocks {
		if id := kir.BlockID(i); id != fe.f.Entry {
			order = append(order, id)
		}
	}
	return order
}

func (fe *funcEmitter) value(id kir.ValueID) (value.Value, error) {
	v, ok := fe.values[id]
	if !ok {
		return nil, diag.IRInvariant(diag.IRUnknownValue, "use of undefined value %%%d", id)
	}
	return v, nil
}

func (fe *funcEmitter) typeOf(t kir.Type) (types.Type, error) {
	return llvmType(fe.emitter.sh.Layout(), t)
}

func (fe *funcEmitter) block(id kir.BlockID) (*ir.Block, error) {
	if id < 0 || int(id) >= len(fe.blocks) {
		return nil, diag.IRInvariant(diag.IRUnknownBlock, "branch to unknown block %d", id)
	}
	return fe.blocks[id], nil
}

// asPtr bitcasts the generic pointer v to a pointer to elem.
func (fe *funcEmitter) asPtr(v value.Value, elem types.Type) value.Value {
	fe.insts++
	return fe.cur.NewBitCast(v, types.NewPointer(elem))
}

// asInt turns pointer operands into i64 for integer arithmetic.
func (fe *funcEmitter) asInt(v value.Value) value.Value {
	if _, ok := v.Type().(*types.PointerType); ok {
		fe.insts++
		return fe.cur.NewPtrToInt(v, types.I64)
	}
	return v
}

func (fe *funcEmitter) emitInstr(in *kir.Instr) error {
	switch in.Kind {
	case kir.InstrConst:
		t, err := fe.typeOf(in.Type)
		if err != nil {
			return err
		}
		switch tt := t.(type) {
		case *types.IntType:
			fe.values[in.Dst] = constant.NewInt(tt, kir.Wrap(in.Type.Bits, in.Const.Int))
		case *types.FloatType:
			f := in.Const.Float
			if tt.Kind == types.FloatKindFloat {
				f = float64(float32(f))
			}
			fe.values[in.Dst] = constant.NewFloat(tt, f)
		case *types.PointerType:
			if in.Const.Int == 0 {
				fe.values[in.Dst] = constant.NewNull(tt)
			} else {
				fe.values[in.Dst] = constant.NewIntToPtr(constant.NewInt(types.I64, in.Const.Int), tt)
			}
		default:
			return diag.Unimplemented(diag.UnsupType, "constant of type %s", in.Type)
		}
	case kir.InstrBinary:
		return fe.emitBinary(in)
	case kir.InstrCast:
		return fe.emitCast(in)
	case kir.InstrLoad:
		addr, err := fe.value(in.Load.Addr)
		if err != nil {
			return err
		}
		t, err := fe.typeOf(in.Type)
		if err != nil {
			return err
		}
		fe.insts++
		fe.values[in.Dst] = fe.cur.NewLoad(t, fe.asPtr(addr, t))
	case kir.InstrStore:
		addr, err := fe.value(in.Store.Addr)
		if err != nil {
			return err
		}
		v, err := fe.value(in.Store.Value)
		if err != nil {
			return err
		}
		fe.insts++
		fe.cur.NewStore(v, fe.asPtr(addr, v.Type()))
	case kir.InstrAlloca:
		elem, err := fe.typeOf(in.Alloca.Elem)
		if err != nil {
			return err
		}
		a := fe.cur.NewAlloca(elem)
		if in.Alloca.Count > 1 {
			a.NElems = constant.NewInt(types.I64, in.Alloca.Count)
		}
		fe.insts += 2
		fe.values[in.Dst] = fe.cur.NewBitCast(a, ptrType)
	case kir.InstrGEP:
		return fe.emitGEP(in)
	case kir.InstrCall:
		return fe.emitCall(in)
	case kir.InstrPhi:
		t, err := fe.typeOf(in.Type)
		if err != nil {
			return err
		}
		// Incoming values may come from blocks not emitted yet; undef
		// placeholders are replaced once the whole body exists.
		phi := fe.cur.NewPhi(ir.NewIncoming(constant.NewUndef(t), fe.cur))
		fe.phis = append(fe.phis, pendingPhi{phi: phi, in: in})
		fe.values[in.Dst] = phi
		fe.insts++
	case kir.InstrGlobalAddr:
		g, err := fe.emitter.global(in.GlobalAddr.Name)
		if err != nil {
			return err
		}
		fe.insts++
		fe.values[in.Dst] = fe.cur.NewBitCast(g, ptrType)
	case kir.InstrCopy:
		v, err := fe.value(in.Copy.X)
		if err != nil {
			return err
		}
		fe.values[in.Dst] = v
	default:
		return diag.UnsupportedInstruction(in.Kind)
	}
	return nil
}

var intPreds = map[kir.BinOp]enum.IPred{
	kir.OpEq: enum.IPredEQ, kir.OpNe: enum.IPredNE,
	kir.OpSLt: enum.IPredSLT, kir.OpSLe: enum.IPredSLE, kir.OpSGt: enum.IPredSGT, kir.OpSGe: enum.IPredSGE,
	kir.OpULt: enum.IPredULT, kir.OpULe: enum.IPredULE, kir.OpUGt: enum.IPredUGT, kir.OpUGe: enum.IPredUGE,
}

var floatPreds = map[kir.BinOp]enum.FPred{
	kir.OpEq: enum.FPredOEQ, kir.OpNe: enum.FPredUNE,
	kir.OpSLt: enum.FPredOLT, kir.OpSLe: enum.FPredOLE, kir.OpSGt: enum.FPredOGT, kir.OpSGe: enum.FPredOGE,
}

func (fe *funcEmitter) emitBinary(in *kir.Instr) error {
	x, err := fe.value(in.Binary.X)
	if err != nil {
		return err
	}
	y, err := fe.value(in.Binary.Y)
	if err != nil {
		return err
	}
	op := in.Binary.Op
	opType := fe.types[in.Binary.X]
	b := fe.cur
	fe.insts++
	if opType.IsFloat() {
		if pred, ok := floatPreds[op]; ok {
			fe.values[in.Dst] = b.NewFCmp(pred, x, y)
			return nil
		}
		var v value.Value
		switch op {
		case kir.OpAdd:
			v = b.NewFAdd(x, y)
		case kir.OpSub:
			v = b.NewFSub(x, y)
		case kir.OpMul:
			v = b.NewFMul(x, y)
		case kir.OpSDiv:
			v = b.NewFDiv(x, y)
		case kir.OpSMin:
			v = b.NewSelect(b.NewFCmp(enum.FPredOLT, x, y), x, y)
		case kir.OpSMax:
			v = b.NewSelect(b.NewFCmp(enum.FPredOGT, x, y), x, y)
		default:
			return diag.Unimplemented(diag.UnsupOperand, "float %s", op)
		}
		fe.values[in.Dst] = v
		return nil
	}

	if pred, ok := intPreds[op]; ok {
		fe.values[in.Dst] = b.NewICmp(pred, fe.asInt(x), fe.asInt(y))
		return nil
	}
	isPtr := opType.IsPtr()
	x, y = fe.asInt(x), fe.asInt(y)
	if op.IsDivRem() {
		fe.trapIfZero(y)
		b = fe.cur
	}
	var v value.Value
	switch op {
	case kir.OpAdd:
		v = b.NewAdd(x, y)
	case kir.OpSub:
		v = b.NewSub(x, y)
	case kir.OpMul:
		v = b.NewMul(x, y)
	case kir.OpSDiv:
		v = b.NewSDiv(x, y)
	case kir.OpUDiv:
		v = b.NewUDiv(x, y)
	case kir.OpSRem:
		v = b.NewSRem(x, y)
	case kir.OpURem:
		v = b.NewURem(x, y)
	case kir.OpAnd:
		v = b.NewAnd(x, y)
	case kir.OpOr:
		v = b.NewOr(x, y)
	case kir.OpXor:
		v = b.NewXor(x, y)
	case kir.OpShl, kir.OpLShr, kir.OpAShr:
		// Shift amounts are taken modulo the width.
		it, _ := x.Type().(*types.IntType)
		if it != nil {
			y = b.NewAnd(y, constant.NewInt(it, int64(it.BitSize-1)))
			fe.insts++
		}
		switch op {
		case kir.OpShl:
			v = b.NewShl(x, y)
		case kir.OpLShr:
			v = b.NewLShr(x, y)
		default:
			v = b.NewAShr(x, y)
		}
	case kir.OpSMin:
		v = b.NewSelect(b.NewICmp(enum.IPredSLT, x, y), x, y)
	case kir.OpSMax:
		v = b.NewSelect(b.NewICmp(enum.IPredSGT, x, y), x, y)
	default:
		return diag.Unimplemented(diag.UnsupOperand, "integer %s", op)
	}
	if isPtr {
		v = b.NewIntToPtr(v, ptrType)
	}
	fe.values[in.Dst] = v
	return nil
}

// trapIfZero splits the current block on a zero divisor check.
func (fe *funcEmitter) trapIfZero(y value.Value) {
	it, ok := y.Type().(*types.IntType)
	if !ok {
		return
	}
	if c, ok := y.(*constant.Int); ok && c.X.Sign() != 0 {
		return
	}
	trap := fe.fn.NewBlock("")
	cont := fe.fn.NewBlock("")
	isZero := fe.cur.NewICmp(enum.IPredEQ, y, constant.NewInt(it, 0))
	fe.cur.NewCondBr(isZero, trap, cont)
	trap.NewCall(fe.emitter.trapFunc())
	trap.NewUnreachable()
	fe.insts += 4
	fe.cur = cont
}

func (fe *funcEmitter) emitCast(in *kir.Instr) error {
	x, err := fe.value(in.Cast.X)
	if err != nil {
		return err
	}
	to, err := fe.typeOf(in.Type)
	if err != nil {
		return err
	}
	b := fe.cur
	fe.insts++
	switch in.Cast.Op {
	case kir.CastSExt:
		fe.values[in.Dst] = b.NewSExt(x, to)
	case kir.CastZExt:
		fe.values[in.Dst] = b.NewZExt(x, to)
	case kir.CastTrunc:
		fe.values[in.Dst] = b.NewTrunc(x, to)
	case kir.CastSIToFP:
		fe.values[in.Dst] = b.NewSIToFP(x, to)
	case kir.CastFPToSI:
		fe.values[in.Dst] = b.NewFPToSI(x, to)
	case kir.CastFPExt:
		fe.values[in.Dst] = b.NewFPExt(x, to)
	case kir.CastFPTrunc:
		fe.values[in.Dst] = b.NewFPTrunc(x, to)
	default:
		return diag.Unimplemented(diag.UnsupOperand, "cast %s", in.Cast.Op)
	}
	return nil
}

func (fe *funcEmitter) emitGEP(in *kir.Instr) error {
	base, err := fe.value(in.GEP.Base)
	if err != nil {
		return err
	}
	elem, err := fe.typeOf(in.GEP.Elem)
	if err != nil {
		return err
	}
	var index value.Value = constant.NewInt(types.I64, 0)
	if in.GEP.Index != kir.NoValueID {
		if index, err = fe.value(in.GEP.Index); err != nil {
			return err
		}
	}
	indices := []value.Value{index}
	if in.GEP.Field >= 0 {
		if _, ok := elem.(*types.StructType); !ok {
			return diag.IRInvariant(diag.IRTypeMismatch, "field access on non-struct %s", in.GEP.Elem)
		}
		indices = append(indices, constant.NewInt(types.I32, int64(in.GEP.Field)))
	}
	p := fe.cur.NewGetElementPtr(elem, fe.asPtr(base, elem), indices...)
	fe.insts += 2
	fe.values[in.Dst] = fe.cur.NewBitCast(p, ptrType)
	return nil
}

func (fe *funcEmitter) emitCall(in *kir.Instr) error {
	callee, err := fe.emitter.declare(in.Call.Callee)
	if err != nil {
		return err
	}
	if len(callee.Params) != len(in.Call.Args) {
		return diag.IRInvariant(diag.IRArgCountMismatch, "%s takes %d arguments, got %d",
			in.Call.Callee, len(callee.Params), len(in.Call.Args))
	}
	args := make([]value.Value, 0, len(in.Call.Args))
	for _, a := range in.Call.Args {
		v, err := fe.value(a)
		if err != nil {
			return err
		}
		args = append(args, v)
	}
	fe.insts++
	call := fe.cur.NewCall(callee, args...)
	if in.Dst != kir.NoValueID {
		fe.values[in.Dst] = call
	}
	return nil
}

func (fe *funcEmitter) emitTerminator(t *kir.Terminator) error {
	b := fe.cur
	fe.insts++
	switch t.Kind {
	case kir.TermReturn:
		if !t.Return.HasValue {
			b.NewRet(nil)
			return nil
		}
		v, err := fe.value(t.Return.Value)
		if err != nil {
			return err
		}
		b.NewRet(v)
	case kir.TermBr:
		target, err := fe.block(t.Br.Target)
		if err != nil {
			return err
		}
		b.NewBr(target)
	case kir.TermCondBr:
		cond, err := fe.value(t.CondBr.Cond)
		if err != nil {
			return err
		}
		then, err := fe.block(t.CondBr.Then)
		if err != nil {
			return err
		}
		els, err := fe.block(t.CondBr.Else)
		if err != nil {
			return err
		}
		if it, ok := cond.Type().(*types.IntType); ok && it.BitSize != 1 {
			cond = b.NewICmp(enum.IPredNE, cond, constant.NewInt(it, 0))
		}
		b.NewCondBr(cond, then, els)
	case kir.TermSwitch:
		x, err := fe.value(t.Switch.Value)
		if err != nil {
			return err
		}
		it, ok := x.Type().(*types.IntType)
		if !ok {
			return diag.IRInvariant(diag.IRTypeMismatch, "switch on non-integer %s", x.Type())
		}
		def, err := fe.block(t.Switch.Default)
		if err != nil {
			return err
		}
		cases := make([]*ir.Case, 0, len(t.Switch.Cases))
		for _, c := range t.Switch.Cases {
			target, err := fe.block(c.Target)
			if err != nil {
				return err
			}
			cases = append(cases, ir.NewCase(constant.NewInt(it, kir.Wrap(uint8(it.BitSize), c.Value)), target))
		}
		b.NewSwitch(x, def, cases...)
	case kir.TermUnreachable:
		b.NewUnreachable()
	default:
		return diag.IRInvariant(diag.IRMissingTerminator, "block has no terminator")
	}
	return nil
}

func (fe *funcEmitter) fillPhis() error {
	for _, p := range fe.phis {
		incs := make([]*ir.Incoming, 0, len(p.in.Phi.Incoming))
		for _, inc := range p.in.Phi.Incoming {
			v, err := fe.value(inc.Value)
			if err != nil {
				return err
			}
			if inc.Pred < 0 || int(inc.Pred) >= len(fe.exits) || fe.exits[inc.Pred] == nil {
				return diag.IRInvariant(diag.IRBadPhi, "phi names unknown predecessor %d", inc.Pred)
			}
			incs = append(incs, ir.NewIncoming(v, fe.exits[inc.Pred]))
		}
		p.phi.Incs = incs
	}
	return nil
}
