package wasm

import (
	"encoding/binary"
	"math"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
)

// Memory layout of the linear memory: globals start at dataBase, the
// shadow stack for allocas grows down from the top.
const (
	dataBase   = 1024
	stackSize  = 64 << 10
	pageSize   = 64 << 10
	stackAlign = 16

	spGlobal = 0 // index of the stack pointer global
)

func valType(l ir.Layout, t ir.Type) (ValType, error) {
	t = l.Resolve(t)
	switch t.Kind {
	case ir.TypeInt:
		switch {
		case t.Bits == 0 || t.Bits > 64:
			return 0, diag.Unimplemented(diag.UnsupIntWidth, "i%d", t.Bits)
		case t.Bits <= 32:
			return valTypeI32, nil
		}
		return valTypeI64, nil
	case ir.TypeFloat:
		if t.Bits == 32 {
			return valTypeF32, nil
		}
		return valTypeF64, nil
	case ir.TypePtr, ir.TypeFunc:
		return valTypeI32, nil
	}
	return 0, diag.Unimplemented(diag.UnsupType, "%s value", t)
}

// signature lowers a function signature to value types.
func signature(l ir.Layout, params []ir.Type, result ir.Type) ([]ValType, []ValType, error) {
	ps := make([]ValType, 0, len(params))
	for _, p := range params {
		vt, err := valType(l, p)
		if err != nil {
			return nil, nil, err
		}
		ps = append(ps, vt)
	}
	if l.Resolve(result).IsVoid() {
		return ps, nil, nil
	}
	rt, err := valType(l, result)
	if err != nil {
		return nil, nil, err
	}
	return ps, []ValType{rt}, nil
}

// funcIndex numbers functions the way Link lays them out: imported
// declarations first, then definitions, both in module order.
func funcIndex(sh *backend.Shared) map[string]uint32 {
	idx := make(map[string]uint32, len(sh.Funcs()))
	n := uint32(0)
	for _, d := range sh.Funcs() {
		if !d.Defined {
			idx[d.Name] = n
			n++
		}
	}
	for _, d := range sh.Funcs() {
		if d.Defined {
			idx[d.Name] = n
			n++
		}
	}
	return idx
}

type funcEmitter struct {
	sh      *backend.Shared
	layout  ir.Layout
	f       *ir.Func
	funcs   map[string]uint32
	types   map[ir.ValueID]ir.Type
	locals  map[ir.ValueID]uint32
	decls   []ValType
	nparams uint32
	blk     uint32 // local holding the next block index
	sp      uint32 // local holding the stack pointer at entry
	hasSP   bool
	code    []byte
	insts   int
}

func newFuncEmitter(sh *backend.Shared, f *ir.Func) *funcEmitter {
	return &funcEmitter{
		sh:     sh,
		layout: sh.Layout(),
		f:      f,
		funcs:  funcIndex(sh),
		types:  f.ValueTypes(),
		locals: make(map[ir.ValueID]uint32),
	}
}

func (fe *funcEmitter) addLocal(t ValType) uint32 {
	fe.decls = append(fe.decls, t)
	return fe.nparams + uint32(len(fe.decls)-1)
}

func (fe *funcEmitter) allocLocals() error {
	for _, p := range fe.f.Params {
		if _, err := valType(fe.layout, p.Type); err != nil {
			return err
		}
		fe.locals[p.Value] = fe.nparams
		fe.nparams++
	}
	for bi := range fe.f.Blocks {
		for _, in := range fe.f.Blocks[bi].Instrs {
			if in.Kind == ir.InstrAlloca {
				fe.hasSP = true
			}
			if in.Dst == ir.NoValueID || in.Type.IsVoid() {
				continue
			}
			if _, ok := fe.locals[in.Dst]; ok {
				continue
			}
			vt, err := valType(fe.layout, in.Type)
			if err != nil {
				return diagAt(err, fe.f, &fe.f.Blocks[bi])
			}
			fe.locals[in.Dst] = fe.addLocal(vt)
		}
	}
	fe.blk = fe.addLocal(valTypeI32)
	if fe.hasSP {
		fe.sp = fe.addLocal(valTypeI32)
	}
	return nil
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

func (fe *funcEmitter) op(b ...byte) { fe.code = append(fe.code, b...) }
func (fe *funcEmitter) u32(v uint32) { fe.code = append(fe.code, encodeU32(v)...) }
func (fe *funcEmitter) i32(v int32) {
	fe.op(opcodeI32Const)
	fe.code = append(fe.code, encodeS32(v)...)
}
func (fe *funcEmitter) i64(v int64) {
	fe.op(opcodeI64Const)
	fe.code = append(fe.code, encodeS64(v)...)
}
func (fe *funcEmitter) mem(op byte)       { fe.op(op); fe.u32(0); fe.u32(0) }
func (fe *funcEmitter) localGet(i uint32) { fe.op(opcodeLocalGet); fe.u32(i) }
func (fe *funcEmitter) localSet(i uint32) { fe.op(opcodeLocalSet); fe.u32(i) }

func (fe *funcEmitter) get(id ir.ValueID) error {
	i, ok := fe.locals[id]
	if !ok {
		return diag.IRInvariant(diag.IRUnknownValue, "use of undefined value %%%d", id)
	}
	fe.localGet(i)
	return nil
}

func (fe *funcEmitter) set(id ir.ValueID) { fe.localSet(fe.locals[id]) }

func (fe *funcEmitter) typeOf(id ir.ValueID) ir.Type { return fe.layout.Resolve(fe.types[id]) }

func isWide(t ir.Type) bool { return t.IsInt() && t.Bits > 32 }

// native reports whether an integer width maps exactly onto a wasm type.
func native(t ir.Type) bool { return !t.IsInt() || t.Bits == 32 || t.Bits == 64 }

// normalize keeps an integer on the stack sign-extended at its width; i1
// stays 0 or 1.
func (fe *funcEmitter) normalize(t ir.Type) {
	if native(t) {
		return
	}
	if t.Bits == 1 {
		fe.i32(1)
		fe.op(opcodeI32And)
		return
	}
	if t.Bits < 32 {
		shift := int32(32 - t.Bits)
		fe.i32(shift)
		fe.op(opcodeI32Shl)
		fe.i32(shift)
		fe.op(opcodeI32ShrS)
		return
	}
	shift := int64(64 - t.Bits)
	fe.i64(shift)
	fe.op(opcodeI64Shl)
	fe.i64(shift)
	fe.op(opcodeI64ShrS)
}

// zeroExtend masks a narrow integer on the stack to its unsigned value.
func (fe *funcEmitter) zeroExtend(t ir.Type) {
	if native(t) {
		return
	}
	if t.Bits <= 32 {
		fe.i32(int32(uint32(1)<<t.Bits - 1))
		fe.op(opcodeI32And)
		return
	}
	fe.i64(int64(uint64(1)<<t.Bits - 1))
	fe.op(opcodeI64And)
}

func (fe *funcEmitter) emitFunction() ([]byte, error) {
	if err := fe.allocLocals(); err != nil {
		return nil, err
	}
	blockIndex := make(map[ir.BlockID]uint32, len(fe.f.Blocks))
	for i := range fe.f.Blocks {
		blockIndex[ir.BlockID(i)] = uint32(i)
	}
	if fe.hasSP {
		fe.op(opcodeGlobalGet)
		fe.u32(spGlobal)
		fe.localSet(fe.sp)
	}
	fe.i32(int32(blockIndex[fe.f.Entry]))
	fe.localSet(fe.blk)
	fe.op(opcodeLoop, blockTypeVoid)
	for i := range fe.f.Blocks {
		bb := &fe.f.Blocks[i]
		fe.localGet(fe.blk)
		fe.i32(int32(i))
		fe.op(opcodeI32Eq)
		fe.op(opcodeIf, blockTypeVoid)
		for j := range bb.Instrs {
			in := &bb.Instrs[j]
			if in.Kind == ir.InstrPhi {
				continue
			}
			if err := fe.emitInstr(in); err != nil {
				return nil, diagAt(err, fe.f, bb)
			}
		}
		if err := fe.emitTerm(bb, blockIndex); err != nil {
			return nil, diagAt(err, fe.f, bb)
		}
		fe.op(opcodeEnd)
	}
	fe.op(opcodeEnd)
	fe.op(opcodeUnreachable)
	fe.op(opcodeEnd)

	body := encodeLocals(fe.decls)
	return append(body, fe.code...), nil
}

func (fe *funcEmitter) emitInstr(in *ir.Instr) error {
	fe.insts++
	switch in.Kind {
	case ir.InstrConst:
		t := fe.layout.Resolve(in.Type)
		vt, err := valType(fe.layout, t)
		if err != nil {
			return err
		}
		switch vt {
		case valTypeI32:
			fe.i32(int32(ir.Wrap(t.Bits, in.Const.Int)))
		case valTypeI64:
			fe.i64(ir.Wrap(t.Bits, in.Const.Int))
		case valTypeF32:
			fe.op(opcodeF32Const)
			fe.code = binary.LittleEndian.AppendUint32(fe.code, math.Float32bits(float32(in.Const.Float)))
		case valTypeF64:
			fe.op(opcodeF64Const)
			fe.code = binary.LittleEndian.AppendUint64(fe.code, math.Float64bits(in.Const.Float))
		}
		fe.set(in.Dst)
	case ir.InstrBinary:
		return fe.emitBinary(in)
	case ir.InstrCast:
		return fe.emitCast(in)
	case ir.InstrLoad:
		mo, err := memOpFor(fe.layout, in.Type)
		if err != nil {
			return err
		}
		if err := fe.get(in.Load.Addr); err != nil {
			return err
		}
		fe.mem(mo.load)
		if mo.wideFromPtr {
			fe.op(opcodeI32WrapI64)
		}
		fe.set(in.Dst)
	case ir.InstrStore:
		mo, err := memOpFor(fe.layout, in.Type)
		if err != nil {
			return err
		}
		if err := fe.get(in.Store.Addr); err != nil {
			return err
		}
		if err := fe.get(in.Store.Value); err != nil {
			return err
		}
		if mo.wideFromPtr {
			fe.op(opcodeI64ExtendI32U)
		}
		fe.mem(mo.store)
	case ir.InstrAlloca:
		size := fe.layout.SizeOf(in.Alloca.Elem) * max(in.Alloca.Count, 1)
		size = (size + stackAlign - 1) / stackAlign * stackAlign
		fe.op(opcodeGlobalGet)
		fe.u32(spGlobal)
		fe.i32(int32(size))
		fe.op(opcodeI32Sub)
		fe.op(opcodeLocalTee)
		fe.u32(fe.locals[in.Dst])
		fe.op(opcodeGlobalSet)
		fe.u32(spGlobal)
	case ir.InstrGEP:
		if err := fe.get(in.GEP.Base); err != nil {
			return err
		}
		if in.GEP.Index != ir.NoValueID {
			if err := fe.get(in.GEP.Index); err != nil {
				return err
			}
			if isWide(fe.typeOf(in.GEP.Index)) {
				fe.op(opcodeI32WrapI64)
			}
			fe.i32(int32(fe.layout.SizeOf(in.GEP.Elem)))
			fe.op(opcodeI32Mul)
			fe.op(opcodeI32Add)
		}
		if in.GEP.Field >= 0 {
			if off := fe.layout.FieldOffset(in.GEP.Elem, int(in.GEP.Field)); off != 0 {
				fe.i32(int32(off))
				fe.op(opcodeI32Add)
			}
		}
		fe.set(in.Dst)
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
		for _, a := range in.Call.Args {
			if err := fe.get(a); err != nil {
				return err
			}
		}
		fe.op(opcodeCall)
		fe.u32(idx)
		if !fe.layout.Resolve(d.Result).IsVoid() {
			if in.Dst != ir.NoValueID {
				fe.set(in.Dst)
			} else {
				fe.op(opcodeDrop)
			}
		}
	case ir.InstrGlobalAddr:
		off, ok := fe.sh.DataOffset(in.GlobalAddr.Name)
		if !ok {
			return diag.IRInvariant(diag.IRUnknownGlobal, "unknown global %s", in.GlobalAddr.Name)
		}
		fe.i32(int32(dataBase + off))
		fe.set(in.Dst)
	case ir.InstrCopy:
		if err := fe.get(in.Copy.X); err != nil {
			return err
		}
		fe.set(in.Dst)
	default:
		return diag.UnsupportedInstruction(in.Kind)
	}
	return nil
}

func (fe *funcEmitter) emitBinary(in *ir.Instr) error {
	op := in.Binary.Op
	t := fe.typeOf(in.Binary.X)
	if t.IsFloat() {
		ops, ok := floatOps[op]
		if !ok {
			return diag.Unimplemented(diag.UnsupOperand, "float %s", op)
		}
		if err := fe.get(in.Binary.X); err != nil {
			return err
		}
		if err := fe.get(in.Binary.Y); err != nil {
			return err
		}
		fe.op(pick(ops, t.Bits == 64))
		fe.set(in.Dst)
		return nil
	}

	wide := isWide(t)
	operand := func(id ir.ValueID) error {
		if err := fe.get(id); err != nil {
			return err
		}
		if unsignedOp(op) {
			fe.zeroExtend(t)
		}
		return nil
	}

	switch op {
	case ir.OpSMin, ir.OpSMax:
		for _, id := range []ir.ValueID{in.Binary.X, in.Binary.Y, in.Binary.X, in.Binary.Y} {
			if err := fe.get(id); err != nil {
				return err
			}
		}
		cmp := intOps[ir.OpSLt]
		if op == ir.OpSMax {
			cmp = intOps[ir.OpSGt]
		}
		fe.op(pick(cmp, wide), opcodeSelect)
		fe.set(in.Dst)
		return nil
	case ir.OpSDiv:
		if native(t) {
			return fe.emitSignedDiv(in, wide)
		}
	}

	ops, ok := intOps[op]
	if !ok {
		return diag.Unimplemented(diag.UnsupOperand, "integer %s", op)
	}
	if err := operand(in.Binary.X); err != nil {
		return err
	}
	if err := operand(in.Binary.Y); err != nil {
		return err
	}
	switch op {
	case ir.OpShl, ir.OpLShr, ir.OpAShr:
		if !native(t) {
			if wide {
				fe.i64(int64(t.Bits - 1))
				fe.op(opcodeI64And)
			} else {
				fe.i32(int32(t.Bits - 1))
				fe.op(opcodeI32And)
			}
		}
	}
	fe.op(pick(ops, wide))
	if !op.IsCompare() {
		fe.normalize(t)
	}
	fe.set(in.Dst)
	return nil
}

// emitSignedDiv wraps MinInt / -1 instead of trapping.
func (fe *funcEmitter) emitSignedDiv(in *ir.Instr, wide bool) error {
	if err := fe.get(in.Binary.Y); err != nil {
		return err
	}
	result := valTypeI32
	if wide {
		result = valTypeI64
		fe.i64(-1)
		fe.op(opcodeI64Eq)
	} else {
		fe.i32(-1)
		fe.op(opcodeI32Eq)
	}
	fe.op(opcodeIf, byte(result))
	if wide {
		fe.i64(0)
	} else {
		fe.i32(0)
	}
	if err := fe.get(in.Binary.X); err != nil {
		return err
	}
	fe.op(pick([2]byte{opcodeI32Sub, opcodeI64Sub}, wide))
	fe.op(opcodeElse)
	if err := fe.get(in.Binary.X); err != nil {
		return err
	}
	if err := fe.get(in.Binary.Y); err != nil {
		return err
	}
	fe.op(pick(intOps[ir.OpSDiv], wide))
	fe.op(opcodeEnd)
	fe.set(in.Dst)
	return nil
}

func (fe *funcEmitter) emitCast(in *ir.Instr) error {
	from := fe.typeOf(in.Cast.X)
	to := fe.layout.Resolve(in.Type)
	fromVT, err := valType(fe.layout, from)
	if err != nil {
		return err
	}
	toVT, err := valType(fe.layout, to)
	if err != nil {
		return err
	}
	if err := fe.get(in.Cast.X); err != nil {
		return err
	}
	switch in.Cast.Op {
	case ir.CastSExt:
		if fromVT == valTypeI32 && toVT == valTypeI64 {
			fe.op(opcodeI64ExtendI32S)
		}
		fe.normalize(to)
	case ir.CastZExt:
		fe.zeroExtend(from)
		if fromVT == valTypeI32 && toVT == valTypeI64 {
			fe.op(opcodeI64ExtendI32U)
		}
		fe.normalize(to)
	case ir.CastTrunc:
		if fromVT == valTypeI64 && toVT == valTypeI32 {
			fe.op(opcodeI32WrapI64)
		}
		fe.normalize(to)
	case ir.CastSIToFP:
		fe.op(convertOp(fromVT == valTypeI64, toVT))
	case ir.CastFPToSI:
		fe.op(opcodeMiscPrefix)
		fe.u32(truncSatOp(fromVT, toVT))
		fe.normalize(to)
	case ir.CastFPExt:
		if fromVT == valTypeF32 && toVT == valTypeF64 {
			fe.op(opcodeF64PromoteF32)
		}
	case ir.CastFPTrunc:
		if fromVT == valTypeF64 && toVT == valTypeF32 {
			fe.op(opcodeF32DemoteF64)
		}
	default:
		return diag.Unimplemented(diag.UnsupOperand, "cast %s", in.Cast.Op)
	}
	fe.set(in.Dst)
	return nil
}

// phiMoves copies the values flowing along pred -> succ into the phis of
// succ. All sources are read onto the operand stack before any phi local
// is written, so swaps between phis stay correct.
func (fe *funcEmitter) phiMoves(pred, succ ir.BlockID) error {
	var dsts []ir.ValueID
	for _, phi := range fe.f.Blocks[succ].Phis() {
		for _, inc := range phi.Phi.Incoming {
			if inc.Pred != pred {
				continue
			}
			if err := fe.get(inc.Value); err != nil {
				return err
			}
			dsts = append(dsts, phi.Dst)
			break
		}
	}
	for i := len(dsts) - 1; i >= 0; i-- {
		fe.set(dsts[i])
	}
	return nil
}

// jump moves phis, selects target and continues the dispatch loop that
// encloses depth nested blocks.
func (fe *funcEmitter) jump(pred, target ir.BlockID, blockIndex map[ir.BlockID]uint32, depth uint32) error {
	if int(target) < 0 || int(target) >= len(fe.f.Blocks) {
		return diag.IRInvariant(diag.IRUnknownBlock, "branch to unknown block %d", target)
	}
	if err := fe.phiMoves(pred, target); err != nil {
		return err
	}
	fe.i32(int32(blockIndex[target]))
	fe.localSet(fe.blk)
	fe.op(opcodeBr)
	fe.u32(depth)
	return nil
}

func (fe *funcEmitter) emitTerm(bb *ir.Block, blockIndex map[ir.BlockID]uint32) error {
	t := &bb.Term
	switch t.Kind {
	case ir.TermReturn:
		if fe.hasSP {
			fe.localGet(fe.sp)
			fe.op(opcodeGlobalSet)
			fe.u32(spGlobal)
		}
		if t.Return.HasValue {
			if err := fe.get(t.Return.Value); err != nil {
				return err
			}
		}
		fe.op(opcodeReturn)
	case ir.TermBr:
		return fe.jump(bb.ID, t.Br.Target, blockIndex, 1)
	case ir.TermCondBr:
		if err := fe.get(t.CondBr.Cond); err != nil {
			return err
		}
		if isWide(fe.typeOf(t.CondBr.Cond)) {
			fe.i64(0)
			fe.op(opcodeI64Ne)
		}
		fe.op(opcodeIf, blockTypeVoid)
		if err := fe.jump(bb.ID, t.CondBr.Then, blockIndex, 2); err != nil {
			return err
		}
		fe.op(opcodeElse)
		if err := fe.jump(bb.ID, t.CondBr.Else, blockIndex, 2); err != nil {
			return err
		}
		fe.op(opcodeEnd)
	case ir.TermSwitch:
		vt := fe.typeOf(t.Switch.Value)
		wide := isWide(vt)
		for _, c := range t.Switch.Cases {
			if err := fe.get(t.Switch.Value); err != nil {
				return err
			}
			if wide {
				fe.i64(ir.Wrap(vt.Bits, c.Value))
				fe.op(opcodeI64Eq)
			} else {
				fe.i32(int32(ir.Wrap(vt.Bits, c.Value)))
				fe.op(opcodeI32Eq)
			}
			fe.op(opcodeIf, blockTypeVoid)
			if err := fe.jump(bb.ID, c.Target, blockIndex, 2); err != nil {
				return err
			}
			fe.op(opcodeEnd)
		}
		return fe.jump(bb.ID, t.Switch.Default, blockIndex, 1)
	case ir.TermUnreachable:
		fe.op(opcodeUnreachable)
	default:
		return diag.IRInvariant(diag.IRMissingTerminator, "block has no terminator")
	}
	return nil
}
