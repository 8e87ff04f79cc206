package ir

import "fmt"

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name}
}

// Declare adds a body-less function declaration to m.
func Declare(m *Module, name string, result Type, params ...Type) *Func {
	f := &Func{Name: name, Result: result, IsDeclaration: true, Entry: NoBlockID}
	for i, p := range params {
		f.Params = append(f.Params, Param{Name: fmt.Sprintf("p%d", i), Type: p, Value: ValueID(i)})
	}
	m.Funcs = append(m.Funcs, f)
	return f
}

// AddGlobal appends a global and returns its name.
func (m *Module) AddGlobal(g Global) string {
	m.Globals = append(m.Globals, g)
	return g.Name
}

// FuncBuilder appends instructions to a function under construction.
// The first block created becomes the entry block.
type FuncBuilder struct {
	f     *Func
	next  ValueID
	cur   BlockID
	types map[ValueID]Type
}

// NewFuncBuilder adds a new function definition to m.
func NewFuncBuilder(m *Module, name string, result Type) *FuncBuilder {
	f := &Func{Name: name, Result: result, Entry: NoBlockID}
	if m != nil {
		m.Funcs = append(m.Funcs, f)
	}
	return &FuncBuilder{f: f, cur: NoBlockID, types: make(map[ValueID]Type)}
}

// Func returns the function being built.
func (b *FuncBuilder) Func() *Func { return b.f }

// Export marks the function as exported.
func (b *FuncBuilder) Export() *FuncBuilder {
	b.f.Exported = true
	return b
}

func (b *FuncBuilder) fresh(t Type) ValueID {
	id := b.next
	b.next++
	b.types[id] = t
	return id
}

// TypeOf returns the type recorded for v.
func (b *FuncBuilder) TypeOf(v ValueID) Type { return b.types[v] }

// Param appends a parameter.
func (b *FuncBuilder) Param(name string, t Type) ValueID {
	id := b.fresh(t)
	b.f.Params = append(b.f.Params, Param{Name: name, Type: t, Value: id})
	return id
}

// Block creates a block; the first one is the entry.
func (b *FuncBuilder) Block(label string) BlockID {
	id := b.f.AddBlock(label)
	if b.f.Entry == NoBlockID {
		b.f.Entry = id
	}
	if b.cur == NoBlockID {
		b.cur = id
	}
	return id
}

// SetBlock selects the insertion block.
func (b *FuncBuilder) SetBlock(id BlockID) { b.cur = id }

// Current returns the insertion block.
func (b *FuncBuilder) Current() BlockID { return b.cur }

func (b *FuncBuilder) emit(in Instr) ValueID {
	blk := &b.f.Blocks[b.cur]
	blk.Instrs = append(blk.Instrs, in)
	return in.Dst
}

// Const defines an integer constant.
func (b *FuncBuilder) Const(t Type, v int64) ValueID {
	return b.emit(Instr{Kind: InstrConst, Dst: b.fresh(t), Type: t, Const: ConstInstr{Int: v}})
}

// ConstFloat defines a float constant.
func (b *FuncBuilder) ConstFloat(t Type, v float64) ValueID {
	return b.emit(Instr{Kind: InstrConst, Dst: b.fresh(t), Type: t, Const: ConstInstr{Float: v}})
}

// Bin applies a binary operator; compares yield i1, others the type of x.
func (b *FuncBuilder) Bin(op BinOp, x, y ValueID) ValueID {
	t := b.types[x]
	if op.IsCompare() {
		t = I1
	}
	return b.emit(Instr{Kind: InstrBinary, Dst: b.fresh(t), Type: t, Binary: BinaryInstr{Op: op, X: x, Y: y}})
}

// Cast converts x to t.
func (b *FuncBuilder) Cast(op CastOp, x ValueID, t Type) ValueID {
	return b.emit(Instr{Kind: InstrCast, Dst: b.fresh(t), Type: t, Cast: CastInstr{Op: op, X: x}})
}

// Load reads a t from addr.
func (b *FuncBuilder) Load(t Type, addr ValueID) ValueID {
	return b.emit(Instr{Kind: InstrLoad, Dst: b.fresh(t), Type: t, Load: LoadInstr{Addr: addr}})
}

// Store writes val to addr.
func (b *FuncBuilder) Store(addr, val ValueID) {
	b.emit(Instr{Kind: InstrStore, Dst: NoValueID, Type: b.types[val], Store: StoreInstr{Addr: addr, Value: val}})
}

// Alloca reserves n elements of elem.
func (b *FuncBuilder) Alloca(elem Type, n int64) ValueID {
	return b.emit(Instr{Kind: InstrAlloca, Dst: b.fresh(Ptr), Type: Ptr, Alloca: AllocaInstr{Elem: elem, Count: n}})
}

// Index computes &base[idx] for elements of type elem.
func (b *FuncBuilder) Index(elem Type, base, idx ValueID) ValueID {
	return b.emit(Instr{Kind: InstrGEP, Dst: b.fresh(Ptr), Type: Ptr,
		GEP: GEPInstr{Base: base, Index: idx, Elem: elem, Field: -1}})
}

// Field computes &base.field for a struct of type elem.
func (b *FuncBuilder) Field(elem Type, base ValueID, field int32) ValueID {
	return b.emit(Instr{Kind: InstrGEP, Dst: b.fresh(Ptr), Type: Ptr,
		GEP: GEPInstr{Base: base, Index: NoValueID, Elem: elem, Field: field}})
}

// Call calls callee; the result is NoValueID for void callees.
func (b *FuncBuilder) Call(callee string, result Type, args ...ValueID) ValueID {
	dst := NoValueID
	if !result.IsVoid() {
		dst = b.fresh(result)
	}
	return b.emit(Instr{Kind: InstrCall, Dst: dst, Type: result,
		Call: CallInstr{Callee: callee, Args: append([]ValueID(nil), args...)}})
}

// Phi inserts an empty phi after the current block's existing phis.
func (b *FuncBuilder) Phi(t Type) ValueID {
	blk := &b.f.Blocks[b.cur]
	in := Instr{Kind: InstrPhi, Dst: b.fresh(t), Type: t}
	n := len(blk.Phis())
	blk.Instrs = append(blk.Instrs, Instr{})
	copy(blk.Instrs[n+1:], blk.Instrs[n:])
	blk.Instrs[n] = in
	return in.Dst
}

// AddIncoming appends an incoming edge value to phi.
func (b *FuncBuilder) AddIncoming(phi ValueID, pred BlockID, val ValueID) {
	for i := range b.f.Blocks {
		blk := &b.f.Blocks[i]
		for j := range blk.Instrs {
			in := &blk.Instrs[j]
			if in.Kind == InstrPhi && in.Dst == phi {
				in.Phi.Incoming = append(in.Phi.Incoming, PhiIncoming{Pred: pred, Value: val})
				return
			}
		}
	}
	panic(fmt.Sprintf("ir: AddIncoming on unknown phi %%%d", phi))
}

// GlobalAddr takes the address of a global.
func (b *FuncBuilder) GlobalAddr(name string) ValueID {
	return b.emit(Instr{Kind: InstrGlobalAddr, Dst: b.fresh(Ptr), Type: Ptr, GlobalAddr: GlobalAddrInstr{Name: name}})
}

// Copy forwards x under a new id.
func (b *FuncBuilder) Copy(x ValueID) ValueID {
	t := b.types[x]
	return b.emit(Instr{Kind: InstrCopy, Dst: b.fresh(t), Type: t, Copy: CopyInstr{X: x}})
}

func (b *FuncBuilder) term(t Terminator) { b.f.Blocks[b.cur].Term = t }

// Ret returns v.
func (b *FuncBuilder) Ret(v ValueID) { b.term(Ret(v)) }

// RetVoid returns without a value.
func (b *FuncBuilder) RetVoid() { b.term(Ret(NoValueID)) }

// Br jumps to target.
func (b *FuncBuilder) Br(target BlockID) { b.term(Br(target)) }

// CondBr branches on cond.
func (b *FuncBuilder) CondBr(cond ValueID, then, els BlockID) { b.term(CondBr(cond, then, els)) }

// Switch dispatches on v.
func (b *FuncBuilder) Switch(v ValueID, def BlockID, cases ...SwitchCase) {
	b.term(Terminator{Kind: TermSwitch, Switch: SwitchTerm{Value: v, Cases: cases, Default: def}})
}

// Unreachable terminates the block with a trap.
func (b *FuncBuilder) Unreachable() { b.term(Terminator{Kind: TermUnreachable}) }
