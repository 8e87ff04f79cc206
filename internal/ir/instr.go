package ir

// InstrKind enumerates instruction kinds.
type InstrKind uint8

const (
	// InstrConst defines an integer or float constant.
	InstrConst InstrKind = iota
	// InstrBinary represents arithmetic, bitwise, shift and compare operations.
	InstrBinary
	// InstrCast converts between integer widths and int/float.
	InstrCast
	// InstrLoad reads memory.
	InstrLoad
	// InstrStore writes memory.
	InstrStore
	// InstrAlloca reserves a stack slot.
	InstrAlloca
	// InstrGEP computes an element or field address.
	InstrGEP
	// InstrCall represents a direct call.
	InstrCall
	// InstrPhi merges values at a control-flow join.
	InstrPhi
	// InstrGlobalAddr takes the address of a global.
	InstrGlobalAddr
	// InstrCopy forwards a value under a new id.
	InstrCopy
)

var instrKindNames = [...]string{
	InstrConst:      "const",
	InstrBinary:     "binary",
	InstrCast:       "cast",
	InstrLoad:       "load",
	InstrStore:      "store",
	InstrAlloca:     "alloca",
	InstrGEP:        "gep",
	InstrCall:       "call",
	InstrPhi:        "phi",
	InstrGlobalAddr: "globaladdr",
	InstrCopy:       "copy",
}

func (k InstrKind) String() string {
	if int(k) < len(instrKindNames) {
		return instrKindNames[k]
	}
	return "instr?"
}

// Instr is a closed tagged variant: Kind selects which payload is meaningful.
// Dst is the defined value (NoValueID when none) and Type its type; for
// stores Type is the stored type.
type Instr struct {
	Kind InstrKind `msgpack:"k"`
	Dst  ValueID   `msgpack:"d"`
	Type Type      `msgpack:"t"`

	Const      ConstInstr      `msgpack:"c,omitempty"`
	Binary     BinaryInstr     `msgpack:"b,omitempty"`
	Cast       CastInstr       `msgpack:"x,omitempty"`
	Load       LoadInstr       `msgpack:"l,omitempty"`
	Store      StoreInstr      `msgpack:"s,omitempty"`
	Alloca     AllocaInstr     `msgpack:"a,omitempty"`
	GEP        GEPInstr        `msgpack:"g,omitempty"`
	Call       CallInstr       `msgpack:"f,omitempty"`
	Phi        PhiInstr        `msgpack:"p,omitempty"`
	GlobalAddr GlobalAddrInstr `msgpack:"ga,omitempty"`
	Copy       CopyInstr       `msgpack:"cp,omitempty"`
}

// ConstInstr holds a constant; Float is used when Type is a float type.
type ConstInstr struct {
	Int   int64   `msgpack:"i,omitempty"`
	Float float64 `msgpack:"f,omitempty"`
}

// BinOp enumerates binary operators.
type BinOp uint8

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpSDiv
	OpUDiv
	OpSRem
	OpURem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr
	OpEq
	OpNe
	OpSLt
	OpSLe
	OpSGt
	OpSGe
	OpULt
	OpULe
	OpUGt
	OpUGe
	OpSMin
	OpSMax
)

var binOpNames = [...]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpSDiv: "sdiv", OpUDiv: "udiv",
	OpSRem: "srem", OpURem: "urem", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpLShr: "lshr", OpAShr: "ashr", OpEq: "eq", OpNe: "ne",
	OpSLt: "slt", OpSLe: "sle", OpSGt: "sgt", OpSGe: "sge", OpULt: "ult",
	OpULe: "ule", OpUGt: "ugt", OpUGe: "uge", OpSMin: "smin", OpSMax: "smax",
}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return "op?"
}

// IsCompare reports whether op yields an i1.
func (op BinOp) IsCompare() bool { return op >= OpEq && op <= OpUGe }

// IsDivRem reports whether op can trap on a zero divisor.
func (op BinOp) IsDivRem() bool {
	return op == OpSDiv || op == OpUDiv || op == OpSRem || op == OpURem
}

// IsCommutative reports whether operand order does not matter.
func (op BinOp) IsCommutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpEq, OpNe, OpSMin, OpSMax:
		return true
	}
	return false
}

// BinaryInstr applies Op to X and Y. Comparisons produce i1; the operand
// type is the type of X.
type BinaryInstr struct {
	Op BinOp   `msgpack:"op"`
	X  ValueID `msgpack:"x"`
	Y  ValueID `msgpack:"y"`
}

// CastOp enumerates conversions.
type CastOp uint8

const (
	CastSExt CastOp = iota
	CastZExt
	CastTrunc
	CastSIToFP
	CastFPToSI
	CastFPExt
	CastFPTrunc
)

var castOpNames = [...]string{
	CastSExt: "sext", CastZExt: "zext", CastTrunc: "trunc", CastSIToFP: "sitofp",
	CastFPToSI: "fptosi", CastFPExt: "fpext", CastFPTrunc: "fptrunc",
}

func (op CastOp) String() string {
	if int(op) < len(castOpNames) {
		return castOpNames[op]
	}
	return "cast?"
}

// CastInstr converts X to Type.
type CastInstr struct {
	Op CastOp  `msgpack:"op"`
	X  ValueID `msgpack:"x"`
}

// LoadInstr reads a value of Type from Addr.
type LoadInstr struct {
	Addr ValueID `msgpack:"a"`
}

// StoreInstr writes Value (of Type) to Addr.
type StoreInstr struct {
	Addr  ValueID `msgpack:"a"`
	Value ValueID `msgpack:"v"`
}

// AllocaInstr reserves Count elements of Elem on the stack; the result is a ptr.
type AllocaInstr struct {
	Elem  Type  `msgpack:"e"`
	Count int64 `msgpack:"n"`
}

// GEPInstr computes Base + Index*sizeof(Elem) + offsetof(Elem, Field).
// Index is NoValueID when absent; Field is -1 when absent.
type GEPInstr struct {
	Base  ValueID `msgpack:"b"`
	Index ValueID `msgpack:"i"`
	Elem  Type    `msgpack:"e"`
	Field int32   `msgpack:"f"`
}

// CallInstr calls a function of the module by name.
type CallInstr struct {
	Callee string    `msgpack:"c"`
	Args   []ValueID `msgpack:"a,omitempty"`
}

// PhiIncoming is one (predecessor, value) pair of a phi.
type PhiIncoming struct {
	Pred  BlockID `msgpack:"p"`
	Value ValueID `msgpack:"v"`
}

// PhiInstr selects a value based on the predecessor edge taken.
type PhiInstr struct {
	Incoming []PhiIncoming `msgpack:"in"`
}

// GlobalAddrInstr yields the address of a module global.
type GlobalAddrInstr struct {
	Name string `msgpack:"n"`
}

// CopyInstr forwards X.
type CopyInstr struct {
	X ValueID `msgpack:"x"`
}

// HasSideEffects reports whether the instruction must be kept regardless of
// whether its result is used.
func (in *Instr) HasSideEffects() bool {
	switch in.Kind {
	case InstrStore, InstrCall:
		return true
	}
	return false
}

// MayTrap reports whether executing the instruction can fault.
func (in *Instr) MayTrap() bool {
	switch in.Kind {
	case InstrLoad, InstrStore, InstrCall:
		return true
	case InstrBinary:
		return in.Binary.Op.IsDivRem()
	}
	return false
}

// Uses returns the operand values of the instruction in a fixed order.
func (in *Instr) Uses() []ValueID {
	switch in.Kind {
	case InstrBinary:
		return []ValueID{in.Binary.X, in.Binary.Y}
	case InstrCast:
		return []ValueID{in.Cast.X}
	case InstrLoad:
		return []ValueID{in.Load.Addr}
	case InstrStore:
		return []ValueID{in.Store.Addr, in.Store.Value}
	case InstrGEP:
		if in.GEP.Index != NoValueID {
			return []ValueID{in.GEP.Base, in.GEP.Index}
		}
		return []ValueID{in.GEP.Base}
	case InstrCall:
		return append([]ValueID(nil), in.Call.Args...)
	case InstrPhi:
		out := make([]ValueID, len(in.Phi.Incoming))
		for i, inc := range in.Phi.Incoming {
			out[i] = inc.Value
		}
		return out
	case InstrCopy:
		return []ValueID{in.Copy.X}
	}
	return nil
}

// MapUses rewrites every operand through fn.
func (in *Instr) MapUses(fn func(ValueID) ValueID) {
	switch in.Kind {
	case InstrBinary:
		in.Binary.X = fn(in.Binary.X)
		in.Binary.Y = fn(in.Binary.Y)
	case InstrCast:
		in.Cast.X = fn(in.Cast.X)
	case InstrLoad:
		in.Load.Addr = fn(in.Load.Addr)
	case InstrStore:
		in.Store.Addr = fn(in.Store.Addr)
		in.Store.Value = fn(in.Store.Value)
	case InstrGEP:
		in.GEP.Base = fn(in.GEP.Base)
		if in.GEP.Index != NoValueID {
			in.GEP.Index = fn(in.GEP.Index)
		}
	case InstrCall:
		for i := range in.Call.Args {
			in.Call.Args[i] = fn(in.Call.Args[i])
		}
	case InstrPhi:
		for i := range in.Phi.Incoming {
			in.Phi.Incoming[i].Value = fn(in.Phi.Incoming[i].Value)
		}
	case InstrCopy:
		in.Copy.X = fn(in.Copy.X)
	}
}

// Clone returns a deep copy of the instruction.
func (in *Instr) Clone() Instr {
	c := *in
	c.Type = cloneType(in.Type)
	switch in.Kind {
	case InstrCall:
		c.Call.Args = append([]ValueID(nil), in.Call.Args...)
	case InstrPhi:
		c.Phi.Incoming = append([]PhiIncoming(nil), in.Phi.Incoming...)
	case InstrAlloca:
		c.Alloca.Elem = cloneType(in.Alloca.Elem)
	case InstrGEP:
		c.GEP.Elem = cloneType(in.GEP.Elem)
	}
	return c
}

// IncomingFor returns the phi value flowing in from pred.
func (p *PhiInstr) IncomingFor(pred BlockID) (ValueID, bool) {
	for _, inc := range p.Incoming {
		if inc.Pred == pred {
			return inc.Value, true
		}
	}
	return NoValueID, false
}

func cloneType(t Type) Type {
	c := t
	if t.Elem != nil {
		e := cloneType(*t.Elem)
		c.Elem = &e
	}
	if t.Result != nil {
		r := cloneType(*t.Result)
		c.Result = &r
	}
	if t.Fields != nil {
		c.Fields = make([]Type, len(t.Fields))
		for i, f := range t.Fields {
			c.Fields[i] = cloneType(f)
		}
	}
	return c
}
