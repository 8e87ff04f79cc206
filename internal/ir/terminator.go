package ir

type TermKind uint8

const (
	TermNone TermKind = iota
	TermReturn
	TermBr
	TermCondBr
	TermSwitch
	TermUnreachable
)

func (k TermKind) String() string {
	switch k {
	case TermNone:
		return "none"
	case TermReturn:
		return "ret"
	case TermBr:
		return "br"
	case TermCondBr:
		return "condbr"
	case TermSwitch:
		return "switch"
	case TermUnreachable:
		return "unreachable"
	}
	return "term?"
}

type Terminator struct {
	Kind TermKind `msgpack:"k"`

	Return ReturnTerm `msgpack:"r,omitempty"`
	Br     BrTerm     `msgpack:"b,omitempty"`
	CondBr CondBrTerm `msgpack:"c,omitempty"`
	Switch SwitchTerm `msgpack:"s,omitempty"`
}

type ReturnTerm struct {
	HasValue bool    `msgpack:"h,omitempty"`
	Value    ValueID `msgpack:"v,omitempty"`
}

type BrTerm struct {
	Target BlockID `msgpack:"t"`
}

type CondBrTerm struct {
	Cond ValueID `msgpack:"c"`
	Then BlockID `msgpack:"t"`
	Else BlockID `msgpack:"e"`
}

type SwitchCase struct {
	Value  int64   `msgpack:"v"`
	Target BlockID `msgpack:"t"`
}

type SwitchTerm struct {
	Value   ValueID      `msgpack:"v"`
	Cases   []SwitchCase `msgpack:"c,omitempty"`
	Default BlockID      `msgpack:"d"`
}

// Ret builds a return terminator; pass NoValueID for a void return.
func Ret(v ValueID) Terminator {
	return Terminator{Kind: TermReturn, Return: ReturnTerm{HasValue: v != NoValueID, Value: v}}
}

// Br builds an unconditional branch.
func Br(target BlockID) Terminator {
	return Terminator{Kind: TermBr, Br: BrTerm{Target: target}}
}

// CondBr builds a two-way branch.
func CondBr(cond ValueID, then, els BlockID) Terminator {
	return Terminator{Kind: TermCondBr, CondBr: CondBrTerm{Cond: cond, Then: then, Else: els}}
}

// Succs returns the successor blocks in edge order. Duplicate targets are kept.
func (t *Terminator) Succs() []BlockID {
	switch t.Kind {
	case TermBr:
		return []BlockID{t.Br.Target}
	case TermCondBr:
		return []BlockID{t.CondBr.Then, t.CondBr.Else}
	case TermSwitch:
		out := make([]BlockID, 0, len(t.Switch.Cases)+1)
		for _, c := range t.Switch.Cases {
			out = append(out, c.Target)
		}
		return append(out, t.Switch.Default)
	}
	return nil
}

// MapTargets rewrites every successor through fn.
func (t *Terminator) MapTargets(fn func(BlockID) BlockID) {
	switch t.Kind {
	case TermBr:
		t.Br.Target = fn(t.Br.Target)
	case TermCondBr:
		t.CondBr.Then = fn(t.CondBr.Then)
		t.CondBr.Else = fn(t.CondBr.Else)
	case TermSwitch:
		for i := range t.Switch.Cases {
			t.Switch.Cases[i].Target = fn(t.Switch.Cases[i].Target)
		}
		t.Switch.Default = fn(t.Switch.Default)
	}
}

// Uses returns the values read by the terminator.
func (t *Terminator) Uses() []ValueID {
	switch t.Kind {
	case TermReturn:
		if t.Return.HasValue {
			return []ValueID{t.Return.Value}
		}
	case TermCondBr:
		return []ValueID{t.CondBr.Cond}
	case TermSwitch:
		return []ValueID{t.Switch.Value}
	}
	return nil
}

// MapUses rewrites every operand through fn.
func (t *Terminator) MapUses(fn func(ValueID) ValueID) {
	switch t.Kind {
	case TermReturn:
		if t.Return.HasValue {
			t.Return.Value = fn(t.Return.Value)
		}
	case TermCondBr:
		t.CondBr.Cond = fn(t.CondBr.Cond)
	case TermSwitch:
		t.Switch.Value = fn(t.Switch.Value)
	}
}

// Clone returns a deep copy.
func (t *Terminator) Clone() Terminator {
	c := *t
	if t.Kind == TermSwitch {
		c.Switch.Cases = append([]SwitchCase(nil), t.Switch.Cases...)
	}
	return c
}
