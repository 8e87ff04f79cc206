package ir

import (
	"errors"
	"slices"

	"kiln/internal/diag"
)

// Validate checks module invariants. Every violation is a
// diag.KindIRInvariant error; all violations are joined.
func Validate(m *Module) error {
	if m == nil {
		return nil
	}
	var errs []error

	funcs := make(map[string]*Func, len(m.Funcs))
	for _, f := range m.Funcs {
		if f == nil {
			continue
		}
		if _, dup := funcs[f.Name]; dup {
			errs = append(errs, diag.IRInvariant(diag.IRDuplicateFunction, "duplicate function %q", f.Name).InFunc(f.Name))
			continue
		}
		funcs[f.Name] = f
	}
	globals := make(map[string]bool, len(m.Globals))
	for _, g := range m.Globals {
		if globals[g.Name] {
			errs = append(errs, diag.IRInvariant(diag.IRUnknownGlobal, "duplicate global %q", g.Name))
		}
		globals[g.Name] = true
	}

	for _, f := range m.Funcs {
		if f == nil || f.IsDeclaration {
			continue
		}
		if err := validateFunc(f, funcs, globals); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateFunc checks a single function against the module's symbols.
func ValidateFunc(m *Module, f *Func) error {
	funcs := make(map[string]*Func, len(m.Funcs))
	for _, g := range m.Funcs {
		if g != nil {
			funcs[g.Name] = g
		}
	}
	globals := make(map[string]bool, len(m.Globals))
	for _, g := range m.Globals {
		globals[g.Name] = true
	}
	return validateFunc(f, funcs, globals)
}

func validateFunc(f *Func, funcs map[string]*Func, globals map[string]bool) error {
	if len(f.Blocks) == 0 {
		return diag.IRInvariant(diag.IREmptyBody, "defined function has no blocks").InFunc(f.Name)
	}

	var errs []error
	add := func(err *diag.Error) {
		errs = append(errs, err.InFunc(f.Name))
	}

	// 1. Block ids match positions, entry exists
	for i := range f.Blocks {
		if f.Blocks[i].ID != BlockID(i) {
			add(diag.IRInvariant(diag.IRUnknownBlock, "block at index %d has id %d", i, f.Blocks[i].ID))
		}
	}
	if f.Block(f.Entry) == nil {
		add(diag.IRInvariant(diag.IRUnknownBlock, "entry bb%d does not exist", f.Entry))
		return errors.Join(errs...)
	}

	// 2. Every block terminated, targets exist
	for i := range f.Blocks {
		b := &f.Blocks[i]
		if b.Term.Kind == TermNone {
			add(diag.IRInvariant(diag.IRMissingTerminator, "unterminated block").InBlock(b.Name()))
			continue
		}
		for _, s := range b.Term.Succs() {
			if f.Block(s) == nil {
				add(diag.IRInvariant(diag.IRUnknownBlock, "%s target bb%d does not exist", b.Term.Kind, s).InBlock(b.Name()))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	preds := Preds(f)

	// 3. Entry has no predecessors
	if len(preds[f.Entry]) > 0 {
		add(diag.IRInvariant(diag.IREntryHasPreds, "entry bb%d has %d predecessors", f.Entry, len(preds[f.Entry])))
	}

	// 4. Single definition, defined uses
	defined := make(map[ValueID]bool)
	define := func(v ValueID, where string) {
		if v == NoValueID {
			return
		}
		if defined[v] {
			add(diag.IRInvariant(diag.IRDuplicateValue, "%%%d defined more than once", v).InBlock(where))
		}
		defined[v] = true
	}
	for _, p := range f.Params {
		define(p.Value, "")
	}
	for i := range f.Blocks {
		b := &f.Blocks[i]
		for j := range b.Instrs {
			define(b.Instrs[j].Dst, b.Name())
		}
	}
	checkUse := func(v ValueID, where string) {
		if !defined[v] {
			add(diag.IRInvariant(diag.IRUnknownValue, "use of undefined value %%%d", v).InBlock(where))
		}
	}

	// 5. Per-instruction checks
	for i := range f.Blocks {
		b := &f.Blocks[i]
		where := b.Name()
		seenNonPhi := false
		for j := range b.Instrs {
			in := &b.Instrs[j]
			for _, u := range in.Uses() {
				checkUse(u, where)
			}
			switch in.Kind {
			case InstrPhi:
				if seenNonPhi {
					add(diag.IRInvariant(diag.IRBadPhi, "phi %%%d after non-phi instruction", in.Dst).InBlock(where))
				}
				validatePhi(in, preds[i], where, add)
				continue
			case InstrCall:
				callee, ok := funcs[in.Call.Callee]
				if !ok {
					add(diag.IRInvariant(diag.IRUnknownFunction, "call to undeclared function %q", in.Call.Callee).InBlock(where))
					break
				}
				if len(callee.Params) != len(in.Call.Args) {
					add(diag.IRInvariant(diag.IRArgCountMismatch, "call to %s passes %d args, want %d",
						callee.Name, len(in.Call.Args), len(callee.Params)).InBlock(where))
				}
				if callee.Result.IsVoid() != (in.Dst == NoValueID) {
					add(diag.IRInvariant(diag.IRTypeMismatch, "call to %s result binding does not match %s",
						callee.Name, callee.Result).InBlock(where))
				}
			case InstrGlobalAddr:
				if !globals[in.GlobalAddr.Name] {
					add(diag.IRInvariant(diag.IRUnknownGlobal, "address of undeclared global %q", in.GlobalAddr.Name).InBlock(where))
				}
			case InstrStore:
				if in.Dst != NoValueID {
					add(diag.IRInvariant(diag.IRTypeMismatch, "store defines value %%%d", in.Dst).InBlock(where))
				}
			case InstrGEP:
				if in.GEP.Field >= 0 && in.GEP.Elem.Kind != TypeStruct && in.GEP.Elem.Kind != TypeNamed {
					add(diag.IRInvariant(diag.IRTypeMismatch, "gep field access on %s", in.GEP.Elem).InBlock(where))
				}
			}
			seenNonPhi = true
			if in.Kind != InstrStore && in.Kind != InstrCall && in.Dst == NoValueID {
				add(diag.IRInvariant(diag.IRUnknownValue, "%s without result", in.Kind).InBlock(where))
			}
		}
		for _, u := range b.Term.Uses() {
			checkUse(u, where)
		}
		if b.Term.Kind == TermReturn && b.Term.Return.HasValue == f.Result.IsVoid() {
			add(diag.IRInvariant(diag.IRTypeMismatch, "return does not match result type %s", f.Result).InBlock(where))
		}
	}

	return errors.Join(errs...)
}

func validatePhi(in *Instr, preds []BlockID, where string, add func(*diag.Error)) {
	if len(in.Phi.Incoming) != len(preds) {
		add(diag.IRInvariant(diag.IRBadPhi, "phi %%%d has %d incoming values for %d predecessors",
			in.Dst, len(in.Phi.Incoming), len(preds)).InBlock(where))
	}
	seen := make([]BlockID, 0, len(in.Phi.Incoming))
	for _, inc := range in.Phi.Incoming {
		if !slices.Contains(preds, inc.Pred) {
			add(diag.IRInvariant(diag.IRBadPhi, "phi %%%d incoming from bb%d which is not a predecessor",
				in.Dst, inc.Pred).InBlock(where))
		}
		if slices.Contains(seen, inc.Pred) {
			add(diag.IRInvariant(diag.IRBadPhi, "phi %%%d has duplicate incoming from bb%d", in.Dst, inc.Pred).InBlock(where))
		}
		seen = append(seen, inc.Pred)
	}
}
