package ir

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
)

// Dump writes a human-readable representation of a module.
func Dump(w io.Writer, m *Module) error {
	if w == nil || m == nil {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s\n", m.Name)
	for _, d := range m.Types {
		fmt.Fprintf(&sb, "type %%%s = %s\n", d.Name, d.Type)
	}
	for i := range m.Globals {
		g := &m.Globals[i]
		fmt.Fprintf(&sb, "global @%s: %s", g.Name, g.Type)
		if len(g.Init) > 0 {
			parts := make([]string, len(g.Init))
			for j, v := range g.Init {
				parts[j] = fmt.Sprint(v)
			}
			fmt.Fprintf(&sb, " = [%s]", strings.Join(parts, ", "))
		}
		if g.Mutable {
			sb.WriteString(" mut")
		}
		if g.Exported {
			sb.WriteString(" exported")
		}
		sb.WriteString("\n")
	}
	for _, f := range m.Funcs {
		if f == nil {
			continue
		}
		sb.WriteString("\n")
		writeFunc(&sb, f)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// FuncString renders one function.
func FuncString(f *Func) string {
	var sb strings.Builder
	writeFunc(&sb, f)
	return sb.String()
}

// ModuleString renders a module.
func ModuleString(m *Module) string {
	var buf bytes.Buffer
	if err := Dump(&buf, m); err != nil {
		return ""
	}
	return buf.String()
}

func writeFunc(sb *strings.Builder, f *Func) {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprintf("%%%d %s: %s", p.Value, p.Name, p.Type)
	}
	head := "fn"
	if f.IsDeclaration {
		head = "declare"
	}
	fmt.Fprintf(sb, "%s @%s(%s) -> %s", head, f.Name, strings.Join(params, ", "), f.Result)
	if f.Exported {
		sb.WriteString(" exported")
	}
	if f.IsDeclaration {
		sb.WriteString("\n")
		return
	}
	sb.WriteString(" {\n")
	for i := range f.Blocks {
		b := &f.Blocks[i]
		entry := ""
		if b.ID == f.Entry {
			entry = " ; entry"
		}
		fmt.Fprintf(sb, "%s:%s\n", b.Name(), entry)
		for j := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(InstrString(&b.Instrs[j]))
			sb.WriteString("\n")
		}
		sb.WriteString("  ")
		sb.WriteString(TermString(&b.Term))
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")
}

func v(id ValueID) string {
	if id == NoValueID {
		return "_"
	}
	return fmt.Sprintf("%%%d", id)
}

// InstrString renders one instruction.
func InstrString(in *Instr) string {
	lhs := ""
	if in.Dst != NoValueID {
		lhs = v(in.Dst) + " = "
	}
	switch in.Kind {
	case InstrConst:
		if in.Type.IsFloat() {
			return fmt.Sprintf("%sconst %s %s", lhs, in.Type, formatFloat(in.Const.Float))
		}
		return fmt.Sprintf("%sconst %s %d", lhs, in.Type, in.Const.Int)
	case InstrBinary:
		return fmt.Sprintf("%s%s %s %s, %s", lhs, in.Binary.Op, in.Type, v(in.Binary.X), v(in.Binary.Y))
	case InstrCast:
		return fmt.Sprintf("%s%s %s to %s", lhs, in.Cast.Op, v(in.Cast.X), in.Type)
	case InstrLoad:
		return fmt.Sprintf("%sload %s, %s", lhs, in.Type, v(in.Load.Addr))
	case InstrStore:
		return fmt.Sprintf("store %s %s, %s", in.Type, v(in.Store.Value), v(in.Store.Addr))
	case InstrAlloca:
		return fmt.Sprintf("%salloca %s x %d", lhs, in.Alloca.Elem, in.Alloca.Count)
	case InstrGEP:
		s := fmt.Sprintf("%sgep %s %s", lhs, in.GEP.Elem, v(in.GEP.Base))
		if in.GEP.Index != NoValueID {
			s += "[" + v(in.GEP.Index) + "]"
		}
		if in.GEP.Field >= 0 {
			s += fmt.Sprintf(".%d", in.GEP.Field)
		}
		return s
	case InstrCall:
		args := make([]string, len(in.Call.Args))
		for i, a := range in.Call.Args {
			args[i] = v(a)
		}
		return fmt.Sprintf("%scall %s @%s(%s)", lhs, in.Type, in.Call.Callee, strings.Join(args, ", "))
	case InstrPhi:
		parts := make([]string, len(in.Phi.Incoming))
		for i, inc := range in.Phi.Incoming {
			parts[i] = fmt.Sprintf("[bb%d: %s]", inc.Pred, v(inc.Value))
		}
		return fmt.Sprintf("%sphi %s %s", lhs, in.Type, strings.Join(parts, " "))
	case InstrGlobalAddr:
		return fmt.Sprintf("%sglobaladdr @%s", lhs, in.GlobalAddr.Name)
	case InstrCopy:
		return fmt.Sprintf("%scopy %s %s", lhs, in.Type, v(in.Copy.X))
	}
	return fmt.Sprintf("%s<%s>", lhs, in.Kind)
}

// TermString renders a terminator.
func TermString(t *Terminator) string {
	switch t.Kind {
	case TermReturn:
		if t.Return.HasValue {
			return "ret " + v(t.Return.Value)
		}
		return "ret"
	case TermBr:
		return fmt.Sprintf("br bb%d", t.Br.Target)
	case TermCondBr:
		return fmt.Sprintf("condbr %s, bb%d, bb%d", v(t.CondBr.Cond), t.CondBr.Then, t.CondBr.Else)
	case TermSwitch:
		cases := make([]string, len(t.Switch.Cases))
		for i, c := range t.Switch.Cases {
			cases[i] = fmt.Sprintf("%d: bb%d", c.Value, c.Target)
		}
		return fmt.Sprintf("switch %s [%s] default bb%d", v(t.Switch.Value), strings.Join(cases, ", "), t.Switch.Default)
	case TermUnreachable:
		return "unreachable"
	}
	return "<unterminated>"
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Sprintf("0x%016x", math.Float64bits(f))
	}
	return fmt.Sprintf("%g", f)
}
