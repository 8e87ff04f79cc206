// Package llvm emits textual LLVM IR. Each function is built in its own
// module against declarations of what it references; Link prepends the
// definitions of globals and external functions.
package llvm

import (
	"context"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"kiln/internal/backend"
	"kiln/internal/diag"
	kir "kiln/internal/ir"
	"kiln/internal/machine"
	"kiln/internal/target"
)

var dataLayouts = map[target.Arch]string{
	target.ArchRISCV64: "e-m:e-p:64:64-i64:64-i128:128-n32:64-S128",
	target.ArchRISCV32: "e-m:e-p:32:32-i64:64-n32-S128",
	target.ArchX86_64:  "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
	target.ArchWasm32:  "e-m:e-p:32:32-i64:64-n32:64-S128",
}

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Kind() backend.Kind { return backend.KindLLVM }

func (b *Backend) EmitFunc(_ context.Context, f *kir.Func, sh *backend.Shared) (backend.Fragment, error) {
	if f.IsDeclaration || len(f.Blocks) == 0 {
		return backend.Fragment{}, diag.IRInvariant(diag.IREmptyBody, "function %s has no body", f.Name).InFunc(f.Name)
	}
	e := newEmitter(sh)
	fn, n, err := e.emitFunction(f)
	if err != nil {
		return backend.Fragment{}, err
	}
	if err := fn.AssignIDs(); err != nil {
		return backend.Fragment{}, diag.InternalCodegen(diag.IntLowering, "numbering %s: %v", f.Name, err).InFunc(f.Name)
	}
	return backend.Fragment{
		Func:     f.Name,
		Exported: f.Exported,
		Text:     fn.LLString() + "\n",
		Stats:    machine.FuncStats{Insts: n},
	}, nil
}

// header builds the module prologue: identification, global definitions
// and declarations of functions defined elsewhere.
func header(frags []backend.Fragment, sh *backend.Shared) (*ir.Module, error) {
	m := ir.NewModule()
	m.SourceFilename = sh.Name
	if d := sh.Target(); d != nil {
		m.TargetTriple = d.Triple().String()
		m.DataLayout = dataLayouts[d.Arch()]
	}
	for _, g := range sh.Globals() {
		init, err := globalInit(sh, g)
		if err != nil {
			return nil, err
		}
		def := m.NewGlobalDef(backend.SymbolName(g.Name), init)
		def.Immutable = !g.Mutable
		if !g.Exported {
			def.Linkage = enum.LinkageInternal
		}
	}
	layout := sh.Layout()
	for _, d := range sh.Funcs() {
		if d.Defined {
			continue
		}
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
		m.NewFunc(backend.SymbolName(d.Name), ret, params...)
	}
	for _, f := range frags {
		if strings.Contains(f.Text, "@llvm.trap()") {
			m.NewFunc("llvm.trap", types.Void)
			break
		}
	}
	return m, nil
}

func (b *Backend) Link(_ context.Context, frags []backend.Fragment, sh *backend.Shared) ([]byte, error) {
	m, err := header(frags, sh)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(m.String())
	for _, f := range frags {
		sb.WriteString("\n")
		sb.WriteString(f.Text)
	}
	return []byte(sb.String()), nil
}

// Verify parses the output back; the parser resolves every identifier and
// type-checks each instruction.
func (b *Backend) Verify(_ context.Context, out []byte, sh *backend.Shared) error {
	m, err := asm.ParseString(sh.Name+".ll", string(out))
	if err != nil {
		return diag.Verification(diag.VerLLVM, err, "module %s does not parse", sh.Name)
	}
	bodies := make(map[string]bool, len(m.Funcs))
	for _, fn := range m.Funcs {
		if len(fn.Blocks) > 0 {
			bodies[fn.Name()] = true
		}
	}
	for _, d := range sh.Funcs() {
		if d.Defined && !bodies[backend.SymbolName(d.Name)] {
			return diag.Verification(diag.VerLLVM, nil, "module is missing a body for %s", d.Name)
		}
	}
	return nil
}
