// Package bytecode emits KBC1, a register bytecode with one register per
// SSA value, and provides the decoder and reference machine that read it
// back.
package bytecode

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Kind() backend.Kind { return backend.KindBytecode }

// EmitFunc lowers f to a function record. Text holds a listing for dumps.
func (b *Backend) EmitFunc(_ context.Context, f *ir.Func, sh *backend.Shared) (backend.Fragment, error) {
	if f.IsDeclaration || len(f.Blocks) == 0 {
		return backend.Fragment{}, diag.IRInvariant(diag.IREmptyBody, "function %s has no body", f.Name).InFunc(f.Name)
	}
	fn, err := newFuncEmitter(sh, f).emitFunction()
	if err != nil {
		return backend.Fragment{}, err
	}
	code, err := EncodeFunc(fn)
	if err != nil {
		return backend.Fragment{}, diag.InternalCodegen(diag.IntLowering, "%v", err).InFunc(f.Name)
	}
	return backend.Fragment{
		Func:     f.Name,
		Exported: f.Exported,
		Code:     code,
		Text:     Listing(fn),
		Stats:    machine.FuncStats{Insts: len(fn.Code)},
	}, nil
}

// Listing renders a function one instruction per line.
func Listing(f *Func) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", f.Name)
	for pc, in := range f.Code {
		fmt.Fprintf(&sb, "\t%5d  %s\n", pc, in)
	}
	return sb.String()
}

// header describes everything but the function records.
func header(sh *backend.Shared) (*Module, error) {
	layout := sh.Layout()
	_, size := sh.Data()
	m := &Module{Name: sh.Name, Entry: NoReg}
	var err error
	if m.DataSize, err = int32Of(size); err != nil {
		return nil, diag.InternalCodegen(diag.IntLink, "data image of %d bytes", size)
	}
	idx := funcIndex(sh)
	for _, d := range sh.Funcs() {
		if d.Defined {
			if d.Name == "main" {
				m.Entry = idx[d.Name]
			}
			continue
		}
		sig, err := signature(layout, d.Params, d.Result)
		if err != nil {
			return nil, diagAt(err, &ir.Func{Name: d.Name}, nil)
		}
		m.Imports = append(m.Imports, Import{Name: backend.SymbolName(d.Name), Sig: sig})
	}
	placed, _ := sh.Data()
	image := sh.Image()
	for _, p := range placed {
		chunk := image[p.Offset : p.Offset+p.Size]
		if len(p.Global.Init) == 0 || isZero(chunk) {
			continue
		}
		off, err := int32Of(p.Offset)
		if err != nil {
			return nil, diag.InternalCodegen(diag.IntLink, "global %s at offset %d", p.Global.Name, p.Offset)
		}
		m.Data = append(m.Data, DataItem{Offset: off, Bytes: chunk})
	}
	return m, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (b *Backend) Link(_ context.Context, frags []backend.Fragment, sh *backend.Shared) ([]byte, error) {
	m, err := header(sh)
	if err != nil {
		return nil, err
	}
	byName := make(map[string][]byte, len(frags))
	for _, f := range frags {
		byName[f.Func] = f.Code
	}
	var records [][]byte
	for _, d := range sh.Funcs() {
		if !d.Defined {
			continue
		}
		code, ok := byName[d.Name]
		if !ok {
			return nil, diag.InternalCodegen(diag.IntLink, "no code for %s", d.Name)
		}
		records = append(records, code)
	}
	out, err := assemble(m, records)
	if err != nil {
		return nil, diag.InternalCodegen(diag.IntLink, "%v", err)
	}
	return out, nil
}

// Verify decodes the output, re-encodes it and requires identical bytes,
// then checks every register, jump and call reference.
func (b *Backend) Verify(_ context.Context, out []byte, sh *backend.Shared) error {
	m, err := Decode(out)
	if err != nil {
		return diag.Verification(diag.VerBytecode, err, "module %s does not decode", sh.Name)
	}
	again, err := m.EncodeToBytes()
	if err != nil {
		return diag.Verification(diag.VerBytecode, err, "module %s does not re-encode", sh.Name)
	}
	if !bytes.Equal(again, out) {
		return diag.Verification(diag.VerBytecode, nil, "module %s does not round-trip", sh.Name)
	}
	if err := m.Validate(); err != nil {
		return diag.Verification(diag.VerBytecode, err, "module %s is malformed", sh.Name)
	}
	for _, d := range sh.Funcs() {
		if !d.Defined {
			continue
		}
		if _, ok := m.FuncIndex(backend.SymbolName(d.Name)); !ok {
			e := diag.Verification(diag.VerBytecode, nil, "module is missing %s", d.Name)
			return e.InFunc(d.Name)
		}
	}
	return nil
}
