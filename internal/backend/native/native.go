// Package native emits RISC-V machine code as an ELF relocatable object or
// as GNU assembler text.
package native

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
)

// Backend lowers through the target optimizer.
type Backend struct {
	opt *machine.Optimizer
}

func New(opt *machine.Optimizer) *Backend { return &Backend{opt: opt} }

func (b *Backend) Kind() backend.Kind { return backend.KindNative }

func (b *Backend) EmitFunc(ctx context.Context, f *ir.Func, sh *backend.Shared) (backend.Fragment, error) {
	mf, err := b.opt.OptimizeFunction(ctx, f, sh.Opts.Level, sh)
	if err != nil {
		return backend.Fragment{}, err
	}
	frag := backend.Fragment{Func: f.Name, Exported: f.Exported, Stats: mf.Stats}
	if sh.Opts.Asm {
		var sb strings.Builder
		if err := machine.WriteAsm(&sb, mf); err != nil {
			return backend.Fragment{}, diag.InternalCodegen(diag.IntLowering, "assembly for %s: %v", f.Name, err).InFunc(f.Name)
		}
		frag.Text = sb.String()
		return frag, nil
	}
	code, relocs, err := machine.Encode(mf)
	if err != nil {
		return backend.Fragment{}, err
	}
	frag.Code, frag.Relocs = code, relocs
	return frag, nil
}

func (b *Backend) Link(_ context.Context, frags []backend.Fragment, sh *backend.Shared) ([]byte, error) {
	if sh.Opts.Asm {
		return linkAsm(frags, sh), nil
	}
	return writeObject(frags, sh)
}

func linkAsm(frags []backend.Fragment, sh *backend.Shared) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\t.file \"%s\"\n", sh.Name)
	if d := sh.Target(); d != nil {
		fmt.Fprintf(&sb, "\t.attribute arch, \"%s\"\n", strings.ToLower(d.Extensions().String()))
	}
	for _, f := range frags {
		sb.WriteString(f.Text)
	}
	placed, size := sh.Data()
	if size == 0 {
		return []byte(sb.String())
	}
	sb.WriteString("\t.data\n")
	off := int64(0)
	for _, p := range placed {
		if p.Offset > off {
			fmt.Fprintf(&sb, "\t.zero %d\n", p.Offset-off)
		}
		name := backend.SymbolName(p.Global.Name)
		if p.Global.Exported {
			fmt.Fprintf(&sb, "\t.globl %s\n", name)
		}
		fmt.Fprintf(&sb, "\t.type %s,@object\n\t.size %s, %d\n%s:\n", name, name, p.Size, name)
		writeBytes(&sb, sh.InitBytes(p.Global))
		off = p.Offset + p.Size
	}
	return []byte(sb.String())
}

func writeBytes(sb *strings.Builder, data []byte) {
	if len(data) == 0 {
		return
	}
	if bytes.Count(data, []byte{0}) == len(data) {
		fmt.Fprintf(sb, "\t.zero %d\n", len(data))
		return
	}
	for i := 0; i < len(data); i += 16 {
		row := data[i:min(i+16, len(data))]
		parts := make([]string, len(row))
		for j, v := range row {
			parts[j] = fmt.Sprintf("0x%02x", v)
		}
		fmt.Fprintf(sb, "\t.byte %s\n", strings.Join(parts, ","))
	}
}

// Verify re-reads the object with debug/elf and decodes every instruction
// word. Assembly output is checked for one label per defined function.
func (b *Backend) Verify(_ context.Context, out []byte, sh *backend.Shared) error {
	if sh.Opts.Asm {
		text := string(out)
		for _, d := range sh.Funcs() {
			if d.Defined && !strings.Contains(text, "\n"+backend.SymbolName(d.Name)+":\n") {
				return diag.Verification(diag.VerObject, nil, "assembly is missing function %s", d.Name)
			}
		}
		return nil
	}
	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		return diag.Verification(diag.VerObject, err, "object does not parse")
	}
	defer f.Close()
	if f.Machine != elf.EM_RISCV || f.Class != elf.ELFCLASS64 || f.Type != elf.ET_REL {
		return diag.Verification(diag.VerObject, nil, "unexpected header %s/%s/%s", f.Machine, f.Class, f.Type)
	}
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		code, err := s.Data()
		if err != nil {
			return diag.Verification(diag.VerObject, err, "section %s", s.Name)
		}
		if len(code)%4 != 0 {
			return diag.Verification(diag.VerEncoding, nil, "section %s is %d bytes, not word aligned", s.Name, len(code))
		}
		for off := 0; off < len(code); off += 4 {
			if _, err := machine.Decode(binary.LittleEndian.Uint32(code[off:])); err != nil {
				return diag.Verification(diag.VerEncoding, err, "%s+%#x", s.Name, off)
			}
		}
	}
	syms, err := f.Symbols()
	if err != nil {
		return diag.Verification(diag.VerObject, err, "symbol table")
	}
	defined := make(map[string]bool, len(syms))
	for _, s := range syms {
		if s.Section != elf.SHN_UNDEF && elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			defined[s.Name] = true
		}
	}
	for _, d := range sh.Funcs() {
		if d.Defined && !defined[backend.SymbolName(d.Name)] {
			return diag.Verification(diag.VerObject, nil, "object is missing function %s", d.Name)
		}
	}
	return nil
}
