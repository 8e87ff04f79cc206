package native

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"

	"fortio.org/safecast"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/machine"
	"kiln/internal/target"
)

// RISC-V e_flags float ABI bits.
const (
	efFloatSingle = 0x2
	efFloatDouble = 0x4
)

type strtab struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{idx: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if i, ok := t.idx[s]; ok {
		return i
	}
	i := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.idx[s] = i
	return i
}

type section struct {
	name  string
	hdr   elf.Section64
	data  []byte
	index int
}

type objSymbol struct {
	name  string
	bind  elf.SymBind
	typ   elf.SymType
	shndx int
	value uint64
	size  uint64
	index int
}

// object accumulates sections and symbols of one relocatable ELF file.
type object struct {
	sections []*section
	locals   []*objSymbol
	globals  []*objSymbol
	byName   map[string]*objSymbol
}

func newObject() *object {
	o := &object{byName: make(map[string]*objSymbol)}
	o.sections = append(o.sections, &section{})
	return o
}

func (o *object) addSection(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) *section {
	s := &section{name: name, data: data, index: len(o.sections)}
	s.hdr.Type = uint32(typ)
	s.hdr.Flags = uint64(flags)
	s.hdr.Addralign = align
	o.sections = append(o.sections, s)
	return s
}

func (o *object) symbol(name string, bind elf.SymBind, typ elf.SymType, shndx int, value, size uint64) *objSymbol {
	if s, ok := o.byName[name]; ok {
		if shndx != int(elf.SHN_UNDEF) {
			s.bind, s.typ, s.shndx, s.value, s.size = bind, typ, shndx, value, size
		}
		return s
	}
	s := &objSymbol{name: name, bind: bind, typ: typ, shndx: shndx, value: value, size: size}
	o.byName[name] = s
	return s
}

// label adds an anonymous local label, as used by pcrel_lo relocations.
func (o *object) label(name string, shndx int, value uint64) *objSymbol {
	s := &objSymbol{name: name, bind: elf.STB_LOCAL, typ: elf.STT_NOTYPE, shndx: shndx, value: value}
	o.locals = append(o.locals, s)
	return s
}

func (o *object) finishSymbols() {
	names := make([]string, 0, len(o.byName))
	for n := range o.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		s := o.byName[n]
		if s.bind == elf.STB_LOCAL {
			o.locals = append(o.locals, s)
		} else {
			o.globals = append(o.globals, s)
		}
	}
	for i, s := range o.locals {
		s.index = i + 1
	}
	for i, s := range o.globals {
		s.index = len(o.locals) + 1 + i
	}
}

type textSection struct {
	sec    *section
	relocs []relocEntry
}

type relocEntry struct {
	off    uint64
	kind   machine.RelocKind
	sym    *objSymbol
	addend int64
}

// writeObject lays out fragments and the data image as an ELF64 RISC-V
// relocatable object.
func writeObject(frags []backend.Fragment, sh *backend.Shared) ([]byte, error) {
	o := newObject()
	var texts []*textSection
	textFor := func(name string) *textSection {
		if len(texts) > 0 && !sh.Opts.Split {
			return texts[0]
		}
		secName := ".text"
		if sh.Opts.Split {
			secName = ".text." + name
		}
		t := &textSection{sec: o.addSection(secName, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, nil)}
		texts = append(texts, t)
		return t
	}

	placed, size := sh.Data()
	var data *section
	if size > 0 {
		align := uint64(8)
		for _, p := range placed {
			align = max(align, uint64(p.Align))
		}
		data = o.addSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, align, sh.Image())
		for _, p := range placed {
			bind := elf.STB_LOCAL
			if p.Global.Exported {
				bind = elf.STB_GLOBAL
			}
			o.symbol(backend.SymbolName(p.Global.Name), bind, elf.STT_OBJECT, data.index, uint64(p.Offset), uint64(p.Size))
		}
	}

	type pending struct {
		text *textSection
		base uint64
		frag *backend.Fragment
	}
	var work []pending
	for i := range frags {
		f := &frags[i]
		t := textFor(f.Func)
		base := uint64(len(t.sec.data))
		t.sec.data = append(t.sec.data, f.Code...)
		bind := elf.STB_LOCAL
		if f.Exported || f.Func == "main" {
			bind = elf.STB_GLOBAL
		}
		o.symbol(backend.SymbolName(f.Func), bind, elf.STT_FUNC, t.sec.index, base, uint64(len(f.Code)))
		work = append(work, pending{text: t, base: base, frag: f})
	}

	nlabel := 0
	for _, w := range work {
		for _, r := range w.frag.Relocs {
			entry := relocEntry{off: w.base + r.Offset, kind: r.Kind, addend: r.Addend}
			switch r.Kind {
			case machine.RelocPCRelLo12I:
				entry.sym = o.label(fmt.Sprintf(".Lpcrel_hi%d", nlabel), w.text.sec.index, w.base+r.HiOffset)
				entry.addend = 0
				nlabel++
			default:
				entry.sym = o.symbol(backend.SymbolName(r.Sym), elf.STB_GLOBAL, elf.STT_NOTYPE, int(elf.SHN_UNDEF), 0, 0)
			}
			w.text.relocs = append(w.text.relocs, entry)
		}
	}
	o.finishSymbols()

	symtab := o.addSection(".symtab", elf.SHT_SYMTAB, 0, 8, nil)
	strs := newStrtab()
	var symBuf bytes.Buffer
	_ = binary.Write(&symBuf, binary.LittleEndian, elf.Sym64{})
	for _, s := range append(append([]*objSymbol(nil), o.locals...), o.globals...) {
		shndx, err := safecast.Conv[uint16](s.shndx)
		if err != nil {
			return nil, diag.InternalCodegen(diag.IntLink, "section index of %s: %v", s.name, err)
		}
		_ = binary.Write(&symBuf, binary.LittleEndian, elf.Sym64{
			Name:  strs.add(s.name),
			Info:  elf.ST_INFO(s.bind, s.typ),
			Shndx: shndx,
			Value: s.value,
			Size:  s.size,
		})
	}
	symtab.data = symBuf.Bytes()
	symtab.hdr.Entsize = 24
	symtab.hdr.Info = uint32(len(o.locals) + 1)

	for _, t := range texts {
		if len(t.relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, r := range t.relocs {
			_ = binary.Write(&buf, binary.LittleEndian, elf.Rela64{
				Off:    r.off,
				Info:   elf.R_INFO(uint32(r.sym.index), uint32(r.kind)),
				Addend: r.addend,
			})
		}
		rela := o.addSection(".rela"+t.sec.name, elf.SHT_RELA, elf.SHF_INFO_LINK, 8, buf.Bytes())
		rela.hdr.Entsize = 24
		rela.hdr.Link = uint32(symtab.index)
		rela.hdr.Info = uint32(t.sec.index)
	}
	strtabSec := o.addSection(".strtab", elf.SHT_STRTAB, 0, 1, nil)
	strtabSec.data = strs.buf.Bytes()
	symtab.hdr.Link = uint32(strtabSec.index)
	shstr := newStrtab()
	shstrSec := o.addSection(".shstrtab", elf.SHT_STRTAB, 0, 1, nil)
	for _, s := range o.sections[1:] {
		s.hdr.Name = shstr.add(s.name)
	}
	shstrSec.data = shstr.buf.Bytes()

	return o.bytes(sh, shstrSec.index)
}

func (o *object) bytes(sh *backend.Shared, shstrndx int) ([]byte, error) {
	var out bytes.Buffer
	out.Write(make([]byte, 64))
	for _, s := range o.sections[1:] {
		align := int(max(s.hdr.Addralign, 1))
		for out.Len()%align != 0 {
			out.WriteByte(0)
		}
		s.hdr.Off = uint64(out.Len())
		s.hdr.Size = uint64(len(s.data))
		out.Write(s.data)
	}
	for out.Len()%8 != 0 {
		out.WriteByte(0)
	}
	shoff := uint64(out.Len())
	for _, s := range o.sections {
		_ = binary.Write(&out, binary.LittleEndian, s.hdr)
	}

	var flags uint32
	if d := sh.Target(); d != nil {
		switch {
		case d.Has(target.ExtD):
			flags |= efFloatDouble
		case d.Has(target.ExtF):
			flags |= efFloatSingle
		}
	}
	shnum, err := safecast.Conv[uint16](len(o.sections))
	if err != nil {
		return nil, diag.InternalCodegen(diag.IntLink, "too many sections: %v", err)
	}
	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Flags:     flags,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     shnum,
		Shstrndx:  uint16(shstrndx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	img := out.Bytes()
	var h bytes.Buffer
	_ = binary.Write(&h, binary.LittleEndian, hdr)
	copy(img, h.Bytes())
	return img, nil
}
