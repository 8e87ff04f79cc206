package backend

import (
	"encoding/binary"
	"slices"

	"golang.org/x/text/unicode/norm"

	"kiln/internal/callgraph"
	"kiln/internal/ir"
	"kiln/internal/target"
)

// Placed is a global with its offset in the data image.
type Placed struct {
	Global ir.Global
	Offset int64
	Size   int64
	Align  int64
}

// Shared is an immutable snapshot of module declarations built once before
// emission is partitioned across workers. Every method is safe for
// concurrent use.
type Shared struct {
	Name    string
	Opts    Options
	desc    *target.Descriptor
	layout  ir.Layout
	sigs    map[string]ir.Type
	funcs   []FuncDecl
	globals []ir.Global
	byName  map[string]int
	rec     map[string]bool
	data    []Placed
	size    int64
}

// FuncDecl is the signature view of a module function.
type FuncDecl struct {
	Name     string
	Params   []ir.Type
	Result   ir.Type
	Defined  bool
	Exported bool
}

// NewShared snapshots m for emission on desc.
func NewShared(m *ir.Module, desc *target.Descriptor, opts Options) *Shared {
	ptr := int64(8)
	if desc != nil && desc.PtrSize() > 0 {
		ptr = int64(desc.PtrSize())
	}
	sh := &Shared{
		Name:    m.Name,
		Opts:    opts,
		desc:    desc,
		layout:  ir.NewLayout(m, ptr),
		sigs:    make(map[string]ir.Type, len(m.Funcs)),
		globals: slices.Clone(m.Globals),
		byName:  make(map[string]int, len(m.Globals)),
		rec:     make(map[string]bool),
	}
	for _, f := range m.Funcs {
		sh.sigs[f.Name] = f.Signature()
		d := FuncDecl{Name: f.Name, Result: f.Result, Defined: !f.IsDeclaration, Exported: f.Exported}
		for _, p := range f.Params {
			d.Params = append(d.Params, p.Type)
		}
		sh.funcs = append(sh.funcs, d)
	}
	for i, g := range sh.globals {
		sh.byName[g.Name] = i
	}
	g := callgraph.Build(m)
	for i, r := range g.Recursive() {
		if r {
			sh.rec[g.Names[i]] = true
		}
	}
	sh.layoutData()
	return sh
}

// Target returns the descriptor emission runs for.
func (sh *Shared) Target() *target.Descriptor { return sh.desc }

// Signature implements machine.SymbolTable.
func (sh *Shared) Signature(name string) (ir.Type, bool) {
	t, ok := sh.sigs[name]
	return t, ok
}

// Global implements machine.SymbolTable.
func (sh *Shared) Global(name string) (ir.Global, bool) {
	i, ok := sh.byName[name]
	if !ok {
		return ir.Global{}, false
	}
	return sh.globals[i], true
}

// Recursive implements machine.SymbolTable.
func (sh *Shared) Recursive(name string) bool { return sh.rec[name] }

// Layout implements machine.SymbolTable.
func (sh *Shared) Layout() ir.Layout { return sh.layout }

// Funcs lists every function signature in module order.
func (sh *Shared) Funcs() []FuncDecl { return sh.funcs }

// Func looks up one function signature.
func (sh *Shared) Func(name string) (FuncDecl, bool) {
	for _, d := range sh.funcs {
		if d.Name == name {
			return d, true
		}
	}
	return FuncDecl{}, false
}

// Globals lists module globals in declaration order.
func (sh *Shared) Globals() []ir.Global { return sh.globals }

// Data returns the data image layout and its total size.
func (sh *Shared) Data() ([]Placed, int64) { return sh.data, sh.size }

// DataOffset returns the image offset of a global.
func (sh *Shared) DataOffset(name string) (int64, bool) {
	for _, p := range sh.data {
		if p.Global.Name == name {
			return p.Offset, true
		}
	}
	return 0, false
}

// dataAlign is the alignment a global gets in the data image. Word-sized
// and larger objects are at least 8-byte aligned so packed SIMD loops can
// use doubleword accesses on them.
func (sh *Shared) dataAlign(g ir.Global) int64 {
	a := sh.layout.AlignOf(g.Type)
	if sh.layout.SizeOf(g.Type) >= 8 {
		a = max(a, 8)
	}
	return max(a, 1)
}

func (sh *Shared) layoutData() {
	order := make([]int, len(sh.globals))
	for i := range order {
		order[i] = i
	}
	if sh.Opts.OptimizeLayout {
		slices.SortStableFunc(order, func(a, b int) int {
			ga, gb := sh.globals[a], sh.globals[b]
			if d := sh.dataAlign(gb) - sh.dataAlign(ga); d != 0 {
				return int(d)
			}
			return int(sh.layout.SizeOf(gb.Type) - sh.layout.SizeOf(ga.Type))
		})
	}
	off := int64(0)
	for _, i := range order {
		g := sh.globals[i]
		align := sh.dataAlign(g)
		off = (off + align - 1) / align * align
		size := sh.layout.SizeOf(g.Type)
		sh.data = append(sh.data, Placed{Global: g, Offset: off, Size: size, Align: align})
		off += size
	}
	sh.size = off
}

// ElemOf returns the element type stored by Init values of g.
func (sh *Shared) ElemOf(g ir.Global) ir.Type {
	t := sh.layout.Resolve(g.Type)
	if t.Kind == ir.TypeArray && t.Elem != nil {
		return *t.Elem
	}
	return t
}

// InitBytes renders the initial contents of g, little-endian, zero-filled.
func (sh *Shared) InitBytes(g ir.Global) []byte {
	out := make([]byte, sh.layout.SizeOf(g.Type))
	elem := sh.ElemOf(g)
	size := sh.layout.SizeOf(elem)
	if size <= 0 || size > 8 {
		return out
	}
	for i, v := range g.Init {
		off := int64(i) * size
		if off+size > int64(len(out)) {
			break
		}
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], uint64(v))
		copy(out[off:off+size], word[:size])
	}
	return out
}

// Image renders the whole data image.
func (sh *Shared) Image() []byte {
	img := make([]byte, sh.size)
	for _, p := range sh.data {
		copy(img[p.Offset:], sh.InitBytes(p.Global))
	}
	return img
}

// SymbolName is the object-level name of a module symbol: NFC-normalized
// so equal names in different encodings link together.
func SymbolName(name string) string { return norm.NFC.String(name) }
