package ir

import "fmt"

// Module is a compilation unit.
type Module struct {
	Name    string     `msgpack:"name"`
	Funcs   []*Func    `msgpack:"funcs"`
	Globals []Global   `msgpack:"globals,omitempty"`
	Types   []TypeDecl `msgpack:"types,omitempty"`
}

// Global is a module-level variable. Init holds element values in order
// (float elements as IEEE bits); missing elements are zero.
type Global struct {
	Name     string  `msgpack:"name"`
	Type     Type    `msgpack:"type"`
	Init     []int64 `msgpack:"init,omitempty"`
	Mutable  bool    `msgpack:"mut,omitempty"`
	Exported bool    `msgpack:"exp,omitempty"`
}

// Param is a function parameter bound to an SSA value.
type Param struct {
	Name  string  `msgpack:"name"`
	Type  Type    `msgpack:"type"`
	Value ValueID `msgpack:"v"`
}

// Func is a function definition or declaration.
type Func struct {
	Name          string  `msgpack:"name"`
	Params        []Param `msgpack:"params,omitempty"`
	Result        Type    `msgpack:"result"`
	IsDeclaration bool    `msgpack:"decl,omitempty"`
	Exported      bool    `msgpack:"exp,omitempty"`

	Blocks []Block `msgpack:"blocks,omitempty"`
	Entry  BlockID `msgpack:"entry"`
}

type Block struct {
	ID     BlockID    `msgpack:"id"`
	Label  string     `msgpack:"label,omitempty"`
	Instrs []Instr    `msgpack:"instrs,omitempty"`
	Term   Terminator `msgpack:"term"`
}

func (b *Block) Terminated() bool {
	if b == nil {
		return true
	}
	return b.Term.Kind != TermNone
}

// Name returns the label used in dumps and diagnostics.
func (b *Block) Name() string {
	if b.Label != "" {
		return fmt.Sprintf("bb%d.%s", b.ID, b.Label)
	}
	return fmt.Sprintf("bb%d", b.ID)
}

// Phis returns the leading phi instructions of the block.
func (b *Block) Phis() []Instr {
	n := 0
	for n < len(b.Instrs) && b.Instrs[n].Kind == InstrPhi {
		n++
	}
	return b.Instrs[:n]
}

// Func looks up a function by name.
func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f != nil && f.Name == name {
			return f
		}
	}
	return nil
}

// FuncIndex maps function names to their position in m.Funcs.
func (m *Module) FuncIndex() map[string]int {
	idx := make(map[string]int, len(m.Funcs))
	for i, f := range m.Funcs {
		if f != nil {
			idx[f.Name] = i
		}
	}
	return idx
}

// Global looks up a global by name.
func (m *Module) Global(name string) *Global {
	for i := range m.Globals {
		if m.Globals[i].Name == name {
			return &m.Globals[i]
		}
	}
	return nil
}

// Defined returns the functions that have bodies, in module order.
func (m *Module) Defined() []*Func {
	out := make([]*Func, 0, len(m.Funcs))
	for _, f := range m.Funcs {
		if f != nil && !f.IsDeclaration {
			out = append(out, f)
		}
	}
	return out
}

// Signature returns the function type of f.
func (f *Func) Signature() Type {
	params := make([]Type, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.Type
	}
	return FuncOf(f.Result, params...)
}

// InstrCount returns the number of instructions including terminators.
func (f *Func) InstrCount() int {
	n := 0
	for i := range f.Blocks {
		n += len(f.Blocks[i].Instrs) + 1
	}
	return n
}

// Block returns the block with the given id, or nil.
func (f *Func) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(f.Blocks) {
		return nil
	}
	return &f.Blocks[id]
}

// AddBlock appends an empty block and returns its id.
func (f *Func) AddBlock(label string) BlockID {
	id := BlockID(len(f.Blocks))
	f.Blocks = append(f.Blocks, Block{ID: id, Label: label})
	return id
}

// ValueTypes returns the type of every value defined in f.
func (f *Func) ValueTypes() map[ValueID]Type {
	types := make(map[ValueID]Type, len(f.Params)+f.InstrCount())
	for _, p := range f.Params {
		types[p.Value] = p.Type
	}
	for i := range f.Blocks {
		for j := range f.Blocks[i].Instrs {
			in := &f.Blocks[i].Instrs[j]
			if in.Dst != NoValueID {
				types[in.Dst] = in.Type
			}
		}
	}
	return types
}

// Defs maps every defined value to its (block, index) position; params map
// to block NoBlockID.
func (f *Func) Defs() map[ValueID]InstrRef {
	defs := make(map[ValueID]InstrRef, f.InstrCount())
	for _, p := range f.Params {
		defs[p.Value] = InstrRef{Block: NoBlockID, Index: -1}
	}
	for i := range f.Blocks {
		for j := range f.Blocks[i].Instrs {
			if d := f.Blocks[i].Instrs[j].Dst; d != NoValueID {
				defs[d] = InstrRef{Block: BlockID(i), Index: j}
			}
		}
	}
	return defs
}

// InstrRef locates an instruction.
type InstrRef struct {
	Block BlockID
	Index int
}

// UseCounts counts how often each value is read, terminators included.
func (f *Func) UseCounts() map[ValueID]int {
	uses := make(map[ValueID]int)
	for i := range f.Blocks {
		b := &f.Blocks[i]
		for j := range b.Instrs {
			for _, u := range b.Instrs[j].Uses() {
				uses[u]++
			}
		}
		for _, u := range b.Term.Uses() {
			uses[u]++
		}
	}
	return uses
}

// ReplaceAllUses rewrites every read of from into to.
func (f *Func) ReplaceAllUses(from, to ValueID) {
	if from == to {
		return
	}
	rename := func(v ValueID) ValueID {
		if v == from {
			return to
		}
		return v
	}
	for i := range f.Blocks {
		b := &f.Blocks[i]
		for j := range b.Instrs {
			b.Instrs[j].MapUses(rename)
		}
		b.Term.MapUses(rename)
	}
}

// ValueAlloc hands out fresh value ids for a function.
type ValueAlloc struct {
	next ValueID
}

// NewValueAlloc starts allocating after the highest id used in f.
func NewValueAlloc(f *Func) *ValueAlloc {
	return &ValueAlloc{next: f.MaxValue() + 1}
}

// Next returns a fresh id.
func (a *ValueAlloc) Next() ValueID {
	id := a.next
	a.next++
	return id
}

// MaxValue returns the highest value id defined in f, or -1.
func (f *Func) MaxValue() ValueID {
	hi := NoValueID
	for _, p := range f.Params {
		hi = max(hi, p.Value)
	}
	for i := range f.Blocks {
		for j := range f.Blocks[i].Instrs {
			hi = max(hi, f.Blocks[i].Instrs[j].Dst)
		}
	}
	return hi
}
