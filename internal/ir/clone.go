package ir

// CloneModule returns a deep copy of m.
func CloneModule(m *Module) *Module {
	if m == nil {
		return nil
	}
	c := &Module{
		Name:    m.Name,
		Funcs:   make([]*Func, len(m.Funcs)),
		Globals: make([]Global, len(m.Globals)),
		Types:   make([]TypeDecl, len(m.Types)),
	}
	for i, f := range m.Funcs {
		c.Funcs[i] = CloneFunc(f)
	}
	for i, g := range m.Globals {
		g.Type = cloneType(g.Type)
		g.Init = append([]int64(nil), g.Init...)
		c.Globals[i] = g
	}
	for i, d := range m.Types {
		c.Types[i] = TypeDecl{Name: d.Name, Type: cloneType(d.Type)}
	}
	return c
}

// CloneFunc returns a deep copy of f.
func CloneFunc(f *Func) *Func {
	if f == nil {
		return nil
	}
	c := *f
	c.Result = cloneType(f.Result)
	c.Params = make([]Param, len(f.Params))
	for i, p := range f.Params {
		p.Type = cloneType(p.Type)
		c.Params[i] = p
	}
	c.Blocks = make([]Block, len(f.Blocks))
	for i := range f.Blocks {
		c.Blocks[i] = CloneBlock(&f.Blocks[i])
	}
	return &c
}

// CloneBlock returns a deep copy of b.
func CloneBlock(b *Block) Block {
	c := Block{ID: b.ID, Label: b.Label, Term: b.Term.Clone()}
	if b.Instrs != nil {
		c.Instrs = make([]Instr, len(b.Instrs))
		for i := range b.Instrs {
			c.Instrs[i] = b.Instrs[i].Clone()
		}
	}
	return c
}
