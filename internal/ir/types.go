package ir

import (
	"fmt"
	"strings"
)

// ValueID identifies an SSA value within a function.
type ValueID int32

// BlockID identifies a block within a function; it equals the block's index.
type BlockID int32

const (
	// NoValueID marks an absent value (void call result, store).
	NoValueID ValueID = -1
	// NoBlockID marks an absent block reference.
	NoBlockID BlockID = -1
)

// TypeKind enumerates IR type shapes.
type TypeKind uint8

const (
	TypeVoid TypeKind = iota
	TypeInt
	TypeFloat
	TypePtr
	TypeArray
	TypeStruct
	TypeFunc
	TypeNamed
)

// Type is a structural IR type. Pointers are opaque; the pointee is carried
// by the instruction that dereferences them.
type Type struct {
	Kind   TypeKind `msgpack:"k"`
	Bits   uint8    `msgpack:"b,omitempty"` // int / float width
	Len    int64    `msgpack:"n,omitempty"` // array length
	Elem   *Type    `msgpack:"e,omitempty"` // array element
	Fields []Type   `msgpack:"f,omitempty"` // struct fields, func params
	Result *Type    `msgpack:"r,omitempty"` // func result
	Name   string   `msgpack:"s,omitempty"` // named reference into Module.Types
}

var (
	Void = Type{Kind: TypeVoid}
	I1   = Type{Kind: TypeInt, Bits: 1}
	I8   = Type{Kind: TypeInt, Bits: 8}
	I16  = Type{Kind: TypeInt, Bits: 16}
	I32  = Type{Kind: TypeInt, Bits: 32}
	I64  = Type{Kind: TypeInt, Bits: 64}
	F32  = Type{Kind: TypeFloat, Bits: 32}
	F64  = Type{Kind: TypeFloat, Bits: 64}
	Ptr  = Type{Kind: TypePtr}
)

// Int returns the integer type of the given width.
func Int(bits uint8) Type { return Type{Kind: TypeInt, Bits: bits} }

// ArrayOf returns an array type.
func ArrayOf(elem Type, n int64) Type {
	e := elem
	return Type{Kind: TypeArray, Elem: &e, Len: n}
}

// StructOf returns a struct type.
func StructOf(fields ...Type) Type {
	return Type{Kind: TypeStruct, Fields: append([]Type(nil), fields...)}
}

// FuncOf returns a function type.
func FuncOf(result Type, params ...Type) Type {
	r := result
	return Type{Kind: TypeFunc, Fields: append([]Type(nil), params...), Result: &r}
}

// Named returns a reference to a type declared in the module.
func Named(name string) Type { return Type{Kind: TypeNamed, Name: name} }

func (t Type) IsVoid() bool  { return t.Kind == TypeVoid }
func (t Type) IsInt() bool   { return t.Kind == TypeInt }
func (t Type) IsFloat() bool { return t.Kind == TypeFloat }
func (t Type) IsPtr() bool   { return t.Kind == TypePtr }

// IsScalar reports whether values of t fit in one register.
func (t Type) IsScalar() bool {
	return t.Kind == TypeInt || t.Kind == TypeFloat || t.Kind == TypePtr
}

// Equal compares two types structurally.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Bits != o.Bits || t.Len != o.Len || t.Name != o.Name {
		return false
	}
	if (t.Elem == nil) != (o.Elem == nil) || (t.Result == nil) != (o.Result == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(*o.Elem) {
		return false
	}
	if t.Result != nil && !t.Result.Equal(*o.Result) {
		return false
	}
	if len(t.Fields) != len(o.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equal(o.Fields[i]) {
			return false
		}
	}
	return true
}

func (t Type) String() string {
	switch t.Kind {
	case TypeVoid:
		return "void"
	case TypeInt:
		return fmt.Sprintf("i%d", t.Bits)
	case TypeFloat:
		return fmt.Sprintf("f%d", t.Bits)
	case TypePtr:
		return "ptr"
	case TypeArray:
		if t.Elem == nil {
			return fmt.Sprintf("[%d x ?]", t.Len)
		}
		return fmt.Sprintf("[%d x %s]", t.Len, t.Elem.String())
	case TypeStruct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case TypeFunc:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.String()
		}
		res := "void"
		if t.Result != nil {
			res = t.Result.String()
		}
		return "fn(" + strings.Join(parts, ", ") + ") -> " + res
	case TypeNamed:
		return "%" + t.Name
	}
	return "?"
}

// TypeDecl is a named struct, array or function type.
type TypeDecl struct {
	Name string `msgpack:"name"`
	Type Type   `msgpack:"type"`
}

// Layout computes sizes and alignments for a given pointer width.
type Layout struct {
	PtrSize int64
	types   map[string]Type
}

// NewLayout builds a layout that resolves the module's named types.
func NewLayout(m *Module, ptrSize int64) Layout {
	l := Layout{PtrSize: ptrSize, types: make(map[string]Type)}
	if m != nil {
		for _, d := range m.Types {
			l.types[d.Name] = d.Type
		}
	}
	return l
}

// Resolve follows named references.
func (l Layout) Resolve(t Type) Type {
	for depth := 0; t.Kind == TypeNamed && depth < 64; depth++ {
		r, ok := l.types[t.Name]
		if !ok {
			return t
		}
		t = r
	}
	return t
}

// SizeOf returns the store size of t in bytes.
func (l Layout) SizeOf(t Type) int64 {
	t = l.Resolve(t)
	switch t.Kind {
	case TypeInt, TypeFloat:
		if t.Bits <= 8 {
			return 1
		}
		return int64(t.Bits) / 8
	case TypePtr, TypeFunc:
		return l.PtrSize
	case TypeArray:
		if t.Elem == nil {
			return 0
		}
		return t.Len * l.SizeOf(*t.Elem)
	case TypeStruct:
		var off int64
		for _, f := range t.Fields {
			off = alignTo(off, l.AlignOf(f))
			off += l.SizeOf(f)
		}
		return alignTo(off, l.AlignOf(t))
	}
	return 0
}

// AlignOf returns the ABI alignment of t in bytes.
func (l Layout) AlignOf(t Type) int64 {
	t = l.Resolve(t)
	switch t.Kind {
	case TypeArray:
		if t.Elem == nil {
			return 1
		}
		return l.AlignOf(*t.Elem)
	case TypeStruct:
		a := int64(1)
		for _, f := range t.Fields {
			a = max(a, l.AlignOf(f))
		}
		return a
	case TypeVoid, TypeNamed:
		return 1
	}
	return max(l.SizeOf(t), 1)
}

// FieldOffset returns the byte offset of field i of struct t.
func (l Layout) FieldOffset(t Type, i int) int64 {
	t = l.Resolve(t)
	if t.Kind != TypeStruct || i < 0 || i >= len(t.Fields) {
		return 0
	}
	var off int64
	for j, f := range t.Fields {
		off = alignTo(off, l.AlignOf(f))
		if j == i {
			return off
		}
		off += l.SizeOf(f)
	}
	return off
}

func alignTo(n, a int64) int64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
