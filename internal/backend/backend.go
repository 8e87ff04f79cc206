// Package backend defines what every emission backend provides and the
// read-only declaration tables shared by concurrent emission workers.
package backend

import (
	"context"
	"strings"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
)

// Kind names an output backend.
type Kind string

const (
	KindNative   Kind = "native"
	KindLLVM     Kind = "llvm"
	KindWasm     Kind = "wasm"
	KindJIT      Kind = "jit"
	KindBytecode Kind = "bytecode"
)

// Kinds lists every backend kind, implemented or not.
func Kinds() []Kind {
	return []Kind{KindNative, KindLLVM, KindWasm, KindJIT, KindBytecode}
}

// ParseKind maps a config or flag value onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNative, KindLLVM, KindWasm, KindJIT, KindBytecode:
		return k, nil
	case "", "obj", "object":
		return KindNative, nil
	case "ll":
		return KindLLVM, nil
	case "kbc":
		return KindBytecode, nil
	}
	return "", diag.Unimplemented(diag.UnsupBackend, "unknown backend %q", s)
}

// Ext is the conventional file extension of the backend's output.
func (k Kind) Ext(asm bool) string {
	switch k {
	case KindNative:
		if asm {
			return ".s"
		}
		return ".o"
	case KindLLVM:
		return ".ll"
	case KindWasm:
		return ".wasm"
	case KindBytecode:
		return ".kbc"
	}
	return ".out"
}

// Options are the emission settings every backend receives.
type Options struct {
	Level          int  // target optimization level 0-3
	Asm            bool // native: write assembly text instead of an object
	Split          bool // native: one .text.<name> section per function
	OptimizeLayout bool // order globals by descending alignment, then size
}

// Fragment is the emitted form of one function. Backends fill the fields
// they use; Link consumes fragments in module order.
type Fragment struct {
	Func     string
	Exported bool
	Code     []byte
	Text     string
	Relocs   []machine.Reloc
	Stats    machine.FuncStats
}

// Backend emits functions independently and links them into one output.
type Backend interface {
	Kind() Kind
	// EmitFunc lowers one defined function. It is called from several
	// goroutines at once and must only read sh.
	EmitFunc(ctx context.Context, f *ir.Func, sh *Shared) (Fragment, error)
	// Link lays out global data and assembles the fragments.
	Link(ctx context.Context, frags []Fragment, sh *Shared) ([]byte, error)
	// Verify re-reads a linked output with an independent checker.
	Verify(ctx context.Context, out []byte, sh *Shared) error
}
