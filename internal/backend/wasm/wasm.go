// Package wasm emits WebAssembly 1.0 binary modules with a linear-memory
// data image and a shadow stack for allocas.
package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
)

// ImportModule is the module name declarations are imported from.
const ImportModule = "env"

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Kind() backend.Kind { return backend.KindWasm }

// EmitFunc produces the code-section body of f: its local declarations
// followed by the instruction stream.
func (b *Backend) EmitFunc(_ context.Context, f *ir.Func, sh *backend.Shared) (backend.Fragment, error) {
	if f.IsDeclaration || len(f.Blocks) == 0 {
		return backend.Fragment{}, diag.IRInvariant(diag.IREmptyBody, "function %s has no body", f.Name).InFunc(f.Name)
	}
	fe := newFuncEmitter(sh, f)
	body, err := fe.emitFunction()
	if err != nil {
		return backend.Fragment{}, diagAt(err, f, nil)
	}
	return backend.Fragment{
		Func:     f.Name,
		Exported: f.Exported,
		Code:     body,
		Stats:    machine.FuncStats{Insts: fe.insts},
	}, nil
}

// memoryTop is the initial stack pointer: the end of the data image plus
// the stack, aligned.
func memoryTop(sh *backend.Shared) int64 {
	_, size := sh.Data()
	end := (dataBase + size + stackAlign - 1) / stackAlign * stackAlign
	return end + stackSize
}

func (b *Backend) Link(_ context.Context, frags []backend.Fragment, sh *backend.Shared) ([]byte, error) {
	byName := make(map[string]backend.Fragment, len(frags))
	for _, f := range frags {
		byName[f.Func] = f
	}
	layout := sh.Layout()
	mb := &ModuleBuilder{}

	for _, d := range sh.Funcs() {
		if d.Defined {
			continue
		}
		params, results, err := signature(layout, d.Params, d.Result)
		if err != nil {
			return nil, diagAt(err, &ir.Func{Name: d.Name}, nil)
		}
		mb.addImportFunc(ImportModule, backend.SymbolName(d.Name), mb.addType(params, results))
	}
	for _, d := range sh.Funcs() {
		if !d.Defined {
			continue
		}
		frag, ok := byName[d.Name]
		if !ok {
			return nil, diag.InternalCodegen(diag.IntLink, "no code for %s", d.Name)
		}
		params, results, err := signature(layout, d.Params, d.Result)
		if err != nil {
			return nil, diagAt(err, &ir.Func{Name: d.Name}, nil)
		}
		idx := mb.addFunction(mb.addType(params, results), frag.Code)
		if d.Exported || d.Name == "main" {
			mb.addExport(backend.SymbolName(d.Name), exportKindFunc, idx)
		}
	}

	top := memoryTop(sh)
	mb.memoryMin = uint32((top + pageSize - 1) / pageSize)
	mb.addExport("memory", exportKindMem, 0)
	mb.addGlobal(valTypeI32, true, append([]byte{opcodeI32Const}, encodeS32(int32(top))...))
	mb.addData(dataBase, sh.Image())
	return mb.emit(), nil
}

// Verify compiles the module with wazero, which validates every function
// body, then checks that each defined export is present.
func (b *Backend) Verify(ctx context.Context, out []byte, sh *backend.Shared) error {
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	cm, err := r.CompileModule(ctx, out)
	if err != nil {
		return diag.Verification(diag.VerWasm, err, "module %s does not validate", sh.Name)
	}
	exports := cm.ExportedFunctions()
	for _, d := range sh.Funcs() {
		if !d.Defined || !(d.Exported || d.Name == "main") {
			continue
		}
		if _, ok := exports[backend.SymbolName(d.Name)]; !ok {
			return diag.Verification(diag.VerWasm, nil, "module does not export %s", d.Name)
		}
	}
	return nil
}
