package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"

	"kiln/internal/backend"
	"kiln/internal/backend/bytecode"
	"kiln/internal/backend/wasm"
	"kiln/internal/codegen"
	"kiln/internal/config"
	"kiln/internal/ir"
	"kiln/internal/vm"
)

const (
	engineVM       = "vm"
	engineBytecode = "bytecode"
	engineWasm     = "wasm"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [file.kir]",
		Short: "Execute a module's entry function",
		Long: `Run executes the entry function with the IR interpreter (vm), or
generates code first and runs it on the bytecode machine or under wazero.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runExecution,
	}
	fs := cmd.Flags()
	addCodegenFlags(fs)
	fs.String("sample", "", "run a built-in sample module instead of a file")
	fs.String("engine", engineVM, "execution engine (vm|bytecode|wasm)")
	fs.String("entry", "main", "function to call")
	fs.Int64Slice("arg", nil, "integer arguments passed to the entry function")
	fs.Int64("step-limit", 0, "abort the vm after this many instructions (0 = unlimited)")
	return cmd
}

func runExecution(cmd *cobra.Command, args []string) error {
	fs := cmd.Flags()
	sample, _ := fs.GetString("sample")
	engine, _ := fs.GetString("engine")
	entry, _ := fs.GetString("entry")
	callArgs, _ := fs.GetInt64Slice("arg")
	stepLimit, _ := fs.GetInt64("step-limit")

	m, err := loadModule(args, sample)
	if err != nil {
		return err
	}
	f := m.Func(entry)
	if f == nil {
		return fmt.Errorf("module %s has no function %q", m.Name, entry)
	}
	if len(f.Params) != len(callArgs) {
		return fmt.Errorf("%s takes %d arguments, got %d", entry, len(f.Params), len(callArgs))
	}

	out := cmd.OutOrStdout()
	var result int64
	switch strings.ToLower(engine) {
	case engineVM:
		opts := []vm.Option{vm.WithHost("putchar", putcharHost(out))}
		if stepLimit > 0 {
			opts = append(opts, vm.WithStepLimit(stepLimit))
		}
		machine, err := vm.New(m, opts...)
		if err != nil {
			return err
		}
		result, err = machine.Call(entry, callArgs...)
		if err != nil {
			return err
		}
	case engineBytecode:
		code, err := compileFor(cmd, m, engineBytecode)
		if err != nil {
			return err
		}
		mod, err := bytecode.Decode(code)
		if err != nil {
			return err
		}
		machine, err := bytecode.NewMachine(mod, map[string]bytecode.HostFunc{"putchar": bytecode.HostFunc(putcharHost(out))})
		if err != nil {
			return err
		}
		result, err = machine.Call(entry, callArgs...)
		if err != nil {
			return err
		}
	case engineWasm:
		code, err := compileFor(cmd, m, engineWasm)
		if err != nil {
			return err
		}
		result, err = runWasm(cmd.Context(), code, f, callArgs, out)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid --engine %q (expected vm|bytecode|wasm)", engine)
	}
	fmt.Fprintf(out, "%s returned %d\n", entry, result)
	return nil
}

// compileFor generates m with the backend forced to kind.
func compileFor(cmd *cobra.Command, m *ir.Module, kind string) ([]byte, error) {
	if err := cmd.Flags().Set("backend", kind); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Emit = config.EmitObject
	gen, err := codegen.New(cfg)
	if err != nil {
		return nil, err
	}
	return gen.Generate(cmd.Context(), m)
}

// runWasm instantiates code under wazero and calls f. i32 values are sign
// extended to match the other engines.
func runWasm(ctx context.Context, code []byte, f *ir.Func, args []int64, out io.Writer) (int64, error) {
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	_, err := r.NewHostModuleBuilder(wasm.ImportModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, c int32) int32 {
			_, _ = out.Write([]byte{byte(c)})
			return c
		}).
		Export("putchar").
		Instantiate(ctx)
	if err != nil {
		return 0, err
	}
	mod, err := r.Instantiate(ctx, code)
	if err != nil {
		return 0, err
	}
	fn := mod.ExportedFunction(backend.SymbolName(f.Name))
	if fn == nil {
		return 0, fmt.Errorf("%s is not exported by the wasm module", f.Name)
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		if f.Params[i].Type.Bits <= 32 {
			raw[i] = uint64(uint32(int32(a)))
		} else {
			raw[i] = uint64(a)
		}
	}
	res, err := fn.Call(ctx, raw...)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	if f.Result.Bits <= 32 {
		return int64(int32(uint32(res[0]))), nil
	}
	return int64(res[0]), nil
}

// putcharHost writes the low byte of its argument and returns it.
func putcharHost(w io.Writer) func(args []uint64) (uint64, error) {
	return func(args []uint64) (uint64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("putchar: want 1 argument, got %d", len(args))
		}
		if _, err := w.Write([]byte{byte(args[0])}); err != nil {
			return 0, err
		}
		return args[0], nil
	}
}
