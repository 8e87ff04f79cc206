package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/backend"
	"kiln/internal/codegen"
	"kiln/internal/config"
	"kiln/internal/ir"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [flags] [file.kir]",
		Short: "Optimize a module and emit code for the configured backend",
		Long: `Build reads an IR module, runs the configured pass pipeline and emits
an object file, assembly, LLVM IR, WebAssembly or bytecode. Settings come
from kiln.toml, then KILN_* variables, then flags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: buildExecution,
	}
	fs := cmd.Flags()
	addCodegenFlags(fs)
	fs.String("sample", "", "build a built-in sample module instead of a file")
	fs.StringP("output", "o", "", "output path (default: <module><ext>)")
	fs.String("emit", "", "native output form (obj|asm)")
	fs.String("emit-ir", "", "also write the optimized IR as text to this path")
	fs.Bool("stats", false, "print code generation statistics")
	fs.String("stats-format", "text", "statistics format (text|json|yaml|msgpack)")
	fs.String("stats-out", "", "write statistics to this path instead of stderr")
	mode := uiModeAuto
	fs.Var(&mode, "ui", "progress UI")
	return cmd
}

func buildExecution(cmd *cobra.Command, args []string) error {
	fs := cmd.Flags()
	sample, _ := fs.GetString("sample")
	output, _ := fs.GetString("output")
	emit, _ := fs.GetString("emit")
	emitIR, _ := fs.GetString("emit-ir")
	showStats, _ := fs.GetBool("stats")
	statsFormatValue, _ := fs.GetString("stats-format")
	statsOut, _ := fs.GetString("stats-out")
	mode := uiModeAuto
	if f := fs.Lookup("ui"); f != nil {
		mode = *f.Value.(*uiMode)
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}

	statsFormat, err := codegen.ParseReportFormat(statsFormatValue)
	if err != nil {
		return err
	}
	m, err := loadModule(args, sample)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if emit != "" {
		cfg.Emit = emit
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	gen, out, err := generate(cmd.Context(), cfg, m, !quiet && mode.enabled())
	if err != nil {
		if gen != nil {
			return fmt.Errorf("%w (stopped in %s)", err, gen.Phase())
		}
		return err
	}

	kind := gen.Kind()
	if output == "" {
		output = outputNameFor(m, kind, cfg.Emit == config.EmitAsm)
	}
	if err := codegen.WriteOutput(output, out); err != nil {
		return err
	}
	if emitIR != "" {
		if err := codegen.WriteOutput(emitIR, []byte(ir.ModuleString(gen.Optimized()))); err != nil {
			return err
		}
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %s)\n", output, len(out), describeOutput(kind, cfg))
	}

	if showStats || statsOut != "" {
		stats := gen.Stats()
		w := cmd.ErrOrStderr()
		if statsOut != "" {
			f, err := os.Create(statsOut)
			if err != nil {
				return fmt.Errorf("create stats output: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := codegen.WriteReport(w, &stats, statsFormat); err != nil {
			return fmt.Errorf("write stats: %w", err)
		}
	}
	return nil
}

func describeOutput(kind backend.Kind, cfg config.Config) string {
	if kind == backend.KindNative {
		return fmt.Sprintf("%s %s", cfg.Target.Triple, cfg.Emit)
	}
	return string(kind)
}
