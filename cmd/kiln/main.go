// Package main implements the kiln CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kiln/internal/diag"
	"kiln/internal/version"
)

// cli holds what outlives a single command: profiler and tracer shutdown.
type cli struct {
	cleanups []func()
	failed   bool
}

// close runs the cleanups in reverse order. RunE errors skip cobra's post
// hooks, so main calls this after Execute returns.
func (c *cli) close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

// newRootCmd wires every subcommand and the persistent flags.
func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "kiln code generator",
		Long:          `kiln optimizes IR modules and emits RISC-V objects, LLVM IR, WebAssembly or bytecode`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyColorFlag(cmd); err != nil {
				return err
			}
			stopProf, err := setupProfiling(cmd)
			if err != nil {
				return err
			}
			c.cleanups = append(c.cleanups, stopProf)
			stopTrace, err := setupTracing(cmd, c)
			if err != nil {
				return err
			}
			c.cleanups = append(c.cleanups, stopTrace)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to kiln.toml (default: search upwards from the working directory)")
	pf.String("color", "auto", "colorize output (auto|on|off)")
	pf.Bool("quiet", false, "suppress non-essential output")
	pf.String("trace", "", "trace output path (- for stderr, .ndjson for JSON lines)")
	pf.String("trace-level", "off", "trace level (off|error|phase|detail|debug); error keeps events in memory and prints them on failure")
	pf.String("trace-mode", "stream", "trace storage (stream|ring|both)")
	pf.Int("trace-ring-size", 4096, "events kept by the ring tracer")
	pf.String("cpu-profile", "", "write a CPU profile")
	pf.String("mem-profile", "", "write a heap profile on exit")
	pf.String("runtime-trace", "", "write a Go runtime trace")

	root.AddCommand(
		newBuildCmd(),
		newRunCmd(),
		newPassesCmd(),
		newSampleCmd(),
		newDumpCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	c := &cli{}
	err := newRootCmd(c).Execute()
	c.failed = err != nil
	c.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates unsupported requests from failures.
func exitCode(err error) int {
	if errors.Is(err, diag.ErrUnimplemented) {
		return 3
	}
	return 1
}

func applyColorFlag(cmd *cobra.Command) error {
	value, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch value {
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", value)
	}
	return nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
