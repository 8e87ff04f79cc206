package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"kiln/internal/ir"
	"kiln/internal/opt"
	"kiln/internal/samples"
	"kiln/internal/target"
)

func newPassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passes",
		Short: "List IR passes and the pipeline the configuration selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pipeline, err := configuredManager(cfg.Opt.Level, cfg.Opt.Profile, cfg.Target.Triple, cfg.Opt.CustomPasses, cfg.Opt.InlineThreshold)
			if err != nil {
				return err
			}
			selected := make(map[string]bool)
			for _, name := range pipeline.Passes() {
				selected[name] = true
			}

			out := cmd.OutOrStdout()
			width := 0
			for _, name := range opt.Registered() {
				width = max(width, runewidth.StringWidth(name))
			}
			mark := color.New(color.FgGreen, color.Bold)
			for _, name := range opt.Registered() {
				p, _ := opt.Lookup(name)
				m := " "
				if selected[name] {
					m = mark.Sprint("*")
				}
				fmt.Fprintf(out, "%s %s  %s\n", m, runewidth.FillRight(name, width), p.Desc)
			}
			fmt.Fprintf(out, "\npipeline (%s, %s): %s\n", cfg.Opt.Level, cfg.Opt.Profile, strings.Join(pipeline.Passes(), " -> "))
			return nil
		},
	}
	addCodegenFlags(cmd.Flags())
	return cmd
}

// configuredManager builds a pass manager the way code generation does.
func configuredManager(levelName, profileName, triple string, custom []string, inline int) (*opt.Manager, error) {
	level, err := opt.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	profile, err := opt.ParseProfile(profileName)
	if err != nil {
		return nil, err
	}
	t, err := target.ParseTriple(triple)
	if err != nil {
		return nil, err
	}
	mgr := opt.NewManager(opt.WithCustomPasses(custom...), opt.WithInlineThreshold(inline))
	if err := mgr.Configure(level, profile, t.Arch); err != nil {
		return nil, err
	}
	return mgr, nil
}

func newSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample [name]",
		Short: "Write a built-in sample module as a .kir file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range samples.Names() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			m, err := loadModule(nil, args[0])
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("output")
			if path == "" {
				path = args[0] + ".kir"
			}
			if err := ir.WriteFile(path, m); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output path (default: <name>.kir)")
	return cmd
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [flags] [file.kir]",
		Short: "Print a module as text, optionally after the IR pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, _ := cmd.Flags().GetString("sample")
			optimize, _ := cmd.Flags().GetBool("optimize")
			m, err := loadModule(args, sample)
			if err != nil {
				return err
			}
			if err := ir.Validate(m); err != nil {
				return err
			}
			if optimize {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				mgr, err := configuredManager(cfg.Opt.Level, cfg.Opt.Profile, cfg.Target.Triple, cfg.Opt.CustomPasses, cfg.Opt.InlineThreshold)
				if err != nil {
					return err
				}
				if m, err = mgr.Run(cmd.Context(), m); err != nil {
					return err
				}
			}
			return ir.Dump(cmd.OutOrStdout(), m)
		},
	}
	fs := cmd.Flags()
	addCodegenFlags(fs)
	fs.String("sample", "", "dump a built-in sample module instead of a file")
	fs.Bool("optimize", false, "run the configured IR pipeline first")
	return cmd
}
