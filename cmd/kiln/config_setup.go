package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/target"
)

// defaultWasmTriple replaces a non-wasm target when --backend=wasm is
// given without --target.
const defaultWasmTriple = "wasm32-unknown-wasi"

// findConfig walks from startDir towards the filesystem root looking for
// kiln.toml.
func findConfig(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// addCodegenFlags registers the flags that override kiln.toml.
func addCodegenFlags(fs *pflag.FlagSet) {
	fs.String("backend", "", "output backend (native|llvm|wasm|bytecode|jit)")
	fs.String("target", "", "target triple")
	fs.String("cpu", "", "target CPU")
	fs.StringSlice("features", nil, "target features, e.g. +v,+zba")
	fs.StringP("opt-level", "O", "", "IR optimization level (none|less|default|aggressive or 0-3)")
	fs.String("profile", "", "pass profile (balanced|size|speed|custom)")
	fs.StringSlice("passes", nil, "custom pass list; implies --profile=custom")
	fs.Int("workers", -1, "emission workers (0 = GOMAXPROCS)")
	fs.Bool("sequential", false, "never emit functions in parallel")
	fs.Bool("no-verify", false, "skip verification of the generated code")
	fs.Bool("no-cache", false, "disable the fragment cache")
	fs.String("cache-dir", "", "persist emitted fragments under this directory")
}

// loadConfig resolves the effective configuration: defaults, then
// kiln.toml, then KILN_* variables, then flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		var found bool
		path, found, err = findConfig(".")
		if err != nil {
			return config.Config{}, err
		}
		if !found {
			path = ""
		}
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	cfg.ApplyEnv()
	if err := applyCodegenFlags(cmd.Flags(), &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyCodegenFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	str("backend", &cfg.Backend)
	str("target", &cfg.Target.Triple)
	str("cpu", &cfg.Target.CPU)
	str("opt-level", &cfg.Opt.Level)
	str("profile", &cfg.Opt.Profile)
	str("cache-dir", &cfg.Cache.Dir)
	if fs.Changed("features") {
		feats, _ := fs.GetStringSlice("features")
		cfg.Target.Features = strings.Join(feats, ",")
	}
	if fs.Changed("passes") {
		cfg.Opt.CustomPasses, _ = fs.GetStringSlice("passes")
		if !fs.Changed("profile") {
			cfg.Opt.Profile = "custom"
		}
	}
	if fs.Changed("workers") {
		cfg.Codegen.Workers, _ = fs.GetInt("workers")
	}
	if on, _ := fs.GetBool("sequential"); on {
		cfg.Codegen.Parallel = false
	}
	if on, _ := fs.GetBool("no-verify"); on {
		cfg.Codegen.VerifyGeneratedCode = false
	}
	if on, _ := fs.GetBool("no-cache"); on {
		cfg.Cache.Enabled = false
	}

	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return err
	}
	if kind == backend.KindWasm && !fs.Changed("target") && !strings.HasPrefix(cfg.Target.Triple, string(target.ArchWasm32)) {
		cfg.Target.Triple = defaultWasmTriple
	}
	return nil
}
