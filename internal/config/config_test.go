package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Codegen.ParallelThreshold != 10 || cfg.Codegen.ComplexityThreshold != 64 || cfg.Codegen.GlobalsThreshold != 16 {
		t.Fatalf("thresholds: %+v", cfg.Codegen)
	}
	if got := cfg.MachineLevel(); got != 2 {
		t.Fatalf("MachineLevel() = %d, want 2", got)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
backend = "wasm"

[target]
triple = "wasm32-wasi"

[opt]
level = "aggressive"

[codegen]
workers = 3
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "wasm" || cfg.Target.Triple != "wasm32-wasi" || cfg.Codegen.Workers != 3 {
		t.Fatalf("loaded %+v", cfg)
	}
	if !cfg.Codegen.Parallel || !cfg.Codegen.VerifyGeneratedCode || cfg.Opt.Profile != "balanced" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if got := cfg.MachineLevel(); got != 3 {
		t.Fatalf("MachineLevel() = %d, want 3", got)
	}
}

func TestCustomPassesSelectProfile(t *testing.T) {
	path := writeConfig(t, `
[opt]
custom_passes = ["constfold", "dce"]
target_level = 1
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Opt.Profile != "custom" || len(cfg.Opt.CustomPasses) != 2 {
		t.Fatalf("opt = %+v", cfg.Opt)
	}
	if got := cfg.MachineLevel(); got != 1 {
		t.Fatalf("MachineLevel() = %d, want 1", got)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"unknown key", "colour = \"red\"\n", "unknown keys: colour"},
		{"bad backend", "backend = \"gpu\"\n", "unknown backend"},
		{"bad level", "[opt]\nlevel = \"o9\"\n", "invalid optimization level"},
		{"custom without passes", "[opt]\nprofile = \"custom\"\n", "needs opt.custom_passes"},
		{"negative workers", "[codegen]\nworkers = -2\n", "codegen.workers"},
		{"target level", "[opt]\ntarget_level = 4\n", "out of range"},
		{"unknown pass", "[opt]\ncustom_passes = [\"dce\", \"peephole\"]\n", "unknown pass \"peephole\""},
		{"syntax", "backend = \n", "failed to parse TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnvWithoutVariables(t *testing.T) {
	for _, name := range []string{
		config.EnvBackend, config.EnvOptLevel, config.EnvWorkers, config.EnvParallel, config.EnvCacheDir,
	} {
		if _, ok := os.LookupEnv(name); ok {
			t.Skipf("%s is set in the test environment", name)
		}
	}
	cfg := config.Default()
	cfg.ApplyEnv()
	if cfg.Backend != "native" || cfg.Opt.Level != "default" || cfg.Codegen.Workers != 0 || !cfg.Codegen.Parallel {
		t.Fatalf("ApplyEnv changed unset fields: %+v", cfg)
	}
}
