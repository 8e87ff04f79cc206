package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"kiln/internal/codegen"
	"kiln/internal/config"
)

// runCLI executes kiln with a cache-less config file so tests never read
// a kiln.toml from the surrounding tree.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte("[cache]\nenabled = false\n"), 0o644))

	c := &cli{}
	root := newRootCmd(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--color", "off", "--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	c.failed = err != nil
	c.close()
	return out.String(), err
}

func TestBuildSampleWritesOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "answer.ll")
	out, err := runCLI(t, "build", "--sample", "answer", "--backend", "llvm", "--ui", "off", "-o", path)
	require.NoError(t, err, out)
	require.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "define i64 @main()")
}

func TestBuildWritesStatsAndIR(t *testing.T) {
	dir := t.TempDir()
	statsPath := filepath.Join(dir, "stats.json")
	irPath := filepath.Join(dir, "fact.ir")
	out, err := runCLI(t, "build", "--sample", "factorial", "--backend", "bytecode", "--ui", "off",
		"-o", filepath.Join(dir, "fact.kbc"), "--stats-format", "json", "--stats-out", statsPath, "--emit-ir", irPath)
	require.NoError(t, err, out)

	data, err := os.ReadFile(statsPath)
	require.NoError(t, err)
	var stats codegen.Statistics
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Equal(t, "bytecode", stats.Backend)
	require.True(t, stats.Verified)
	require.NotEmpty(t, stats.PerFunc)

	text, err := os.ReadFile(irPath)
	require.NoError(t, err)
	require.Contains(t, string(text), "main")
}

func TestRunEngines(t *testing.T) {
	for _, engine := range []string{"vm", "bytecode", "wasm"} {
		t.Run(engine, func(t *testing.T) {
			out, err := runCLI(t, "run", "--sample", "answer", "--engine", engine)
			require.NoError(t, err, out)
			require.Contains(t, out, "main returned 42")
		})
	}
}

func TestRunChecksArgumentCount(t *testing.T) {
	_, err := runCLI(t, "run", "--sample", "answer", "--arg", "1")
	require.ErrorContains(t, err, "takes 0 arguments, got 1")
}

func TestJITBuildIsUnsupported(t *testing.T) {
	_, err := runCLI(t, "build", "--sample", "answer", "--backend", "jit", "--ui", "off", "-o", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	require.Equal(t, 3, exitCode(err))
}

func TestFailureDumpsTraceRing(t *testing.T) {
	out, err := runCLI(t, "--trace-level", "error", "build", "--sample", "answer", "--backend", "jit",
		"--ui", "off", "-o", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	require.Contains(t, out, "last events before the failure")
	require.Contains(t, out, "sequential-emit")
}

func TestSampleThenDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fact.kir")
	out, err := runCLI(t, "sample", "factorial", "-o", path)
	require.NoError(t, err, out)

	out, err = runCLI(t, "dump", path)
	require.NoError(t, err, out)
	require.Contains(t, out, "fact")

	_, err = runCLI(t, "dump", path, "--sample", "answer")
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestPassesListsPipeline(t *testing.T) {
	out, err := runCLI(t, "passes", "-O", "none")
	require.NoError(t, err, out)
	require.Contains(t, out, "constfold")
	require.Contains(t, out, "pipeline (none, balanced): simplifycfg -> strength-reduce")

	out, err = runCLI(t, "passes", "--passes", "dce,constfold")
	require.NoError(t, err, out)
	require.Contains(t, out, "custom")
}

func TestVersionJSON(t *testing.T) {
	out, err := runCLI(t, "version", "--format", "json", "--hash")
	require.NoError(t, err)
	var payload versionPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Equal(t, "kiln", payload.Tool)
	require.NotContains(t, payload.Backends, "jit")
	require.NotEmpty(t, payload.GitCommit)
}

func TestFindConfigWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, config.FileName), nil, 0o644))

	path, ok, err := findConfig(nested)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, config.FileName), path)
}

func TestWasmBackendPicksWasmTarget(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addCodegenFlags(fs)
	require.NoError(t, fs.Parse([]string{"--backend", "wasm", "--passes", "dce"}))

	cfg := config.Default()
	require.NoError(t, applyCodegenFlags(fs, &cfg))
	require.True(t, strings.HasPrefix(cfg.Target.Triple, "wasm32"))
	require.Equal(t, "custom", cfg.Opt.Profile)
	require.Equal(t, []string{"dce"}, cfg.Opt.CustomPasses)
	require.NoError(t, cfg.Validate())
}

func TestFeaturesFlagJoins(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addCodegenFlags(fs)
	require.NoError(t, fs.Parse([]string{"--features", "+v", "--features", "+zba,+zbb"}))

	cfg := config.Default()
	require.NoError(t, applyCodegenFlags(fs, &cfg))
	require.Equal(t, "+v,+zba,+zbb", cfg.Target.Features)
}

func TestUIModeFlag(t *testing.T) {
	var m uiMode
	require.NoError(t, m.Set(" ON "))
	require.Equal(t, uiModeOn, m)
	require.True(t, m.enabled())
	require.NoError(t, m.Set(""))
	require.Equal(t, uiModeAuto, m)
	require.Error(t, m.Set("sometimes"))

	_, err := runCLI(t, "build", "--sample", "answer", "--ui", "sometimes")
	require.ErrorContains(t, err, "expected auto|on|off")
}
