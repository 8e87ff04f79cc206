package codegen

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"kiln/internal/backend"
	"kiln/internal/backend/bytecode"
	"kiln/internal/config"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/samples"
	"kiln/internal/target"
	"kiln/internal/trace"
)

func testConfig(kind backend.Kind) config.Config {
	cfg := config.Default()
	cfg.Backend = string(kind)
	cfg.Cache.Enabled = false
	if kind == backend.KindWasm {
		cfg.Target.Triple = "wasm32-wasi"
	}
	return cfg
}

func generate(t *testing.T, cfg config.Config, m *ir.Module, opts ...Option) ([]byte, *Generator) {
	t.Helper()
	g, err := New(cfg, opts...)
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, PhaseDone, g.Phase())
	return out, g
}

func TestAnswerEndToEnd(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []backend.Kind{backend.KindNative, backend.KindLLVM, backend.KindWasm, backend.KindBytecode} {
		t.Run(string(kind), func(t *testing.T) {
			out, g := generate(t, testConfig(kind), samples.Answer42())
			st := g.Stats()
			require.True(t, st.Verified)
			require.Equal(t, len(out), st.OutputBytes)
			require.NotEmpty(t, st.Session)

			switch kind {
			case backend.KindNative:
				f, err := elf.NewFile(bytes.NewReader(out))
				require.NoError(t, err)
				require.Equal(t, elf.EM_RISCV, f.Machine)
			case backend.KindLLVM:
				require.Contains(t, string(out), "define i64 @main()")
			case backend.KindWasm:
				r := wazero.NewRuntime(ctx)
				defer r.Close(ctx)
				mod, err := r.Instantiate(ctx, out)
				require.NoError(t, err)
				res, err := mod.ExportedFunction("main").Call(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(42), int64(res[0]))
			case backend.KindBytecode:
				m, err := bytecode.Decode(out)
				require.NoError(t, err)
				mc, err := bytecode.NewMachine(m, nil)
				require.NoError(t, err)
				got, err := mc.Call("main")
				require.NoError(t, err)
				require.Equal(t, int64(42), got)
			}
		})
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	for _, kind := range []backend.Kind{backend.KindLLVM, backend.KindBytecode} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig(kind)
			cfg.Opt.Level = "less"
			cfg.Codegen.Parallel = false
			seq, gs := generate(t, cfg, samples.ManyFuncs(16))
			require.False(t, gs.Stats().Strategy.Parallel)

			cfg.Codegen.Parallel = true
			cfg.Codegen.Workers = 3
			par, gp := generate(t, cfg, samples.ManyFuncs(16))
			st := gp.Stats()
			require.True(t, st.Strategy.Parallel)
			require.Equal(t, 3, st.Strategy.Workers)
			require.Equal(t, 17, st.Funcs)
			require.True(t, bytes.Equal(seq, par), "parallel output differs from sequential")

			for i, r := range st.PerFunc {
				require.Equal(t, gs.Stats().PerFunc[i].Name, r.Name)
			}
		})
	}
}

func TestParallelEmitPhaseReported(t *testing.T) {
	events := make(chan Event, 1024)
	cfg := testConfig(backend.KindBytecode)
	cfg.Opt.Level = "none"
	_, g := generate(t, cfg, samples.ManyFuncs(12), WithProgress(ChannelSink{Ch: events}))
	close(events)

	phases := map[Phase]bool{}
	done := map[string]bool{}
	for ev := range events {
		if ev.Func == "" {
			if ev.Status == StatusDone {
				phases[ev.Phase] = true
			}
			continue
		}
		require.Equal(t, PhaseParallelEmit, ev.Phase)
		if ev.Status == StatusDone {
			done[ev.Func] = true
		}
	}
	require.True(t, phases[PhaseParallelEmit])
	require.False(t, phases[PhaseSequentialEmit])
	require.True(t, phases[PhaseVerify])
	require.True(t, phases[PhaseDone])
	require.Len(t, done, g.Stats().Funcs)
}

func TestCacheBuildsAtMostOnce(t *testing.T) {
	c := NewCache(backend.KindBytecode, nil)
	key := ir.Digest{1, 2, 3}
	var builds atomic.Int32
	build := func() (backend.Fragment, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return backend.Fragment{Func: "f", Code: []byte{1, 2, 3}}, nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]backend.Fragment, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = c.Get(key, build)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), builds.Load())
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, []byte{1, 2, 3}, results[i].Code)
	}
	st := c.Stats()
	require.Equal(t, int64(1), st.Misses)
	require.Equal(t, int64(n-1), st.Hits)
	require.Equal(t, 1, c.Len())
}

func TestCacheDoesNotKeepErrors(t *testing.T) {
	c := NewCache(backend.KindBytecode, nil)
	key := ir.Digest{9}
	boom := errors.New("boom")
	_, _, err := c.Get(key, func() (backend.Fragment, error) { return backend.Fragment{}, boom })
	require.ErrorIs(t, err, boom)
	frag, cached, err := c.Get(key, func() (backend.Fragment, error) { return backend.Fragment{Func: "ok"}, nil })
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, "ok", frag.Func)
}

func TestCacheReusedAcrossGenerate(t *testing.T) {
	cfg := testConfig(backend.KindBytecode)
	cfg.Cache.Enabled = true
	g, err := New(cfg)
	require.NoError(t, err)

	first, err := g.Generate(context.Background(), samples.Factorial())
	require.NoError(t, err)
	require.Equal(t, int64(0), g.Stats().Cache.Hits)

	second, err := g.Generate(context.Background(), samples.Factorial())
	require.NoError(t, err)
	st := g.Stats()
	require.Equal(t, int64(len(st.PerFunc)), st.Cache.Hits)
	require.Zero(t, st.Cache.Misses)
	for _, r := range st.PerFunc {
		require.True(t, r.Cached, r.Name)
	}
	require.Equal(t, first, second)
}

func TestDiskCacheSurvivesGenerators(t *testing.T) {
	cfg := testConfig(backend.KindBytecode)
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = t.TempDir()

	first, _ := generate(t, cfg, samples.DotProduct(8))
	second, g := generate(t, cfg, samples.DotProduct(8))
	st := g.Stats()
	require.Equal(t, first, second)
	require.Equal(t, int64(len(st.PerFunc)), st.Cache.DiskHits)
	require.Zero(t, st.Cache.DiskErrors)

	entries, err := os.ReadDir(filepath.Join(cfg.Cache.Dir, "frags"))
	require.NoError(t, err)
	require.Len(t, entries, len(st.PerFunc))
}

func TestJITIsUnimplemented(t *testing.T) {
	g, err := New(testConfig(backend.KindJIT))
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), samples.Answer42())
	require.Nil(t, out)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))
	require.Equal(t, PhaseSequentialEmit, g.Phase())
}

func TestInvalidIRStopsAtDependencyAnalysis(t *testing.T) {
	m := ir.NewModule("bad")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("missing", ir.I64))

	g, err := New(testConfig(backend.KindLLVM))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), m)
	require.Equal(t, diag.KindIRInvariant, diag.KindOf(err))
	require.Equal(t, PhaseDependencyAnalysis, g.Phase())
}

func TestNilModuleIsRejected(t *testing.T) {
	g, err := New(testConfig(backend.KindLLVM))
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), nil)
	require.Nil(t, out)
	require.Equal(t, diag.KindIRInvariant, diag.KindOf(err))
}

func TestTargetMismatch(t *testing.T) {
	cfg := testConfig(backend.KindWasm)
	cfg.Target.Triple = "riscv64-unknown-linux-gnu"
	_, err := New(cfg)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))

	cfg = testConfig(backend.KindNative)
	cfg.Target.Triple = "wasm32-wasi"
	_, err = New(cfg)
	require.Equal(t, diag.KindUnimplemented, diag.KindOf(err))
}

func TestTargetInitRunsOnce(t *testing.T) {
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(testConfig(backend.KindLLVM))
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, target.InitCount())
}

type panicBackend struct{}

func (panicBackend) Kind() backend.Kind { return backend.KindBytecode }

func (panicBackend) EmitFunc(_ context.Context, f *ir.Func, _ *backend.Shared) (backend.Fragment, error) {
	if f.Name == "f1" {
		panic("lowering bug")
	}
	return backend.Fragment{Func: f.Name}, nil
}

func (panicBackend) Link(context.Context, []backend.Fragment, *backend.Shared) ([]byte, error) {
	return nil, nil
}

func (panicBackend) Verify(context.Context, []byte, *backend.Shared) error { return nil }

func TestWorkerPanicBecomesInternalError(t *testing.T) {
	funcs := samples.ManyFuncs(3).Defined()
	s := &session{
		g:       &Generator{},
		tracer:  trace.Nop,
		frags:   make([]backend.Fragment, len(funcs)),
		reports: make([]FuncReport, len(funcs)),
	}
	err := s.emitRange(context.Background(), panicBackend{}, funcs, 0, len(funcs))
	e, ok := diag.As(err)
	require.True(t, ok, "%v", err)
	require.Equal(t, diag.KindInternalCodegen, e.Kind)
	require.Equal(t, diag.IntWorkerPanic, e.Code)
	require.Equal(t, "f1", e.Func)
	require.Equal(t, "f0", s.frags[0].Func)
}

func TestChunks(t *testing.T) {
	require.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 8}, {8, 10}}, chunks(10, 4))
	require.Equal(t, [][2]int{{0, 1}, {1, 2}}, chunks(2, 8))
	require.Nil(t, chunks(0, 4))
}

func TestStrategyThresholds(t *testing.T) {
	cfg := config.Default().Codegen
	cfg.Workers = 2

	s := decideStrategy(cfg, samples.ManyFuncs(10))
	require.True(t, s.Parallel, "11 functions exceed the threshold of 10")
	require.Equal(t, 2, s.Workers)
	require.False(t, s.Split)
	require.False(t, s.OptimizeLayout)

	s = decideStrategy(cfg, samples.ManyFuncs(9))
	require.False(t, s.Parallel)

	cfg.ComplexityThreshold = 1
	require.True(t, decideStrategy(cfg, samples.ManyFuncs(1)).Split)

	m := samples.Answer42()
	for i := range 17 {
		m.AddGlobal(ir.Global{Name: "g" + string(rune('a'+i)), Type: ir.I64})
	}
	require.True(t, decideStrategy(cfg, m).OptimizeLayout)
	require.Equal(t, "sequential+layout", decideStrategy(cfg, m).String())
}

func TestSplitSectionsForComplexFunctions(t *testing.T) {
	cfg := testConfig(backend.KindNative)
	cfg.Codegen.ComplexityThreshold = 2
	out, g := generate(t, cfg, samples.Factorial())
	require.True(t, g.Stats().Strategy.Split)
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.NotNil(t, f.Section(".text.fact"))
}

func TestWriteOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.kbc")
	require.NoError(t, WriteOutput(path, []byte("KBC1")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "KBC1", string(data))

	err = WriteOutput(filepath.Join(dir, "missing", "a.kbc"), nil)
	require.Equal(t, diag.KindIO, diag.KindOf(err))
}

func TestReportFormats(t *testing.T) {
	cfg := testConfig(backend.KindBytecode)
	cfg.Opt.Level = "none"
	_, g := generate(t, cfg, samples.Factorial())
	st := g.Stats()

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, &st, ReportJSON))
	var fromJSON Statistics
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	require.Equal(t, st.Session, fromJSON.Session)
	require.Len(t, fromJSON.PerFunc, 2)

	buf.Reset()
	require.NoError(t, WriteReport(&buf, &st, ReportYAML))
	var fromYAML Statistics
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Equal(t, st.Backend, fromYAML.Backend)

	buf.Reset()
	require.NoError(t, WriteReport(&buf, &st, ReportMsgpack))
	var fromMsgpack Statistics
	require.NoError(t, msgpack.Unmarshal(buf.Bytes(), &fromMsgpack))
	require.Equal(t, st.Funcs, fromMsgpack.Funcs)

	text := st.Text()
	require.Contains(t, text, "module factorial: bytecode")
	for _, r := range st.PerFunc {
		require.Contains(t, text, r.Name)
	}

	_, err := ParseReportFormat("xml")
	require.Error(t, err)
}

func TestTextReportAlignsWideNames(t *testing.T) {
	st := Statistics{PerFunc: []FuncReport{{Name: "f"}, {Name: "計算"}}}
	var rows []string
	for _, line := range strings.Split(st.Text(), "\n") {
		if strings.HasPrefix(line, "f ") || strings.HasPrefix(line, "計算") {
			rows = append(rows, line)
		}
	}
	require.Len(t, rows, 2)
	// Names pad to the header's eight columns; "計算" takes four of them.
	require.True(t, strings.HasPrefix(rows[0], "f       "), rows[0])
	require.True(t, strings.HasPrefix(rows[1], "計算    "), rows[1])
}
