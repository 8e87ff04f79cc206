package opt_test

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/ir"
	"kiln/internal/observ"
	"kiln/internal/opt"
	"kiln/internal/samples"
	"kiln/internal/target"
	"kiln/internal/vm"
)

func evalMain(t *testing.T, m *ir.Module) int64 {
	t.Helper()
	machine, err := vm.New(m)
	require.NoError(t, err)
	got, err := machine.Call("main")
	require.NoError(t, err)
	return got
}

func TestConfigureIsIdempotent(t *testing.T) {
	m := opt.NewManager()
	require.NoError(t, m.Configure(opt.LevelDefault, opt.ProfileBalanced, target.ArchRISCV64))
	first := m.Passes()
	require.NoError(t, m.Configure(opt.LevelDefault, opt.ProfileBalanced, target.ArchRISCV64))
	require.Equal(t, first, m.Passes())
	require.Equal(t, []string{
		"inline", "tailcall", "constfold", "simplifycfg", "mergeblocks", "dce", "globaldce",
		"simplifycfg", "strength-reduce",
	}, first)

	require.NoError(t, m.Configure(opt.LevelNone, opt.ProfileSize, target.ArchWasm32))
	require.Equal(t, []string{"globaldce", "mergeblocks"}, m.Passes())
}

func TestLevelsAreSupersets(t *testing.T) {
	generic := func(level opt.Level) []string {
		m := opt.NewManager(opt.WithCustomPasses())
		require.NoError(t, m.Configure(level, opt.ProfileCustom, target.ArchWasm32))
		return m.Passes()
	}
	levels := []opt.Level{opt.LevelNone, opt.LevelLess, opt.LevelDefault, opt.LevelAggressive}
	for i := 1; i < len(levels); i++ {
		prev, cur := generic(levels[i-1]), generic(levels[i])
		require.Greater(t, len(cur), len(prev), "level %s", levels[i])
		for _, p := range prev {
			require.True(t, slices.Contains(cur, p), "%s lost pass %s", levels[i], p)
		}
	}
	require.Equal(t, []string{"constfold", "simplifycfg", "dce"}, generic(opt.LevelLess))
	require.Contains(t, generic(opt.LevelAggressive), "unroll")
}

func TestConfigureCustomProfile(t *testing.T) {
	m := opt.NewManager(opt.WithCustomPasses("dce", "constfold"))
	require.NoError(t, m.Configure(opt.LevelNone, opt.ProfileCustom, target.ArchRISCV64))
	require.Equal(t, []string{"dce", "constfold", "strength-reduce"}, m.Passes())

	bad := opt.NewManager(opt.WithCustomPasses("vectorize-everything"))
	require.Error(t, bad.Configure(opt.LevelNone, opt.ProfileCustom, target.ArchRISCV64))
}

func TestRunPreservesSemantics(t *testing.T) {
	for _, name := range samples.Names() {
		t.Run(name, func(t *testing.T) {
			src := samples.Registry[name]()
			want := evalMain(t, src)

			timer := observ.NewTimer()
			m := opt.NewManager(opt.WithVerifyEach(true), opt.WithTimer(timer))
			require.NoError(t, m.Configure(opt.LevelAggressive, opt.ProfileSpeed, target.ArchRISCV64))
			out, err := m.Run(context.Background(), src)
			require.NoError(t, err)
			require.Equal(t, want, evalMain(t, out))
			require.Equal(t, len(m.Passes()), m.Stats().PassesRun)

			// The input module is not touched.
			require.Equal(t, want, evalMain(t, src))
			require.NoError(t, ir.Validate(src))
		})
	}
}

func TestRunEveryPassAlone(t *testing.T) {
	for _, pass := range opt.Registered() {
		t.Run(pass, func(t *testing.T) {
			m := opt.NewManager(opt.WithCustomPasses(pass), opt.WithVerifyEach(true))
			require.NoError(t, m.Configure(opt.LevelNone, opt.ProfileCustom, target.ArchWasm32))
			for _, name := range samples.Names() {
				src := samples.Registry[name]()
				out, err := m.Run(context.Background(), src)
				require.NoError(t, err, name)
				require.Equal(t, evalMain(t, src), evalMain(t, out), name)
			}
		})
	}
}
