// Package opt holds the IR pass manager and the target-independent
// transforms it schedules.
package opt

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/observ"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Manager owns an ordered list of passes. Configure replaces the list;
// Run applies it to a clone of the input.
type Manager struct {
	passes          []Pass
	custom          []string
	inlineThreshold int
	verifyEach      bool
	timer           *observ.Timer
	stats           Stats
	notes           []error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCustomPasses sets the pass names used by ProfileCustom.
func WithCustomPasses(names ...string) Option {
	return func(m *Manager) { m.custom = slices.Clone(names) }
}

// WithInlineThreshold overrides DefaultInlineThreshold.
func WithInlineThreshold(n int) Option {
	return func(m *Manager) { m.inlineThreshold = n }
}

// WithVerifyEach validates the module after every pass.
func WithVerifyEach(on bool) Option {
	return func(m *Manager) { m.verifyEach = on }
}

// WithTimer records per-pass durations.
func WithTimer(t *observ.Timer) Option {
	return func(m *Manager) { m.timer = t }
}

// NewManager creates an unconfigured manager (no passes).
func NewManager(opts ...Option) *Manager {
	m := &Manager{inlineThreshold: DefaultInlineThreshold}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure selects the passes for a level, profile and architecture:
// the generic passes of the level in canonical order, then the profile's
// passes, then the architecture's passes.
func (m *Manager) Configure(level Level, profile Profile, arch target.Arch) error {
	names, err := levelPasses(level)
	if err != nil {
		return err
	}
	extra, err := profilePasses(profile, m.custom)
	if err != nil {
		return err
	}
	names = append(names, extra...)
	switch arch {
	case target.ArchRISCV64, target.ArchRISCV32, target.ArchX86_64:
		names = append(names, "strength-reduce")
	case target.ArchWasm32, "":
	default:
		return fmt.Errorf("unknown architecture %q", arch)
	}

	passes := make([]Pass, 0, len(names))
	for _, n := range names {
		p, ok := registry[n]
		if !ok {
			return fmt.Errorf("unknown pass %q", n)
		}
		passes = append(passes, p)
	}
	m.passes = passes
	return nil
}

// Passes returns the configured pass names in order.
func (m *Manager) Passes() []string {
	out := make([]string, len(m.passes))
	for i, p := range m.passes {
		out[i] = p.Name
	}
	return out
}

// Stats returns the counters of the last Run.
func (m *Manager) Stats() Stats { return m.stats }

// Notes returns the non-fatal refusals recorded by the last Run.
func (m *Manager) Notes() []error { return slices.Clone(m.notes) }

// Run clones mod and applies every configured pass in order.
func (m *Manager) Run(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
	m.stats = Stats{}
	m.notes = nil
	out := ir.CloneModule(mod)
	tracer := trace.FromContext(ctx)
	parent := trace.CurrentSpan(ctx).SpanID

	pc := &passContext{stats: &m.stats, inlineThreshold: m.inlineThreshold}
	for _, p := range m.passes {
		span := trace.Begin(tracer, trace.ScopePass, "pass:"+p.Name, parent)
		idx := -1
		if m.timer != nil {
			idx = m.timer.Begin("pass:" + p.Name)
		}
		before := m.stats
		err := p.run(pc, out)
		m.stats.PassesRun++
		if m.timer != nil {
			m.timer.End(idx, "")
		}
		span.WithExtra("changes", strconv.Itoa(changes(before, m.stats))).End("")
		if err != nil {
			return nil, fmt.Errorf("pass %s: %w", p.Name, err)
		}
		if m.verifyEach {
			if err := ir.Validate(out); err != nil {
				return nil, fmt.Errorf("after pass %s: %w", p.Name, err)
			}
		}
	}
	m.notes = pc.notes
	for _, n := range m.notes {
		if e, ok := diag.As(n); ok {
			trace.Point(tracer, trace.ScopeNode, "inline-refused", e.Error(), parent)
		}
	}
	return out, nil
}

func changes(before, after Stats) int {
	return (after.InstrsRemoved - before.InstrsRemoved) +
		(after.BlocksRemoved - before.BlocksRemoved) +
		(after.BlocksMerged - before.BlocksMerged) +
		(after.FuncsRemoved - before.FuncsRemoved) +
		(after.ConstantsFolded - before.ConstantsFolded) +
		(after.BranchesFolded - before.BranchesFolded) +
		(after.FuncsInlined - before.FuncsInlined) +
		(after.TailCallsEliminated - before.TailCallsEliminated) +
		(after.LoopsFullyUnrolled - before.LoopsFullyUnrolled) +
		(after.LoopsUnrolled - before.LoopsUnrolled) +
		(after.StrengthReduced - before.StrengthReduced)
}
