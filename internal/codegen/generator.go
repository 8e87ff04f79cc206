// Package codegen drives a module from validated IR to a verified artifact:
// dependency analysis, IR passes, target preparation, an emission strategy,
// sequential or parallel per-function emission, linking and verification.
package codegen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
	"kiln/internal/observ"
	"kiln/internal/opt"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Generator turns IR modules into artifacts for one configuration. Calls
// to Generate are serialized; the cache persists across them.
type Generator struct {
	cfg     config.Config
	desc    *target.Descriptor
	kind    backend.Kind
	level   opt.Level
	profile opt.Profile
	mlevel  int
	mopts   machine.Options
	cache   *Cache
	sink    ProgressSink

	mu        sync.Mutex
	phase     atomic.Int32
	stats     Statistics
	optimized *ir.Module
}

// Option configures a Generator.
type Option func(*Generator)

// WithProgress delivers progress events to sink.
func WithProgress(sink ProgressSink) Option {
	return func(g *Generator) { g.sink = sink }
}

// WithCache shares c instead of the cache built from the configuration.
func WithCache(c *Cache) Option {
	return func(g *Generator) { g.cache = c }
}

// WithMachineOptions replaces the target optimizer options derived from
// the configuration.
func WithMachineOptions(o machine.Options) Option {
	return func(g *Generator) { g.mopts = o }
}

// New validates cfg and resolves the target.
func New(cfg config.Config, opts ...Option) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := target.Init(); err != nil {
		return nil, err
	}
	desc, err := target.New(target.Options{
		Triple:    cfg.Target.Triple,
		CPU:       cfg.Target.CPU,
		Features:  cfg.Target.Features,
		VLEN:      cfg.Target.VLEN,
		LMUL:      cfg.Target.LMUL,
		CacheLine: cfg.Target.CacheLine,
	})
	if err != nil {
		return nil, err
	}
	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch {
	case kind == backend.KindNative && !desc.Arch().IsRISCV():
		return nil, diag.Unimplemented(diag.UnsupTarget, "native backend has no lowering for %s", desc.Arch())
	case kind == backend.KindWasm && desc.Arch() != target.ArchWasm32:
		return nil, diag.Unimplemented(diag.UnsupTarget, "wasm backend needs a wasm32 target, got %s", desc.Arch())
	}
	level, _ := opt.ParseLevel(cfg.Opt.Level)
	profile, _ := opt.ParseProfile(cfg.Opt.Profile)

	g := &Generator{
		cfg:     cfg,
		desc:    desc,
		kind:    kind,
		level:   level,
		profile: profile,
		mlevel:  cfg.MachineLevel(),
		mopts:   machine.DefaultOptions(),
	}
	g.mopts.Vectorize = cfg.Opt.Vectorize
	g.mopts.AutoSIMD = cfg.Opt.AutoSIMD
	for _, o := range opts {
		o(g)
	}
	if g.cache == nil && cfg.Cache.Enabled {
		var disk *DiskCache
		if cfg.Cache.Dir != "" {
			disk, err = OpenDiskCache(cfg.Cache.Dir, "kiln")
			if err != nil {
				return nil, diag.IO(diag.IOCache, err, "open cache %s", cfg.Cache.Dir)
			}
		}
		g.cache = NewCache(kind, disk)
	}
	return g, nil
}

// Phase returns the phase the generator is in, or the one where the last
// Generate stopped.
func (g *Generator) Phase() Phase { return Phase(g.phase.Load()) }

func (g *Generator) setPhase(p Phase) { g.phase.Store(int32(p)) }

// Target returns the resolved descriptor.
func (g *Generator) Target() *target.Descriptor { return g.desc }

// Kind returns the selected backend.
func (g *Generator) Kind() backend.Kind { return g.kind }

// Stats returns the statistics of the last Generate call.
func (g *Generator) Stats() Statistics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Optimized returns the module after the IR passes of the last Generate
// call, or nil.
func (g *Generator) Optimized() *ir.Module {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.optimized
}

func (g *Generator) notify(ev Event) {
	if g.sink != nil {
		g.sink.OnEvent(ev)
	}
}

// Generate lowers m to the configured backend's artifact. m is not
// modified. On error no output is returned.
func (g *Generator) Generate(ctx context.Context, m *ir.Module) ([]byte, error) {
	if m == nil {
		return nil, diag.IRInvariant(diag.IREmptyBody, "nil module")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	g.setPhase(PhaseStart)
	g.optimized = nil
	g.stats = Statistics{
		Session: uuid.NewString(),
		Module:  m.Name,
		Backend: string(g.kind),
		Target:  g.desc.String(),
	}
	var before CacheStats
	if g.cache != nil {
		before = g.cache.Stats()
	}

	s := &session{
		g:         g,
		in:        m,
		tracer:    trace.FromContext(ctx),
		timer:     observ.NewTimer(),
		passTimer: observ.NewTimer(),
	}
	root := trace.Begin(s.tracer, trace.ScopeDriver, "codegen:"+m.Name, trace.CurrentSpan(ctx).SpanID)
	root.WithExtra("session", g.stats.Session).WithExtra("backend", string(g.kind))
	ctx = trace.WithSpanContext(ctx, trace.SpanContext{SpanID: root.ID()})

	out, err := s.run(ctx)

	g.stats.Timings = s.timer.Report()
	g.stats.PassTimings = s.passTimer.Report()
	if g.cache != nil {
		g.stats.Cache = g.cache.Stats().sub(before)
	}
	if err != nil {
		root.End(err.Error())
		g.notify(Event{Phase: g.Phase(), Status: StatusError, Err: err, Elapsed: time.Since(start)})
		return nil, err
	}
	g.stats.OutputBytes = len(out)
	g.setPhase(PhaseDone)
	root.WithExtra("bytes", fmt.Sprint(len(out))).End(s.strategy.String())
	g.notify(Event{Phase: PhaseDone, Status: StatusDone, Elapsed: time.Since(start)})
	return out, nil
}
