package codegen

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kiln/internal/backend"
	"kiln/internal/backend/bytecode"
	"kiln/internal/backend/llvm"
	"kiln/internal/backend/native"
	"kiln/internal/backend/wasm"
	"kiln/internal/callgraph"
	"kiln/internal/config"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
	"kiln/internal/observ"
	"kiln/internal/opt"
	"kiln/internal/trace"
)

// session carries the state of one Generate call between phases.
type session struct {
	g         *Generator
	in        *ir.Module
	tracer    trace.Tracer
	timer     *observ.Timer
	passTimer *observ.Timer

	graph    *callgraph.Graph
	mgr      *opt.Manager
	mod      *ir.Module
	mopt     *machine.Optimizer
	back     backend.Backend
	strategy Strategy
	sh       *backend.Shared
	salt     string
	frags    []backend.Fragment
	reports  []FuncReport
	out      []byte
}

type phaseStep struct {
	phase Phase
	run   func(context.Context) error
}

func (s *session) run(ctx context.Context) ([]byte, error) {
	steps := []phaseStep{
		{PhaseDependencyAnalysis, s.analyze},
		{PhaseConfigurePasses, s.configure},
		{PhaseIROptimize, s.optimize},
		{PhaseTargetSpecificOptimize, s.prepareTarget},
		{PhaseStrategyDecision, s.decide},
	}
	for _, st := range steps {
		if err := s.step(ctx, st); err != nil {
			return nil, err
		}
	}
	emit := PhaseSequentialEmit
	if s.strategy.Parallel {
		emit = PhaseParallelEmit
	}
	steps = []phaseStep{
		{emit, s.emit},
		{PhaseGlobalInitEmit, s.link},
	}
	if s.g.cfg.Codegen.VerifyGeneratedCode {
		steps = append(steps, phaseStep{PhaseVerify, s.verify})
	}
	for _, st := range steps {
		if err := s.step(ctx, st); err != nil {
			return nil, err
		}
	}
	return s.out, nil
}

// step runs one phase inside a trace span and a timer phase.
func (s *session) step(ctx context.Context, st phaseStep) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g := s.g
	g.setPhase(st.phase)
	g.notify(Event{Phase: st.phase, Status: StatusWorking})

	name := st.phase.String()
	span := trace.Begin(s.tracer, trace.ScopeDriver, name, trace.CurrentSpan(ctx).SpanID)
	idx := s.timer.Begin(name)
	start := time.Now()
	err := st.run(trace.WithSpanContext(ctx, trace.SpanContext{SpanID: span.ID()}))
	note := ""
	if err != nil {
		note = err.Error()
	}
	s.timer.End(idx, note)
	span.End(note)
	if err != nil {
		return err
	}
	g.notify(Event{Phase: st.phase, Status: StatusDone, Elapsed: time.Since(start)})
	return nil
}

func (s *session) analyze(ctx context.Context) error {
	if err := ir.Validate(s.in); err != nil {
		return err
	}
	s.graph = callgraph.Build(s.in)
	topo := s.graph.Batches()
	recursive := 0
	for _, r := range s.graph.Recursive() {
		if r {
			recursive++
		}
	}
	st := &s.g.stats
	st.Funcs = len(s.in.Defined())
	st.Batches = len(topo.Batches)
	st.Recursive = recursive
	trace.Point(s.tracer, trace.ScopeDriver, "callgraph",
		fmt.Sprintf("%d funcs, %d batches, %d recursive", st.Funcs, st.Batches, recursive),
		trace.CurrentSpan(ctx).SpanID)
	return nil
}

func (s *session) configure(context.Context) error {
	cfg := s.g.cfg.Opt
	s.mgr = opt.NewManager(
		opt.WithCustomPasses(cfg.CustomPasses...),
		opt.WithInlineThreshold(cfg.InlineThreshold),
		opt.WithVerifyEach(cfg.VerifyEach),
		opt.WithTimer(s.passTimer),
	)
	if err := s.mgr.Configure(s.g.level, s.g.profile, s.g.desc.Arch()); err != nil {
		return fmt.Errorf("configure passes: %w", err)
	}
	s.g.stats.Passes = s.mgr.Passes()
	return nil
}

func (s *session) optimize(ctx context.Context) error {
	mod, err := s.mgr.Run(ctx, s.in)
	if err != nil {
		return err
	}
	s.mod = mod
	s.g.optimized = mod
	s.g.stats.Opt = s.mgr.Stats()
	for _, n := range s.mgr.Notes() {
		s.g.stats.Notes = append(s.g.stats.Notes, n.Error())
	}
	return nil
}

// prepareTarget builds the machine optimizer for native output. Other
// backends lower straight from IR, so only the architecture passes of the
// IR pipeline apply to them.
func (s *session) prepareTarget(ctx context.Context) error {
	if s.g.kind != backend.KindNative {
		trace.Point(s.tracer, trace.ScopeDriver, "target-optimize", "no machine lowering for "+string(s.g.kind),
			trace.CurrentSpan(ctx).SpanID)
		return nil
	}
	mo, err := machine.New(s.g.desc, machine.WithOptions(s.g.mopts))
	if err != nil {
		return err
	}
	s.mopt = mo
	return nil
}

func (s *session) decide(ctx context.Context) error {
	cfg := s.g.cfg
	s.strategy = decideStrategy(cfg.Codegen, s.mod)
	s.sh = backend.NewShared(s.mod, s.g.desc, backend.Options{
		Level:          s.g.mlevel,
		Asm:            cfg.Emit == config.EmitAsm,
		Split:          s.strategy.Split,
		OptimizeLayout: s.strategy.OptimizeLayout,
	})
	s.salt = s.lowerSalt()
	s.g.stats.Strategy = s.strategy
	trace.Point(s.tracer, trace.ScopeDriver, "strategy", s.strategy.String(), trace.CurrentSpan(ctx).SpanID)
	return nil
}

// lowerSalt folds everything besides the function body that the emitted
// fragment depends on into the cache key.
func (s *session) lowerSalt() string {
	g, sh := s.g, s.sh
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%s|o%d|asm=%t|split=%t|vec=%t|simd=%t|gather=%t\n",
		g.kind, g.desc, g.desc.FeatureString(), sh.Opts.Level, sh.Opts.Asm, sh.Opts.Split,
		g.mopts.Vectorize, g.mopts.AutoSIMD, g.mopts.AllowGather)
	for _, d := range sh.Funcs() {
		fmt.Fprintf(&sb, "f %s %v %s %t %t %t\n", d.Name, d.Params, d.Result, d.Defined, d.Exported, sh.Recursive(d.Name))
	}
	for _, td := range s.mod.Types {
		fmt.Fprintf(&sb, "t %s %s\n", td.Name, td.Type)
	}
	placed, size := sh.Data()
	for _, p := range placed {
		fmt.Fprintf(&sb, "g %s %s %d\n", p.Global.Name, p.Global.Type, p.Offset)
	}
	fmt.Fprintf(&sb, "data %d", size)
	return sb.String()
}

// dispatch returns the emitter for the configured backend kind.
func (s *session) dispatch() (backend.Backend, error) {
	switch s.g.kind {
	case backend.KindNative:
		return native.New(s.mopt), nil
	case backend.KindLLVM:
		return llvm.New(), nil
	case backend.KindWasm:
		return wasm.New(), nil
	case backend.KindBytecode:
		return bytecode.New(), nil
	case backend.KindJIT:
		return nil, diag.Unimplemented(diag.UnsupBackend, "jit backend is not implemented")
	}
	return nil, diag.Unimplemented(diag.UnsupBackend, "unknown backend %q", s.g.kind)
}

func (s *session) emit(ctx context.Context) error {
	back, err := s.dispatch()
	if err != nil {
		return err
	}
	s.back = back
	funcs := s.mod.Defined()
	s.frags = make([]backend.Fragment, len(funcs))
	s.reports = make([]FuncReport, len(funcs))
	for _, f := range funcs {
		s.g.notify(Event{Func: f.Name, Phase: s.g.Phase(), Status: StatusQueued})
	}

	if !s.strategy.Parallel {
		err = s.emitRange(ctx, back, funcs, 0, len(funcs))
	} else {
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(s.strategy.Workers)
		for _, c := range chunks(len(funcs), s.strategy.Workers) {
			eg.Go(func() error {
				return s.emitRange(gctx, back, funcs, c[0], c[1])
			})
		}
		err = eg.Wait()
	}
	if err != nil {
		s.frags, s.reports = nil, nil
		return err
	}

	st := &s.g.stats
	st.PerFunc = s.reports
	for _, r := range s.reports {
		addFuncStats(&st.Machine, r.Stats)
	}
	return nil
}

// emitRange emits funcs[lo:hi] in order, stopping at the first error.
// A panic becomes an internal error naming the function.
func (s *session) emitRange(ctx context.Context, back backend.Backend, funcs []*ir.Func, lo, hi int) (err error) {
	current := ""
	defer func() {
		if r := recover(); r != nil {
			e := diag.InternalCodegen(diag.IntWorkerPanic, "panic while emitting: %v", r)
			if current != "" {
				e = e.InFunc(current)
			}
			err = e
		}
	}()
	for i := lo; i < hi; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current = funcs[i].Name
		if err := s.emitOne(ctx, back, i, funcs[i]); err != nil {
			return err
		}
	}
	return nil
}

// emitOne writes slot i only, so workers share no mutable state besides
// the cache.
func (s *session) emitOne(ctx context.Context, back backend.Backend, i int, f *ir.Func) error {
	span := trace.Begin(s.tracer, trace.ScopeFunc, "emit:"+f.Name, trace.CurrentSpan(ctx).SpanID)
	fctx := trace.WithSpanContext(ctx, trace.SpanContext{SpanID: span.ID()})
	phase := s.g.Phase()
	start := time.Now()
	s.g.notify(Event{Func: f.Name, Phase: phase, Status: StatusWorking})

	build := func() (backend.Fragment, error) { return back.EmitFunc(fctx, f, s.sh) }
	var (
		frag   backend.Fragment
		cached bool
		err    error
	)
	if s.g.cache != nil {
		var key ir.Digest
		key, err = ir.Fingerprint(f, s.salt)
		if err != nil {
			err = diag.InternalCodegen(diag.IntCache, "%v", err).InFunc(f.Name)
		} else {
			frag, cached, err = s.g.cache.Get(key, build)
		}
	} else {
		frag, err = build()
	}
	if err != nil {
		span.End(err.Error())
		s.g.notify(Event{Func: f.Name, Phase: phase, Status: StatusError, Err: err, Elapsed: time.Since(start)})
		return err
	}

	s.frags[i] = frag
	instrs := 0
	for b := range f.Blocks {
		instrs += len(f.Blocks[b].Instrs) + 1
	}
	s.reports[i] = FuncReport{
		Name:   f.Name,
		Blocks: len(f.Blocks),
		Instrs: instrs,
		Bytes:  len(frag.Code) + len(frag.Text),
		Cached: cached,
		Stats:  frag.Stats,
	}
	span.WithExtra("cached", strconv.FormatBool(cached)).End("")
	status := StatusDone
	if cached {
		status = StatusCached
	}
	s.g.notify(Event{Func: f.Name, Phase: phase, Status: status, Elapsed: time.Since(start)})
	return nil
}

// link combines the fragments with the global data image.
func (s *session) link(ctx context.Context) error {
	out, err := s.back.Link(ctx, s.frags, s.sh)
	if err != nil {
		return err
	}
	s.out = out
	return nil
}

func (s *session) verify(ctx context.Context) error {
	if err := s.back.Verify(ctx, s.out, s.sh); err != nil {
		return err
	}
	s.g.stats.Verified = true
	return nil
}
