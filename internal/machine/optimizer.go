// Package machine lowers IR functions to RISC-V machine code and applies
// the target-specific optimizations selected by the optimization level.
package machine

import (
	"context"
	"fmt"
	"strconv"

	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// SymbolTable is the read-only view of module declarations the lowering
// consults. Implementations must be safe for concurrent readers.
type SymbolTable interface {
	Signature(name string) (ir.Type, bool)
	Global(name string) (ir.Global, bool)
	Recursive(name string) bool
	Layout() ir.Layout
}

// Options tunes the optimizer beyond the level.
type Options struct {
	Vectorize       bool // RVV loop vectorization at level 2 and up
	AutoSIMD        bool // packed SIMD at level 3 when V is absent
	AllowGather     bool // accept indexed loads as vector gathers
	MaxLoopBranches int  // branches allowed inside a vectorization candidate
	IssueWidth      int  // instructions issued per cycle in the scheduling model
	Heuristics      Heuristics
}

// DefaultOptions enables every transform the target supports.
func DefaultOptions() Options {
	return Options{
		Vectorize:       true,
		AutoSIMD:        true,
		MaxLoopBranches: 1,
		IssueWidth:      2,
		Heuristics:      DefaultHeuristics(),
	}
}

type Option func(*Optimizer)

func WithOptions(opts Options) Option { return func(o *Optimizer) { o.opts = opts } }

// Pools lists the allocatable registers of one class.
type Pools struct {
	CallerSaved []Reg
	CalleeSaved []Reg
	Scratch     []Reg
}

// Optimizer lowers functions for one target descriptor. It holds no
// per-function state and may be shared by concurrent workers.
type Optimizer struct {
	desc *target.Descriptor
	opts Options

	ext                                          target.Extensions
	hasM, hasF, hasD, hasV, hasP, hasZba, hasZbb bool

	pools [3]Pools
	roles map[Reg]target.Role
}

// New builds an optimizer for a RISC-V descriptor.
func New(desc *target.Descriptor, opts ...Option) (*Optimizer, error) {
	if desc == nil || !desc.Arch().IsRISCV() {
		arch := "<nil>"
		if desc != nil {
			arch = string(desc.Arch())
		}
		return nil, diag.Unimplemented(diag.UnsupTarget, "no target optimizer for %s", arch)
	}
	if desc.Arch() != target.ArchRISCV64 {
		return nil, diag.Unimplemented(diag.UnsupTarget, "only RV64 lowering is implemented, got %s", desc.Arch())
	}
	o := &Optimizer{desc: desc, opts: DefaultOptions(), roles: make(map[Reg]target.Role)}
	for _, opt := range opts {
		opt(o)
	}
	if o.opts.IssueWidth <= 0 {
		o.opts.IssueWidth = 2
	}
	if o.opts.Heuristics == (Heuristics{}) {
		o.opts.Heuristics = DefaultHeuristics()
	}
	o.ext = desc.Extensions()
	o.hasM = desc.Has(target.ExtM)
	o.hasF = desc.Has(target.ExtF)
	o.hasD = desc.Has(target.ExtD)
	o.hasV = desc.Has(target.ExtV)
	o.hasP = desc.Has(target.ExtP)
	o.hasZba = desc.Has(target.ExtZba)
	o.hasZbb = desc.Has(target.ExtZbb)

	for _, class := range []target.RegClass{target.ClassGPR, target.ClassFPR, target.ClassVector} {
		o.pools[class] = o.buildPool(class)
	}
	return o, nil
}

// buildPool sorts the class's registers into allocatable and scratch sets.
// Argument registers stay out of allocation; lowering moves values into
// them around calls and returns.
func (o *Optimizer) buildPool(class target.RegClass) Pools {
	var p Pools
	regs := o.desc.Registers(class)
	if class == target.ClassVector {
		lmul := max(o.desc.LMUL(), 1)
		groups := len(regs) / lmul
		for g := 1; g < groups; g++ {
			r := regs[g*lmul]
			reg := Reg(r.ID)
			o.roles[reg] = r.Role
			if g >= groups-2 {
				p.Scratch = append(p.Scratch, reg)
				continue
			}
			p.CallerSaved = append(p.CallerSaved, reg)
		}
		return p
	}
	for _, r := range regs {
		reg := Reg(r.ID)
		o.roles[reg] = r.Role
		if r.Reserved() || r.Role == target.RoleArg {
			continue
		}
		if r.Name == "t5" || r.Name == "t6" || r.Name == "ft10" || r.Name == "ft11" {
			p.Scratch = append(p.Scratch, reg)
			continue
		}
		if r.CalleeSaved {
			p.CalleeSaved = append(p.CalleeSaved, reg)
		} else {
			p.CallerSaved = append(p.CallerSaved, reg)
		}
	}
	return p
}

// Supports reports whether lowering may use extension e.
func (o *Optimizer) Supports(e target.Extension) bool { return o.ext.Has(e) }

// Descriptor returns the target the optimizer lowers for.
func (o *Optimizer) Descriptor() *target.Descriptor { return o.desc }

// Pool returns the register pools of a class.
func (o *Optimizer) Pool(class target.RegClass) Pools {
	p := o.pools[class]
	return Pools{
		CallerSaved: append([]Reg(nil), p.CallerSaved...),
		CalleeSaved: append([]Reg(nil), p.CalleeSaved...),
		Scratch:     append([]Reg(nil), p.Scratch...),
	}
}

// Role returns the ABI role of a physical register.
func (o *Optimizer) Role(r Reg) target.Role { return o.roles[r] }

// RegName returns the ABI name of a physical register or %N for a
// virtual one.
func RegName(r Reg) string {
	switch {
	case r == NoReg:
		return "_"
	case r.IsVirtual():
		return "%" + strconv.Itoa(int(r-VRegBase))
	case r >= 64:
		return "v" + strconv.Itoa(int(r-64))
	case r >= 32:
		return fprNames[r-32]
	}
	return gprNames[r]
}

var gprNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var fprNames = [32]string{
	"ft0", "ft1", "ft2", "ft3", "ft4", "ft5", "ft6", "ft7",
	"fs0", "fs1", "fa0", "fa1", "fa2", "fa3", "fa4", "fa5",
	"fa6", "fa7", "fs2", "fs3", "fs4", "fs5", "fs6", "fs7",
	"fs8", "fs9", "fs10", "fs11", "ft8", "ft9", "ft10", "ft11",
}

// OptimizeFunction lowers f and applies the transforms enabled at level
// (0-3). The returned function has physical registers only and a final
// frame layout, ready for Encode or WriteAsm.
//
//   - 0: instruction selection, every value in a stack slot
//   - 1: + block frequencies, interference-graph allocation, list scheduling
//   - 2: + immediate/fused selection, frequency-weighted spill costs,
//     resource-aware scheduling, Zbb peepholes, RVV vectorization
//   - 3: + packed SIMD, software pipelining, speculative hoisting
func (o *Optimizer) OptimizeFunction(ctx context.Context, f *ir.Func, level int, sig SymbolTable) (*MFunc, error) {
	if f == nil {
		return nil, diag.IRInvariant(diag.IREmptyBody, "nil function")
	}
	if f.IsDeclaration || len(f.Blocks) == 0 {
		return nil, diag.IRInvariant(diag.IREmptyBody, "function %s has no body", f.Name).InFunc(f.Name)
	}
	level = min(max(level, 0), 3)

	tracer := trace.FromContext(ctx)
	span := trace.Begin(tracer, trace.ScopeFunc, "lower:"+f.Name, trace.CurrentSpan(ctx).SpanID)
	ctx = trace.WithSpanContext(ctx, trace.SpanContext{SpanID: span.ID()})

	mf, err := o.run(ctx, f, level, sig)
	if err != nil {
		span.End(err.Error())
		if e, ok := diag.As(err); ok && e.Func == "" {
			return nil, e.InFunc(f.Name)
		}
		return nil, err
	}
	span.WithExtra("insts", strconv.Itoa(mf.Stats.Insts)).
		WithExtra("spills", strconv.Itoa(mf.Stats.Spills)).
		End(fmt.Sprintf("O%d", level))
	return mf, nil
}

func (o *Optimizer) run(ctx context.Context, f *ir.Func, level int, sig SymbolTable) (*MFunc, error) {
	l, err := o.selectInstructions(f, level, sig)
	if err != nil {
		return nil, err
	}
	if level >= 2 && o.hasV && o.opts.Vectorize {
		o.vectorizeLoops(ctx, l)
	}
	if level >= 3 && o.hasP && !o.hasV && o.opts.AutoSIMD {
		o.packLoops(ctx, l)
	}
	return o.finish(l.mf, level)
}

// finish runs the block-level transforms, register allocation and frame
// lowering on a selected function.
func (o *Optimizer) finish(mf *MFunc, level int) (*MFunc, error) {
	if level >= 2 && o.hasZbb {
		mf.Stats.BitManip += o.bitManip(mf)
	}
	if level >= 3 {
		mf.Stats.Speculated += o.speculate(mf)
	}
	if level >= 1 {
		computeFrequencies(mf)
		mf.Stats.ScheduledBlocks += o.schedule(mf, level >= 2)
	}
	if level >= 3 {
		mf.Stats.LoopsPipelined += o.pipelineLoops(mf)
	}
	if level == 0 {
		o.spillEverything(mf)
	} else {
		g := o.BuildInterferenceGraph(mf, level >= 2)
		if err := o.allocate(mf, g); err != nil {
			return nil, err
		}
	}
	if err := o.lowerFrame(mf); err != nil {
		return nil, err
	}
	mf.Stats.Insts = mf.InstCount()
	return mf, nil
}
