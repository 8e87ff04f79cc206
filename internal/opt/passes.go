package opt

import (
	"fmt"
	"slices"

	"kiln/internal/ir"
)

// Pass is one named IR transform.
type Pass struct {
	Name string
	Desc string
	run  func(pc *passContext, m *ir.Module) error
}

// passContext is handed to every pass of a run.
type passContext struct {
	stats           *Stats
	inlineThreshold int
	notes           []error // non-fatal refusals
}

func funcPass(name, desc string, fn func(pc *passContext, f *ir.Func)) Pass {
	return Pass{Name: name, Desc: desc, run: func(pc *passContext, m *ir.Module) error {
		for _, f := range m.Funcs {
			if !f.IsDeclaration {
				fn(pc, f)
			}
		}
		return nil
	}}
}

// canonical is the generic pass order.
var canonical = []string{"inline", "tailcall", "constfold", "unroll", "simplifycfg", "mergeblocks", "dce", "globaldce"}

var registry = map[string]Pass{
	"inline": {Name: "inline", Desc: "inline small non-recursive callees", run: func(pc *passContext, m *ir.Module) error {
		n, refused := InlineCalls(m, pc.inlineThreshold)
		pc.stats.FuncsInlined += n
		pc.stats.InlineRefused += len(refused)
		pc.notes = append(pc.notes, refused...)
		return nil
	}},
	"tailcall": funcPass("tailcall", "turn self tail calls into loops", func(pc *passContext, f *ir.Func) {
		pc.stats.TailCallsEliminated += EliminateTailCalls(f)
	}),
	"constfold": funcPass("constfold", "fold constant operations and branches", func(pc *passContext, f *ir.Func) {
		n, br := FoldConstants(f)
		pc.stats.ConstantsFolded += n
		pc.stats.BranchesFolded += br
	}),
	"unroll": funcPass("unroll", "unroll counted loops with known trip counts", func(pc *passContext, f *ir.Func) {
		full, partial := UnrollLoops(f)
		pc.stats.LoopsFullyUnrolled += full
		pc.stats.LoopsUnrolled += partial
	}),
	"simplifycfg": funcPass("simplifycfg", "collapse branch chains, drop unreachable blocks", func(pc *passContext, f *ir.Func) {
		pc.stats.BlocksRemoved += SimplifyCFG(f)
	}),
	"mergeblocks": funcPass("mergeblocks", "merge blocks with their single-predecessor successor", func(pc *passContext, f *ir.Func) {
		pc.stats.BlocksMerged += MergeBlocks(f)
	}),
	"dce": funcPass("dce", "remove unused instructions", func(pc *passContext, f *ir.Func) {
		pc.stats.InstrsRemoved += EliminateDeadCode(f)
	}),
	"globaldce": {Name: "globaldce", Desc: "remove unreachable functions", run: func(pc *passContext, m *ir.Module) error {
		pc.stats.FuncsRemoved += EliminateDeadFunctions(m)
		return nil
	}},
	"strength-reduce": funcPass("strength-reduce", "replace power-of-two mul/udiv/urem with shifts", func(pc *passContext, f *ir.Func) {
		pc.stats.StrengthReduced += ReduceStrength(f)
	}),
}

// Lookup returns a registered pass.
func Lookup(name string) (Pass, bool) {
	p, ok := registry[name]
	return p, ok
}

// Registered lists every pass name in sorted order.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func levelPasses(level Level) ([]string, error) {
	var enabled map[string]bool
	switch level {
	case LevelNone:
		return nil, nil
	case LevelLess:
		enabled = map[string]bool{"constfold": true, "simplifycfg": true, "dce": true}
	case LevelDefault:
		enabled = map[string]bool{"constfold": true, "simplifycfg": true, "dce": true,
			"inline": true, "tailcall": true, "mergeblocks": true, "globaldce": true}
	case LevelAggressive:
		enabled = map[string]bool{"constfold": true, "simplifycfg": true, "dce": true,
			"inline": true, "tailcall": true, "mergeblocks": true, "globaldce": true, "unroll": true}
	default:
		return nil, fmt.Errorf("unknown optimization level %d", level)
	}
	var out []string
	for _, name := range canonical {
		if enabled[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func profilePasses(p Profile, custom []string) ([]string, error) {
	switch p {
	case ProfileSize:
		return []string{"globaldce", "mergeblocks"}, nil
	case ProfileSpeed:
		return []string{"unroll", "constfold"}, nil
	case ProfileBalanced:
		return []string{"simplifycfg"}, nil
	case ProfileCustom:
		for _, name := range custom {
			if _, ok := registry[name]; !ok {
				return nil, fmt.Errorf("unknown pass %q in custom profile", name)
			}
		}
		return slices.Clone(custom), nil
	}
	return nil, fmt.Errorf("unknown optimization profile %d", p)
}
