package codegen

import (
	"runtime"
	"strings"

	"kiln/internal/config"
	"kiln/internal/ir"
)

// Strategy is the emission plan chosen after optimization.
type Strategy struct {
	Parallel       bool `json:"parallel" yaml:"parallel" msgpack:"parallel"`
	Workers        int  `json:"workers" yaml:"workers" msgpack:"workers"`
	Split          bool `json:"split" yaml:"split" msgpack:"split"`
	OptimizeLayout bool `json:"optimize_layout" yaml:"optimize_layout" msgpack:"optimize_layout"`
}

func (s Strategy) String() string {
	var parts []string
	if s.Parallel {
		parts = append(parts, "parallel")
	} else {
		parts = append(parts, "sequential")
	}
	if s.Split {
		parts = append(parts, "split")
	}
	if s.OptimizeLayout {
		parts = append(parts, "layout")
	}
	return strings.Join(parts, "+")
}

// decideStrategy applies the configured thresholds to the optimized module.
func decideStrategy(cfg config.Codegen, m *ir.Module) Strategy {
	var s Strategy
	defined := m.Defined()
	s.Parallel = cfg.Parallel && len(defined) > cfg.ParallelThreshold
	if s.Parallel {
		s.Workers = cfg.Workers
		if s.Workers <= 0 {
			s.Workers = runtime.GOMAXPROCS(0)
		}
		s.Workers = min(s.Workers, len(defined))
	}
	for _, f := range defined {
		if len(f.Blocks) > cfg.ComplexityThreshold {
			s.Split = true
			break
		}
	}
	s.OptimizeLayout = len(m.Globals) > cfg.GlobalsThreshold
	return s
}

// chunks splits n items into w contiguous ranges. The first n%w ranges
// get one extra item.
func chunks(n, w int) [][2]int {
	if n == 0 {
		return nil
	}
	w = max(1, min(w, n))
	base, rem := n/w, n%w
	out := make([][2]int, 0, w)
	lo := 0
	for i := range w {
		size := base
		if i < rem {
			size++
		}
		out = append(out, [2]int{lo, lo + size})
		lo += size
	}
	return out
}
