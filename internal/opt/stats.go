package opt

// Stats counts what the IR passes changed. Counters only grow during a run.
type Stats struct {
	PassesRun           int `json:"passes_run" yaml:"passes_run" msgpack:"passes_run"`
	InstrsRemoved       int `json:"instrs_removed" yaml:"instrs_removed" msgpack:"instrs_removed"`
	BlocksRemoved       int `json:"blocks_removed" yaml:"blocks_removed" msgpack:"blocks_removed"`
	BlocksMerged        int `json:"blocks_merged" yaml:"blocks_merged" msgpack:"blocks_merged"`
	FuncsRemoved        int `json:"funcs_removed" yaml:"funcs_removed" msgpack:"funcs_removed"`
	ConstantsFolded     int `json:"constants_folded" yaml:"constants_folded" msgpack:"constants_folded"`
	BranchesFolded      int `json:"branches_folded" yaml:"branches_folded" msgpack:"branches_folded"`
	FuncsInlined        int `json:"funcs_inlined" yaml:"funcs_inlined" msgpack:"funcs_inlined"`
	InlineRefused       int `json:"inline_refused" yaml:"inline_refused" msgpack:"inline_refused"`
	TailCallsEliminated int `json:"tail_calls_eliminated" yaml:"tail_calls_eliminated" msgpack:"tail_calls_eliminated"`
	LoopsFullyUnrolled  int `json:"loops_fully_unrolled" yaml:"loops_fully_unrolled" msgpack:"loops_fully_unrolled"`
	LoopsUnrolled       int `json:"loops_unrolled" yaml:"loops_unrolled" msgpack:"loops_unrolled"`
	StrengthReduced     int `json:"strength_reduced" yaml:"strength_reduced" msgpack:"strength_reduced"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.PassesRun += o.PassesRun
	s.InstrsRemoved += o.InstrsRemoved
	s.BlocksRemoved += o.BlocksRemoved
	s.BlocksMerged += o.BlocksMerged
	s.FuncsRemoved += o.FuncsRemoved
	s.ConstantsFolded += o.ConstantsFolded
	s.BranchesFolded += o.BranchesFolded
	s.FuncsInlined += o.FuncsInlined
	s.InlineRefused += o.InlineRefused
	s.TailCallsEliminated += o.TailCallsEliminated
	s.LoopsFullyUnrolled += o.LoopsFullyUnrolled
	s.LoopsUnrolled += o.LoopsUnrolled
	s.StrengthReduced += o.StrengthReduced
}
