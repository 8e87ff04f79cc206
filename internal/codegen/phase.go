package codegen

import (
	"time"
)

// Phase is a state of the generator's pipeline.
type Phase int32

const (
	PhaseStart Phase = iota
	PhaseDependencyAnalysis
	PhaseConfigurePasses
	PhaseIROptimize
	PhaseTargetSpecificOptimize
	PhaseStrategyDecision
	PhaseSequentialEmit
	PhaseParallelEmit
	PhaseGlobalInitEmit
	PhaseVerify
	PhaseDone
)

var phaseNames = [...]string{
	PhaseStart:                  "start",
	PhaseDependencyAnalysis:     "dependency-analysis",
	PhaseConfigurePasses:        "configure-passes",
	PhaseIROptimize:             "ir-optimize",
	PhaseTargetSpecificOptimize: "target-optimize",
	PhaseStrategyDecision:       "strategy",
	PhaseSequentialEmit:         "sequential-emit",
	PhaseParallelEmit:           "parallel-emit",
	PhaseGlobalInitEmit:         "global-init-emit",
	PhaseVerify:                 "verify",
	PhaseDone:                   "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Status captures progress within a phase or for one function.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusWorking Status = "working"
	StatusCached  Status = "cached"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event reports progress for a function, or for the whole module when
// Func is empty.
type Event struct {
	Func    string
	Phase   Phase
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. During parallel emission
// OnEvent is called from several goroutines.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}
