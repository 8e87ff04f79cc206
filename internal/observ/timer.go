// Package observ records wall-clock timings of code generation phases and
// IR passes.
package observ

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

type span struct {
	name  string
	start time.Time
	dur   time.Duration
	note  string
	open  bool
}

// Timer collects named spans. Workers may record concurrently.
type Timer struct {
	mu    sync.Mutex
	spans []span
}

func NewTimer() *Timer { return &Timer{} }

// Begin opens a span and returns the index End expects.
func (t *Timer) Begin(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, span{name: name, start: time.Now(), open: true})
	return len(t.spans) - 1
}

// End closes span idx. Unknown or already closed indexes are ignored.
func (t *Timer) End(idx int, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.spans) || !t.spans[idx].open {
		return
	}
	s := &t.spans[idx]
	s.dur = time.Since(s.start)
	s.note = note
	s.open = false
}

// PhaseReport is one closed span in milliseconds.
type PhaseReport struct {
	Name       string  `json:"name" yaml:"name" msgpack:"name"`
	DurationMS float64 `json:"duration_ms" yaml:"duration_ms" msgpack:"duration_ms"`
	Note       string  `json:"note,omitempty" yaml:"note,omitempty" msgpack:"note,omitempty"`
}

// Report lists closed spans in the order they began.
type Report struct {
	TotalMS float64       `json:"total_ms" yaml:"total_ms" msgpack:"total_ms"`
	Phases  []PhaseReport `json:"phases" yaml:"phases" msgpack:"phases"`
}

// Report snapshots the closed spans. Spans still open are left out.
func (t *Timer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	var r Report
	var total time.Duration
	for _, s := range t.spans {
		if s.open {
			continue
		}
		total += s.dur
		r.Phases = append(r.Phases, PhaseReport{Name: s.name, DurationMS: millis(s.dur), Note: s.note})
	}
	r.TotalMS = millis(total)
	return r
}

// Slowest returns up to n phases, longest first.
func (r Report) Slowest(n int) []PhaseReport {
	out := slices.Clone(r.Phases)
	slices.SortStableFunc(out, func(a, b PhaseReport) int { return cmp.Compare(b.DurationMS, a.DurationMS) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
