package observ

import (
	"testing"
	"time"
)

func TestReportSkipsOpenSpans(t *testing.T) {
	tm := NewTimer()
	a := tm.Begin("a")
	tm.Begin("still-open")
	time.Sleep(time.Millisecond)
	tm.End(a, "ok")
	tm.End(a, "twice")
	tm.End(42, "ignored")

	r := tm.Report()
	if len(r.Phases) != 1 || r.Phases[0].Name != "a" || r.Phases[0].Note != "ok" {
		t.Fatalf("phases = %+v", r.Phases)
	}
	if r.TotalMS <= 0 || r.TotalMS != r.Phases[0].DurationMS {
		t.Fatalf("total = %v, phases = %+v", r.TotalMS, r.Phases)
	}
}

func TestSlowest(t *testing.T) {
	r := Report{Phases: []PhaseReport{{Name: "x", DurationMS: 1}, {Name: "y", DurationMS: 3}, {Name: "z", DurationMS: 2}}}
	got := r.Slowest(2)
	if len(got) != 2 || got[0].Name != "y" || got[1].Name != "z" {
		t.Fatalf("Slowest(2) = %+v", got)
	}
	if r.Phases[0].Name != "x" {
		t.Fatal("Slowest reordered the report")
	}
	if len(r.Slowest(10)) != 3 {
		t.Fatal("Slowest(10) should return every phase")
	}
}
