package ui

import (
	"errors"
	"math"
	"strings"
	"testing"

	"kiln/internal/codegen"
)

func TestApplyEventTracksFunctions(t *testing.T) {
	events := make(chan codegen.Event)
	m := NewProgressModel("answer", []string{"main", "helper"}, events).(*progressModel)

	m.applyEvent(codegen.Event{Phase: codegen.PhaseParallelEmit, Status: codegen.StatusWorking})
	m.applyEvent(codegen.Event{Func: "main", Phase: codegen.PhaseParallelEmit, Status: codegen.StatusDone})
	m.applyEvent(codegen.Event{Func: "unknown", Phase: codegen.PhaseParallelEmit, Status: codegen.StatusDone})

	if m.items[0].status != codegen.StatusDone || m.items[1].status != codegen.StatusQueued {
		t.Fatalf("statuses: %+v", m.items)
	}
	if got := m.percent(codegen.PhaseParallelEmit); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("percent = %v, want 0.5", got)
	}
	if !strings.Contains(m.View(), "parallel-emit") {
		t.Fatalf("view lacks phase label:\n%s", m.View())
	}

	m.applyEvent(codegen.Event{Phase: codegen.PhaseVerify, Status: codegen.StatusError, Err: errors.New("bad object")})
	if view := m.View(); !strings.Contains(view, "failed: answer") || !strings.Contains(view, "bad object") {
		t.Fatalf("view after failure:\n%s", view)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"main", 10, "main"},
		{"very_long_function_name", 10, "very_lo..."},
		{"関数名前", 5, "関..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
