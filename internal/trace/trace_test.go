package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltersScopes(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeDriver, false},
		{LevelPhase, ScopePass, true},
		{LevelPhase, ScopeFunc, false},
		{LevelDetail, ScopeFunc, true},
		{LevelDetail, ScopeNode, false},
		{LevelDebug, ScopeNode, true},
		{LevelError, ScopeNode, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Errorf("%s.ShouldEmit(%s) = %v, want %v", tt.level, tt.scope, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("ParseLevel accepted an unknown level")
	}
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		Point(r, ScopeNode, name, "", 0)
	}
	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Name != want {
			t.Errorf("event %d = %s, want %s", i, got[i].Name, want)
		}
	}
	if got[0].Seq >= got[2].Seq {
		t.Errorf("sequence not increasing: %d, %d", got[0].Seq, got[2].Seq)
	}
}

func TestSpanNestingAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelPhase, Mode: ModeStream, Output: &buf, Format: FormatText, Session: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	root := Begin(tr, ScopeDriver, "ir-optimize", 0)
	pass := Begin(tr, ScopePass, "pass:dce", root.ID())
	fn := Begin(tr, ScopeFunc, "emit:main", pass.ID())
	if fn.ID() != 0 {
		t.Fatal("func span should be inert at phase level")
	}
	fn.WithExtra("cached", "true").End("")
	pass.WithExtra("removed", "3").End("")
	root.End("")
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if strings.Contains(out, "emit:main") {
		t.Fatalf("func span leaked:\n%s", out)
	}
	for _, want := range []string{"> driver ir-optimize", "  > pass pass:dce", "removed=3", "< driver ir-optimize ["} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if root.End("again") != 0 {
		t.Error("ending a span twice should be a no-op")
	}
}

func TestNDJSONCarriesSession(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelDebug, Mode: ModeBoth, Output: &buf, Format: FormatNDJSON, Session: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	Point(tr, ScopeNode, "vectorize", "vl=4", 7)
	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("bad json %q: %v", buf.String(), err)
	}
	if got["session"] != "abc" || got["kind"] != "point" || got["scope"] != "node" || got["detail"] != "vl=4" {
		t.Fatalf("event = %v", got)
	}
	ring, ok := RingOf(tr)
	if !ok || len(ring.Snapshot()) != 1 {
		t.Fatal("ModeBoth should also record into the ring")
	}
}

func TestErrorLevelUsesRing(t *testing.T) {
	tr, err := New(Config{Level: LevelError, Mode: ModeStream})
	if err != nil {
		t.Fatal(err)
	}
	ring, ok := RingOf(tr)
	if !ok {
		t.Fatalf("tracer %T has no ring", tr)
	}
	Begin(tr, ScopeFunc, "emit:f", 0).End("boom")
	var buf bytes.Buffer
	if err := ring.Dump(&buf, FormatText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "emit:f") || !strings.Contains(buf.String(), "(boom)") {
		t.Fatalf("dump:\n%s", buf.String())
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != Nop {
		t.Fatal("empty context should yield Nop")
	}
	if CurrentSpan(ctx).SpanID != 0 {
		t.Fatal("empty context should have no span")
	}
	ctx = WithSpanContext(WithTracer(ctx, nil), SpanContext{SpanID: 9})
	if FromContext(ctx) != Nop || CurrentSpan(ctx).SpanID != 9 {
		t.Fatal("context values not propagated")
	}
	if _, ok := RingOf(Nop); ok {
		t.Fatal("Nop has no ring")
	}
}
