package ir_test

import (
	"errors"
	"strings"
	"testing"

	"kiln/internal/diag"
	"kiln/internal/ir"
)

func answerModule() *ir.Module {
	m := ir.NewModule("t")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Const(ir.I64, 42))
	return m
}

// TestValidateAcceptsWellFormed checks a minimal module passes.
func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := ir.Validate(answerModule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestValidateMissingTerminator reports unterminated blocks as IR invariant violations.
func TestValidateMissingTerminator(t *testing.T) {
	m := answerModule()
	m.Funcs[0].Blocks[0].Term = ir.Terminator{}
	err := ir.Validate(m)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, diag.ErrIRInvariant) {
		t.Fatalf("expected IR invariant kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "unterminated") {
		t.Fatalf("unexpected message: %v", err)
	}
}

// TestValidateUnknownTargets reports branches to missing blocks.
func TestValidateUnknownTargets(t *testing.T) {
	m := answerModule()
	m.Funcs[0].Blocks[0].Term = ir.Br(9)
	err := ir.Validate(m)
	if err == nil || !strings.Contains(err.Error(), "bb9 does not exist") {
		t.Fatalf("expected missing target error, got %v", err)
	}
}

// TestValidateUndeclaredCallee reports calls to unknown functions with the caller name.
func TestValidateUndeclaredCallee(t *testing.T) {
	m := ir.NewModule("t")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Call("missing", ir.I64))
	err := ir.Validate(m)
	e, ok := diag.As(err)
	if !ok {
		t.Fatalf("expected diag error, got %v", err)
	}
	if e.Code != diag.IRUnknownFunction || e.Func != "main" {
		t.Fatalf("got code %v func %q", e.Code, e.Func)
	}
}

// TestValidateDoubleDefinition rejects a value defined twice.
func TestValidateDoubleDefinition(t *testing.T) {
	m := answerModule()
	blk := &m.Funcs[0].Blocks[0]
	blk.Instrs = append(blk.Instrs, blk.Instrs[0])
	if err := ir.Validate(m); err == nil || !strings.Contains(err.Error(), "defined more than once") {
		t.Fatalf("expected duplicate definition error, got %v", err)
	}
}

// TestValidateEntryWithPredecessor rejects a branch back into entry.
func TestValidateEntryWithPredecessor(t *testing.T) {
	m := ir.NewModule("t")
	b := ir.NewFuncBuilder(m, "spin", ir.Void)
	entry := b.Block("entry")
	b.Br(entry)
	err := ir.Validate(m)
	e, ok := diag.As(err)
	if !ok || e.Code != diag.IREntryHasPreds {
		t.Fatalf("expected entry predecessor error, got %v", err)
	}
}

// TestValidatePhiPredecessors checks phi incoming lists match predecessors.
func TestValidatePhiPredecessors(t *testing.T) {
	m := ir.NewModule("t")
	b := ir.NewFuncBuilder(m, "sel", ir.I64)
	c := b.Param("c", ir.I1)
	entry := b.Block("entry")
	left := b.Block("left")
	right := b.Block("right")
	join := b.Block("join")
	b.SetBlock(entry)
	b.CondBr(c, left, right)
	b.SetBlock(left)
	one := b.Const(ir.I64, 1)
	b.Br(join)
	b.SetBlock(right)
	b.Br(join)
	b.SetBlock(join)
	p := b.Phi(ir.I64)
	b.AddIncoming(p, left, one)
	b.Ret(p)

	err := ir.Validate(m)
	if err == nil || !strings.Contains(err.Error(), "1 incoming values for 2 predecessors") {
		t.Fatalf("expected phi arity error, got %v", err)
	}
}
