package diag_test

import (
	"errors"
	"fmt"
	"testing"

	"kiln/internal/diag"
)

type opName string

func (o opName) String() string { return string(o) }

// TestErrorIsMatchesKindAndCode checks sentinel matching through wrapping.
func TestErrorIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("lower: %w", diag.UnsupportedInstruction(opName("fence")).InFunc("main"))
	if !errors.Is(err, diag.ErrUnsupportedInstruction) {
		t.Fatalf("expected UnsupportedInstruction match, got %v", err)
	}
	if !errors.Is(err, diag.ErrUnimplemented) {
		t.Fatalf("expected kind-only sentinel to match")
	}
	if errors.Is(err, diag.ErrVerification) {
		t.Fatalf("verification sentinel must not match")
	}
	if got := diag.KindOf(err); got != diag.KindUnimplemented {
		t.Fatalf("KindOf = %v", got)
	}
}

// TestErrorMessageCarriesLocation checks function and block annotation.
func TestErrorMessageCarriesLocation(t *testing.T) {
	err := diag.IRInvariant(diag.IRUnknownBlock, "goto target bb%d does not exist", 7).InFunc("f").InBlock("bb2")
	want := "ir-invariant IR1002: goto target bb7 does not exist (func f, block bb2)"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

// TestKindOfUnclassified treats foreign errors as internal failures.
func TestKindOfUnclassified(t *testing.T) {
	if diag.KindOf(errors.New("boom")) != diag.KindInternalCodegen {
		t.Fatalf("foreign error should classify as internal")
	}
	if diag.KindOf(nil) != 0 {
		t.Fatalf("nil error has no kind")
	}
}

func TestIOKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := diag.IO(diag.IOWriteOutput, cause, "write %s", "out.o")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if diag.KindOf(err) != diag.KindIO {
		t.Fatalf("kind = %v", diag.KindOf(err))
	}
}
