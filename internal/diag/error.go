package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the top-level failure class of a code generation error.
type Kind uint8

const (
	// KindIRInvariant reports malformed IR handed to codegen.
	KindIRInvariant Kind = iota + 1
	// KindUnimplemented reports a construct or backend that is not supported.
	KindUnimplemented
	// KindVerification reports generated code that failed its backend check.
	KindVerification
	// KindInternalCodegen reports a worker panic or broken internal state.
	KindInternalCodegen
	// KindIO reports a failure reading input or writing output.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindIRInvariant:
		return "ir-invariant"
	case KindUnimplemented:
		return "unimplemented"
	case KindVerification:
		return "verification"
	case KindInternalCodegen:
		return "internal-codegen"
	case KindIO:
		return "io"
	}
	return "unknown"
}

// Error is the single error value surfaced by a failed codegen call.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Func    string // offending function, if known
	Block   string // offending block label, if known
	Err     error  // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(" ")
	sb.WriteString(e.Code.ID())
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Func != "" {
		sb.WriteString(" (func ")
		sb.WriteString(e.Func)
		if e.Block != "" {
			sb.WriteString(", block ")
			sb.WriteString(e.Block)
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and code, so sentinel
// values such as ErrUnsupportedInstruction work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == UnknownCode || t.Code == e.Code)
}

// InFunc returns a copy of e annotated with a function name.
func (e *Error) InFunc(name string) *Error {
	c := *e
	if c.Func == "" {
		c.Func = name
	}
	return &c
}

// InBlock returns a copy of e annotated with a block label.
func (e *Error) InBlock(label string) *Error {
	c := *e
	if c.Block == "" {
		c.Block = label
	}
	return &c
}

// Sentinels for errors.Is checks.
var (
	ErrIRInvariant            = &Error{Kind: KindIRInvariant}
	ErrUnimplemented          = &Error{Kind: KindUnimplemented}
	ErrUnsupportedInstruction = &Error{Kind: KindUnimplemented, Code: UnsupInstruction}
	ErrVerification           = &Error{Kind: KindVerification}
	ErrInternalCodegen        = &Error{Kind: KindInternalCodegen}
	ErrIO                     = &Error{Kind: KindIO}
)

func newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IRInvariant creates an IR invariant violation.
func IRInvariant(code Code, format string, args ...any) *Error {
	return newf(KindIRInvariant, code, format, args...)
}

// Unimplemented creates an unimplemented-construct error.
func Unimplemented(code Code, format string, args ...any) *Error {
	return newf(KindUnimplemented, code, format, args...)
}

// UnsupportedInstruction reports an instruction kind a consumer does not handle.
func UnsupportedInstruction(kind fmt.Stringer) *Error {
	return newf(KindUnimplemented, UnsupInstruction, "unsupported instruction %s", kind)
}

// Verification creates a verification failure wrapping the checker's error.
func Verification(code Code, err error, format string, args ...any) *Error {
	e := newf(KindVerification, code, format, args...)
	e.Err = err
	return e
}

// InternalCodegen creates an internal failure.
func InternalCodegen(code Code, format string, args ...any) *Error {
	return newf(KindInternalCodegen, code, format, args...)
}

// IO creates an I/O failure wrapping the underlying error.
func IO(code Code, err error, format string, args ...any) *Error {
	e := newf(KindIO, code, format, args...)
	e.Err = err
	return e
}

// KindOf extracts the Kind of the first *Error in err's chain.
// Unclassified errors are reported as internal codegen failures.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalCodegen
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
