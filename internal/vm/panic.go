package vm

import (
	"fmt"
	"strings"
)

// PanicCode identifies the type of VM panic.
type PanicCode int

// Stable panic codes - do not change values.
const (
	PanicDivideByZero    PanicCode = 1001 // VM1001: integer division or remainder by zero
	PanicOutOfBounds     PanicCode = 1002 // VM1002: memory access outside the arena
	PanicUnreachable     PanicCode = 1003 // VM1003: reached an unreachable terminator
	PanicStackOverflow   PanicCode = 1004 // VM1004: call depth limit exceeded
	PanicStepLimit       PanicCode = 1005 // VM1005: instruction budget exhausted
	PanicUnknownFunction PanicCode = 1006 // VM1006: call to a function without a body or host binding
	PanicBadArgs         PanicCode = 1007 // VM1007: wrong argument count
	PanicUnimplemented   PanicCode = 1999 // VM1999: unimplemented instruction/terminator
)

// String returns the code as "VM1001" format.
func (c PanicCode) String() string {
	return fmt.Sprintf("VM%d", c)
}

// BacktraceFrame represents one frame in the panic backtrace.
type BacktraceFrame struct {
	FuncName string
	Block    string
}

// VMError represents a runtime panic in the VM.
type VMError struct {
	Code      PanicCode
	Message   string
	Backtrace []BacktraceFrame // Stack frames from top to bottom
}

// Error implements the error interface.
func (p *VMError) Error() string {
	return fmt.Sprintf("panic %s: %s", p.Code, p.Message)
}

// Format renders the panic with its backtrace.
func (p *VMError) Format() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("panic %s: %s\n", p.Code, p.Message))
	if len(p.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, frame := range p.Backtrace {
			sb.WriteString(fmt.Sprintf("  %d: %s at %s\n", i, frame.FuncName, frame.Block))
		}
	}
	return sb.String()
}

func (vm *VM) makeError(code PanicCode, msg string) *VMError {
	e := &VMError{Code: code, Message: msg}
	e.Backtrace = make([]BacktraceFrame, len(vm.stack))
	for i := len(vm.stack) - 1; i >= 0; i-- {
		fr := vm.stack[i]
		name := "?"
		if blk := fr.fn.Block(fr.block); blk != nil {
			name = blk.Name()
		}
		e.Backtrace[len(vm.stack)-1-i] = BacktraceFrame{FuncName: fr.fn.Name, Block: name}
	}
	return e
}
