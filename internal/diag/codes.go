package diag

import (
	"fmt"
)

// Code identifies a specific failure. Values are stable.
type Code uint16

const (
	UnknownCode Code = 0

	// IR invariant violations
	IRInfo              Code = 1000
	IRUnknownFunction   Code = 1001
	IRUnknownBlock      Code = 1002
	IRMissingTerminator Code = 1003
	IRUnknownValue      Code = 1004
	IRDuplicateValue    Code = 1005
	IRDuplicateFunction Code = 1006
	IREntryHasPreds     Code = 1007
	IRBadPhi            Code = 1008
	IRArgCountMismatch  Code = 1009
	IRUnknownGlobal     Code = 1010
	IREmptyBody         Code = 1011
	IRTypeMismatch      Code = 1012

	// Unsupported constructs
	UnsupInfo        Code = 2000
	UnsupInstruction Code = 2001
	UnsupBackend     Code = 2002
	UnsupTarget      Code = 2003
	UnsupIntWidth    Code = 2004
	UnsupType        Code = 2005
	UnsupOperand     Code = 2006

	// Verification failures
	VerInfo     Code = 3000
	VerObject   Code = 3001
	VerLLVM     Code = 3002
	VerWasm     Code = 3003
	VerBytecode Code = 3004
	VerEncoding Code = 3005
	VerRegAlloc Code = 3006

	// Internal codegen failures
	IntInfo        Code = 4000
	IntWorkerPanic Code = 4001
	IntLowering    Code = 4002
	IntCache       Code = 4003
	IntLink        Code = 4004

	// I/O
	IOInfo        Code = 5000
	IOWriteOutput Code = 5001
	IOReadInput   Code = 5002
	IOCache       Code = 5003
)

var (
	codeDescription = map[Code]string{
		UnknownCode:         "Unknown error",
		IRInfo:              "IR information",
		IRUnknownFunction:   "reference to undeclared function",
		IRUnknownBlock:      "reference to undeclared block",
		IRMissingTerminator: "block without terminator",
		IRUnknownValue:      "use of undefined value",
		IRDuplicateValue:    "value defined more than once",
		IRDuplicateFunction: "duplicate function name",
		IREntryHasPreds:     "entry block has predecessors",
		IRBadPhi:            "malformed phi",
		IRArgCountMismatch:  "argument count does not match parameter count",
		IRUnknownGlobal:     "reference to undeclared global",
		IREmptyBody:         "defined function has no blocks",
		IRTypeMismatch:      "operand type mismatch",
		UnsupInfo:           "Unsupported construct",
		UnsupInstruction:    "unsupported instruction",
		UnsupBackend:        "backend is not implemented",
		UnsupTarget:         "target is not supported",
		UnsupIntWidth:       "unsupported integer width",
		UnsupType:           "unsupported type",
		UnsupOperand:        "unsupported operand",
		VerInfo:             "Verification information",
		VerObject:           "object file failed verification",
		VerLLVM:             "LLVM module failed verification",
		VerWasm:             "WebAssembly module failed validation",
		VerBytecode:         "bytecode failed verification",
		VerEncoding:         "machine code failed to decode",
		VerRegAlloc:         "register assignment overlaps",
		IntInfo:             "Internal codegen information",
		IntWorkerPanic:      "codegen worker panicked",
		IntLowering:         "lowering failed",
		IntCache:            "code cache failure",
		IntLink:             "link step failed",
		IOInfo:              "I/O information",
		IOWriteOutput:       "cannot write output",
		IOReadInput:         "cannot read input",
		IOCache:             "cannot access cache directory",
	}
)

func (c Code) ID() string {
	switch ic := int(c); {
	case ic >= 1000 && ic < 2000:
		return fmt.Sprintf("IR%04d", ic)
	case ic >= 2000 && ic < 3000:
		return fmt.Sprintf("UNS%04d", ic)
	case ic >= 3000 && ic < 4000:
		return fmt.Sprintf("VER%04d", ic)
	case ic >= 4000 && ic < 5000:
		return fmt.Sprintf("INT%04d", ic)
	case ic >= 5000 && ic < 6000:
		return fmt.Sprintf("IO%04d", ic)
	}
	return "E0000"
}

func (c Code) Title() string {
	desc, ok := codeDescription[c]
	if !ok {
		return codeDescription[Code(0)]
	}
	return desc
}

func (c Code) String() string {
	return fmt.Sprintf("[%s]: %s", c.ID(), c.Title())
}
