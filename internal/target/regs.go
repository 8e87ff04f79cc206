package target

import "fmt"

// RegClass is a register file.
type RegClass uint8

const (
	ClassGPR RegClass = iota
	ClassFPR
	ClassVector
	numClasses
)

func (c RegClass) String() string {
	switch c {
	case ClassGPR:
		return "gpr"
	case ClassFPR:
		return "fpr"
	case ClassVector:
		return "vector"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Role is the ABI role of a register.
type Role uint8

const (
	RoleTemp Role = iota // caller-saved temporary
	RoleZero
	RoleReturnAddr
	RoleStackPtr
	RoleGlobalPtr
	RoleThreadPtr
	RoleFramePtr
	RoleArg // argument / return value
	RoleSaved
	RoleMask // vector mask register
)

func (r Role) String() string {
	switch r {
	case RoleTemp:
		return "temp"
	case RoleZero:
		return "zero"
	case RoleReturnAddr:
		return "ra"
	case RoleStackPtr:
		return "sp"
	case RoleGlobalPtr:
		return "gp"
	case RoleThreadPtr:
		return "tp"
	case RoleFramePtr:
		return "fp"
	case RoleArg:
		return "arg"
	case RoleSaved:
		return "saved"
	case RoleMask:
		return "mask"
	}
	return "unknown"
}

// Register is one physical register.
type Register struct {
	ID          int    // unique across classes
	Num         uint8  // hardware number within the class
	Name        string // ABI name
	Class       RegClass
	Role        Role
	CalleeSaved bool
}

// Reserved reports whether the register can never be allocated.
func (r Register) Reserved() bool {
	switch r.Role {
	case RoleZero, RoleReturnAddr, RoleStackPtr, RoleGlobalPtr, RoleThreadPtr, RoleFramePtr:
		return true
	}
	return false
}

func riscvGPRs() []Register {
	names := [32]string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}
	regs := make([]Register, 32)
	for i, name := range names {
		r := Register{ID: i, Num: uint8(i), Name: name, Class: ClassGPR}
		switch {
		case i == 0:
			r.Role = RoleZero
		case i == 1:
			r.Role = RoleReturnAddr
		case i == 2:
			r.Role, r.CalleeSaved = RoleStackPtr, true
		case i == 3:
			r.Role = RoleGlobalPtr
		case i == 4:
			r.Role = RoleThreadPtr
		case i == 8:
			r.Role, r.CalleeSaved = RoleFramePtr, true
		case name[0] == 's':
			r.Role, r.CalleeSaved = RoleSaved, true
		case name[0] == 'a':
			r.Role = RoleArg
		}
		regs[i] = r
	}
	return regs
}

func riscvFPRs() []Register {
	regs := make([]Register, 32)
	for i := range regs {
		var name string
		r := Register{ID: 32 + i, Num: uint8(i), Class: ClassFPR}
		switch {
		case i < 8:
			name = fmt.Sprintf("ft%d", i)
		case i < 10:
			name = fmt.Sprintf("fs%d", i-8)
			r.Role, r.CalleeSaved = RoleSaved, true
		case i < 18:
			name = fmt.Sprintf("fa%d", i-10)
			r.Role = RoleArg
		case i < 28:
			name = fmt.Sprintf("fs%d", i-16)
			r.Role, r.CalleeSaved = RoleSaved, true
		default:
			name = fmt.Sprintf("ft%d", i-20)
		}
		r.Name = name
		regs[i] = r
	}
	return regs
}

func riscvVRegs() []Register {
	regs := make([]Register, 32)
	for i := range regs {
		r := Register{ID: 64 + i, Num: uint8(i), Name: fmt.Sprintf("v%d", i), Class: ClassVector}
		if i == 0 {
			r.Role = RoleMask
		}
		regs[i] = r
	}
	return regs
}

func x86GPRs() []Register {
	names := []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	regs := make([]Register, len(names))
	for i, name := range names {
		r := Register{ID: i, Num: uint8(i), Name: name, Class: ClassGPR}
		switch name {
		case "rsp":
			r.Role, r.CalleeSaved = RoleStackPtr, true
		case "rbp":
			r.Role, r.CalleeSaved = RoleFramePtr, true
		case "rbx", "r12", "r13", "r14", "r15":
			r.Role, r.CalleeSaved = RoleSaved, true
		case "rdi", "rsi", "rdx", "rcx", "r8", "r9":
			r.Role = RoleArg
		}
		regs[i] = r
	}
	return regs
}
