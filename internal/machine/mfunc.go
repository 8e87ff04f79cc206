package machine

import (
	"strings"

	"kiln/internal/target"
)

// MBlock is a machine basic block. Control leaves through the branch
// instructions at its end; a block whose last instruction is not a jump
// or return falls through to the next block in layout order.
type MBlock struct {
	Label     string
	Insts     []Inst
	Freq      float64
	LoopDepth int
}

// SlotKind tells what a frame slot holds.
type SlotKind uint8

const (
	SlotAlloca SlotKind = iota
	SlotSpill
	SlotSave
)

// Slot is one stack frame object.
type Slot struct {
	Kind   SlotKind
	Size   int64
	Align  int64
	Offset int64 // from sp after the prologue; set by frame lowering
}

// Frame describes the stack frame of a lowered function.
type Frame struct {
	Slots    []Slot
	Size     int64
	Saved    []Reg // callee-saved registers spilled by the prologue
	HasCalls bool
	Lowered  bool
}

func (fr *Frame) addSlot(kind SlotKind, size, align int64) int {
	fr.Slots = append(fr.Slots, Slot{Kind: kind, Size: size, Align: max(align, 1)})
	return len(fr.Slots) - 1
}

// VReg describes a virtual register.
type VReg struct {
	Class target.RegClass
	Bits  uint8 // value width, used to pick spill instructions
	Hint  Reg   // preferred physical register, NoReg when none
}

// FuncStats counts what the target optimizer did to one function.
type FuncStats struct {
	Insts             int     `json:"insts" yaml:"insts" msgpack:"insts"`
	Spills            int     `json:"spills" yaml:"spills" msgpack:"spills"`
	Reloads           int     `json:"reloads" yaml:"reloads" msgpack:"reloads"`
	SpilledVRegs      int     `json:"spilled_vregs" yaml:"spilled_vregs" msgpack:"spilled_vregs"`
	LoopsVectorized   int     `json:"loops_vectorized" yaml:"loops_vectorized" msgpack:"loops_vectorized"`
	LoopsPacked       int     `json:"loops_packed" yaml:"loops_packed" msgpack:"loops_packed"`
	LoopsPipelined    int     `json:"loops_pipelined" yaml:"loops_pipelined" msgpack:"loops_pipelined"`
	VectorSkipped     int     `json:"vector_skipped" yaml:"vector_skipped" msgpack:"vector_skipped"`
	Speculated        int     `json:"speculated" yaml:"speculated" msgpack:"speculated"`
	BitManip          int     `json:"bitmanip" yaml:"bitmanip" msgpack:"bitmanip"`
	BestSpeedup       float64 `json:"best_speedup" yaml:"best_speedup" msgpack:"best_speedup"`
	ScheduledBlocks   int     `json:"scheduled_blocks" yaml:"scheduled_blocks" msgpack:"scheduled_blocks"`
	FusedBranches     int     `json:"fused_branches" yaml:"fused_branches" msgpack:"fused_branches"`
	ImmediateSelected int     `json:"immediate_selected" yaml:"immediate_selected" msgpack:"immediate_selected"`
}

// MFunc is a function lowered to RISC-V machine instructions.
type MFunc struct {
	Name     string
	Exported bool
	Level    int
	Blocks   []MBlock
	VRegs    []VReg
	Frame    Frame
	Assigned map[Reg]Reg // virtual -> physical after allocation
	Spilled  map[Reg]int // virtual -> spill slot
	II       map[int]int // pipelined block -> initiation interval
	Stats    FuncStats
}

func newMFunc(name string, level int) *MFunc {
	return &MFunc{Name: name, Level: level, II: make(map[int]int)}
}

// NewVReg allocates a virtual register.
func (mf *MFunc) NewVReg(class target.RegClass, bits uint8) Reg {
	mf.VRegs = append(mf.VRegs, VReg{Class: class, Bits: bits, Hint: NoReg})
	return VRegBase + Reg(len(mf.VRegs)-1)
}

// VRegInfo returns the description of a virtual register.
func (mf *MFunc) VRegInfo(r Reg) VReg {
	if !r.IsVirtual() || int(r-VRegBase) >= len(mf.VRegs) {
		return VReg{Class: physClass(r), Hint: NoReg}
	}
	return mf.VRegs[r-VRegBase]
}

// ClassOf returns the register class of any register.
func (mf *MFunc) ClassOf(r Reg) target.RegClass {
	if r.IsVirtual() {
		return mf.VRegInfo(r).Class
	}
	return physClass(r)
}

func physClass(r Reg) target.RegClass {
	switch {
	case r >= 64:
		return target.ClassVector
	case r >= 32:
		return target.ClassFPR
	}
	return target.ClassGPR
}

// AddBlock appends a block and returns its index.
func (mf *MFunc) AddBlock(label string) int {
	mf.Blocks = append(mf.Blocks, MBlock{Label: label})
	return len(mf.Blocks) - 1
}

// InstCount returns the number of instructions across all blocks.
func (mf *MFunc) InstCount() int {
	n := 0
	for i := range mf.Blocks {
		n += len(mf.Blocks[i].Insts)
	}
	return n
}

// termStart returns the index of the first branch in the block's trailing
// branch group.
func termStart(b *MBlock) int {
	i := len(b.Insts)
	for i > 0 {
		op := b.Insts[i-1].Op
		if !op.IsBranch() && op != OpEBREAK {
			break
		}
		i--
	}
	return i
}

// endsBlock reports whether control never falls past in.
func endsBlock(in *Inst) bool {
	switch in.Op.Format() {
	case FmtJ, FmtJR, FmtRet:
		return true
	}
	return in.Op == OpEBREAK
}

// Succs returns the successor block indices of block i in layout.
func (mf *MFunc) Succs(i int) []int {
	b := &mf.Blocks[i]
	var out []int
	seen := make(map[int]bool)
	for j := range b.Insts {
		in := &b.Insts[j]
		switch in.Op.Format() {
		case FmtBranch, FmtJ:
			if !seen[in.Target] {
				seen[in.Target] = true
				out = append(out, in.Target)
			}
		}
	}
	falls := len(b.Insts) == 0 || !endsBlock(&b.Insts[len(b.Insts)-1])
	if falls && i+1 < len(mf.Blocks) && !seen[i+1] {
		out = append(out, i+1)
	}
	return out
}

// Preds returns the predecessor lists of every block.
func (mf *MFunc) Preds() [][]int {
	preds := make([][]int, len(mf.Blocks))
	for i := range mf.Blocks {
		for _, s := range mf.Succs(i) {
			preds[s] = append(preds[s], i)
		}
	}
	return preds
}

// rpo returns the blocks reachable from block 0 in reverse postorder.
func (mf *MFunc) rpo() []int {
	seen := make([]bool, len(mf.Blocks))
	var post []int
	type frame struct {
		b     int
		succs []int
		next  int
	}
	stack := []frame{{b: 0, succs: mf.Succs(0)}}
	seen[0] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.succs) {
			s := top.succs[top.next]
			top.next++
			if !seen[s] {
				seen[s] = true
				stack = append(stack, frame{b: s, succs: mf.Succs(s)})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// String renders the function as assembly-like text.
func (mf *MFunc) String() string {
	var sb strings.Builder
	_ = WriteAsm(&sb, mf)
	return sb.String()
}
