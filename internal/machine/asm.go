package machine

import (
	"fmt"
	"io"
	"strings"
)

// vtypeString renders a vsetvli immediate as e<sew>,m<lmul>,ta,ma.
func vtypeString(imm int64) string {
	sew := 8 << (imm >> 3 & 7)
	lmul := "m" + fmt.Sprint(1<<(imm&3))
	ta, ma := "tu", "mu"
	if imm&(1<<6) != 0 {
		ta = "ta"
	}
	if imm&(1<<7) != 0 {
		ma = "ma"
	}
	return fmt.Sprintf("e%d,%s,%s,%s", sew, lmul, ta, ma)
}

func offsetString(in *Inst) string {
	if in.Slot >= 0 {
		return fmt.Sprintf("slot%d+%d", in.Slot, in.Imm)
	}
	return fmt.Sprint(in.Imm)
}

// writeInst renders in in GNU assembler syntax. label names branch targets.
func writeInst(sb *strings.Builder, in *Inst, label func(int) string) {
	r := RegName
	name := in.Op.String()
	switch in.Op.Format() {
	case FmtR, FmtVV, FmtVRed:
		fmt.Fprintf(sb, "%s %s, %s, %s", name, r(in.Rd), r(in.Rs1), r(in.Rs2))
	case FmtR1:
		fmt.Fprintf(sb, "%s %s, %s", name, r(in.Rd), r(in.Rs1))
		if in.Op == OpFCVTLS || in.Op == OpFCVTLD {
			sb.WriteString(", rtz")
		}
	case FmtI, FmtShift:
		fmt.Fprintf(sb, "%s %s, %s, %d", name, r(in.Rd), r(in.Rs1), in.Imm)
	case FmtLoad, FmtJR:
		fmt.Fprintf(sb, "%s %s, %s(%s)", name, r(in.Rd), offsetString(in), r(in.Rs1))
	case FmtStore:
		fmt.Fprintf(sb, "%s %s, %s(%s)", name, r(in.Rs2), offsetString(in), r(in.Rs1))
	case FmtBranch:
		fmt.Fprintf(sb, "%s %s, %s, %s", name, r(in.Rs1), r(in.Rs2), label(in.Target))
	case FmtU:
		fmt.Fprintf(sb, "%s %s, %#x", name, r(in.Rd), in.Imm)
	case FmtJ:
		if in.Rd == RegZero {
			fmt.Fprintf(sb, "j %s", label(in.Target))
		} else {
			fmt.Fprintf(sb, "%s %s, %s", name, r(in.Rd), label(in.Target))
		}
	case FmtNone, FmtRet:
		sb.WriteString(name)
	case FmtCall:
		fmt.Fprintf(sb, "call %s", in.Sym)
	case FmtLA:
		fmt.Fprintf(sb, "la %s, %s", r(in.Rd), in.Sym)
	case FmtFrameAddr:
		fmt.Fprintf(sb, "frameaddr %s, slot%d+%d", r(in.Rd), in.Slot, in.Imm)
	case FmtTrapZero:
		fmt.Fprintf(sb, "bnez %s, .+8\n\tebreak", r(in.Rs1))
	case FmtVSet:
		fmt.Fprintf(sb, "%s %s, %s, %s", name, r(in.Rd), r(in.Rs1), vtypeString(in.Imm))
	case FmtVLoad:
		fmt.Fprintf(sb, "%s%d.v %s, (%s)", name, in.Imm, r(in.Rd), r(in.Rs1))
	case FmtVLoadS, FmtVLoadX:
		fmt.Fprintf(sb, "%s%d.v %s, (%s), %s", name, in.Imm, r(in.Rd), r(in.Rs1), r(in.Rs2))
	case FmtVStore:
		fmt.Fprintf(sb, "%s%d.v %s, (%s)", name, in.Imm, r(in.Rs3), r(in.Rs1))
	case FmtVStoreS, FmtVStoreX:
		fmt.Fprintf(sb, "%s%d.v %s, (%s), %s", name, in.Imm, r(in.Rs3), r(in.Rs1), r(in.Rs2))
	case FmtVX:
		fmt.Fprintf(sb, "%s %s, %s, %s", name, r(in.Rd), r(in.Rs1), r(in.Rs2))
	case FmtVI:
		fmt.Fprintf(sb, "%s %s, %s, %d", name, r(in.Rd), r(in.Rs1), in.Imm)
	case FmtVMvX, FmtVToX:
		fmt.Fprintf(sb, "%s %s, %s", name, r(in.Rd), r(in.Rs1))
	case FmtVMvI:
		fmt.Fprintf(sb, "%s %s, %d", name, r(in.Rd), in.Imm)
	case FmtVNoSrc:
		fmt.Fprintf(sb, "%s %s", name, r(in.Rd))
	case FmtVWholeL:
		fmt.Fprintf(sb, "vl%dre64.v %s, (%s)", in.Imm, r(in.Rd), r(in.Rs1))
	case FmtVWholeS:
		fmt.Fprintf(sb, "vs%dr.v %s, (%s)", in.Imm, r(in.Rs3), r(in.Rs1))
	default:
		sb.WriteString(name)
	}
}

// WriteAsm writes mf as a GNU assembler function. Before allocation the
// text still names virtual registers and frame slots.
func WriteAsm(w io.Writer, mf *MFunc) error {
	label := func(t int) string {
		if t < 0 || t >= len(mf.Blocks) {
			return fmt.Sprintf(".L%s_bad%d", mf.Name, t)
		}
		return fmt.Sprintf(".L%s_%d", mf.Name, t)
	}
	var sb strings.Builder
	sb.WriteString("\t.text\n")
	if mf.Exported {
		fmt.Fprintf(&sb, "\t.globl %s\n", mf.Name)
	}
	fmt.Fprintf(&sb, "\t.p2align 2\n\t.type %s,@function\n%s:\n", mf.Name, mf.Name)
	if mf.Frame.Lowered {
		fmt.Fprintf(&sb, "\t# frame %d bytes, %d saved\n", mf.Frame.Size, len(mf.Frame.Saved))
	}
	for b := range mf.Blocks {
		blk := &mf.Blocks[b]
		fmt.Fprintf(&sb, "%s: # %s freq=%.3g depth=%d", label(b), blk.Label, blk.Freq, blk.LoopDepth)
		if ii, ok := mf.II[b]; ok {
			fmt.Fprintf(&sb, " ii=%d", ii)
		}
		sb.WriteByte('\n')
		for i := range blk.Insts {
			sb.WriteByte('\t')
			writeInst(&sb, &blk.Insts[i], label)
			sb.WriteByte('\n')
		}
	}
	fmt.Fprintf(&sb, "\t.size %s, .-%s\n", mf.Name, mf.Name)
	_, err := io.WriteString(w, sb.String())
	return err
}
