package machine

import "math/bits"

func fitsImm12(v int64) bool { return v >= -2048 && v < 2048 }

func sext12(v int64) int64 { return (v << 52) >> 52 }

func lui(rd Reg, hi20 int64) Inst {
	in := newInst(OpLUI)
	in.Rd, in.Imm = rd, hi20&0xfffff
	return in
}

// loadImm returns the shortest lui/addi(w)/slli sequence this lowering
// knows that sets rd to v.
func loadImm(rd Reg, v int64) []Inst {
	if fitsImm12(v) {
		return []Inst{rri(OpADDI, rd, RegZero, v)}
	}
	if v == int64(int32(v)) {
		hi := (v + 0x800) >> 12
		lo := v - hi<<12
		out := []Inst{lui(rd, hi)}
		if lo != 0 {
			out = append(out, rri(OpADDIW, rd, rd, lo))
		}
		return out
	}
	lo := sext12(v)
	hi := (v - lo) >> 12
	shift := 12
	if tz := bits.TrailingZeros64(uint64(hi)); tz > 0 && tz < 64 {
		hi >>= tz
		shift += tz
	}
	out := loadImm(rd, hi)
	out = append(out, rri(OpSLLI, rd, rd, int64(shift)))
	if lo != 0 {
		out = append(out, rri(OpADDI, rd, rd, lo))
	}
	return out
}

func log2Exact(v int64) (int, bool) {
	if v <= 0 || v&(v-1) != 0 {
		return 0, false
	}
	return bits.TrailingZeros64(uint64(v)), true
}
