package target

import (
	"fmt"
	"strings"
)

// Extension is one ISA extension flag.
type Extension uint16

const (
	ExtI   Extension = 1 << iota // base integer
	ExtM                         // multiply/divide
	ExtA                         // atomics
	ExtF                         // single float
	ExtD                         // double float
	ExtC                         // compressed
	ExtV                         // vector
	ExtP                         // packed SIMD
	ExtZba                       // address generation bit-manip
	ExtZbb                       // basic bit-manip
)

// Extensions is a set of Extension flags.
type Extensions uint16

var extNames = []struct {
	ext  Extension
	name string
}{
	{ExtI, "i"}, {ExtM, "m"}, {ExtA, "a"}, {ExtF, "f"}, {ExtD, "d"},
	{ExtC, "c"}, {ExtV, "v"}, {ExtP, "p"}, {ExtZba, "zba"}, {ExtZbb, "zbb"},
}

// Has reports whether e is in the set.
func (s Extensions) Has(e Extension) bool { return uint16(s)&uint16(e) != 0 }

// With returns the set with e added.
func (s Extensions) With(e Extension) Extensions { return s | Extensions(e) }

// Without returns the set with e removed.
func (s Extensions) Without(e Extension) Extensions { return s &^ Extensions(e) }

// String renders the set as an ISA suffix, e.g. "imafdcv_zba_zbb".
func (s Extensions) String() string {
	var single, multi []string
	for _, e := range extNames {
		if !s.Has(e.ext) {
			continue
		}
		if len(e.name) == 1 {
			single = append(single, e.name)
		} else {
			multi = append(multi, e.name)
		}
	}
	out := strings.Join(single, "")
	if len(multi) > 0 {
		out += "_" + strings.Join(multi, "_")
	}
	return out
}

func lookupExt(name string) (Extension, bool) {
	if name == "b" {
		return ExtZba | ExtZbb, true
	}
	for _, e := range extNames {
		if e.name == name {
			return e.ext, true
		}
	}
	return 0, false
}

// ParseISA parses an ISA string such as "rv64gcv_zba_zbb". "g" expands to
// imafd. The xlen prefix is checked by the caller.
func ParseISA(s string) (Extensions, error) {
	s = strings.ToLower(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "rv64"), "rv32")
	parts := strings.Split(s, "_")
	var set Extensions
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i > 0 {
			e, ok := lookupExt(part)
			if !ok {
				return 0, fmt.Errorf("unknown ISA extension %q", part)
			}
			set |= Extensions(e)
			continue
		}
		for _, r := range part {
			if r == 'g' {
				set |= Extensions(ExtI | ExtM | ExtA | ExtF | ExtD)
				continue
			}
			e, ok := lookupExt(string(r))
			if !ok {
				return 0, fmt.Errorf("unknown ISA extension %q", string(r))
			}
			set |= Extensions(e)
		}
	}
	return set, nil
}

// ApplyFeatures applies an LLVM-style feature string ("+v,-c,+zbb") or an
// ISA string to base.
func ApplyFeatures(base Extensions, features string) (Extensions, error) {
	features = strings.TrimSpace(features)
	if features == "" {
		return base, nil
	}
	if strings.HasPrefix(strings.ToLower(features), "rv") {
		return ParseISA(features)
	}
	set := base
	for _, f := range strings.Split(features, ",") {
		f = strings.TrimSpace(strings.ToLower(f))
		if f == "" {
			continue
		}
		add := true
		switch f[0] {
		case '+':
			f = f[1:]
		case '-':
			add = false
			f = f[1:]
		}
		e, ok := lookupExt(f)
		if !ok {
			return 0, fmt.Errorf("unknown feature %q", f)
		}
		if add {
			set |= Extensions(e)
		} else {
			set &^= Extensions(e)
		}
	}
	return set, nil
}
