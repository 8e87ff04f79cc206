// Package target describes compilation targets: architecture, OS, ABI,
// ISA extensions and register files. A Descriptor is immutable once built.
package target

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"kiln/internal/diag"
)

// Arch is a target architecture.
type Arch string

const (
	ArchRISCV64 Arch = "riscv64"
	ArchRISCV32 Arch = "riscv32"
	ArchX86_64  Arch = "x86_64"
	ArchWasm32  Arch = "wasm32"
)

// IsRISCV reports whether a is one of the RISC-V variants.
func (a Arch) IsRISCV() bool { return a == ArchRISCV64 || a == ArchRISCV32 }

// Triple is a parsed target triple.
type Triple struct {
	Arch   Arch
	Vendor string
	OS     string
	Env    string
	ISA    Extensions // extensions spelled in the arch component (riscv64gcv)
}

func (t Triple) String() string {
	parts := []string{string(t.Arch), t.Vendor, t.OS}
	if t.Env != "" {
		parts = append(parts, t.Env)
	}
	return strings.Join(parts, "-")
}

// ParseTriple parses "arch[-vendor]-os[-env]". The RISC-V arch component
// may carry an ISA suffix ("riscv64gcv").
func ParseTriple(s string) (Triple, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "-")
	if len(parts) == 0 || parts[0] == "" {
		return Triple{}, fmt.Errorf("empty target triple")
	}
	t := Triple{Vendor: "unknown", OS: "none"}
	arch := parts[0]
	switch {
	case strings.HasPrefix(arch, "riscv64"), strings.HasPrefix(arch, "rv64"):
		t.Arch = ArchRISCV64
		isa, err := parseArchSuffix(arch, "riscv64", "rv64")
		if err != nil {
			return Triple{}, err
		}
		t.ISA = isa
	case strings.HasPrefix(arch, "riscv32"), strings.HasPrefix(arch, "rv32"):
		t.Arch = ArchRISCV32
		isa, err := parseArchSuffix(arch, "riscv32", "rv32")
		if err != nil {
			return Triple{}, err
		}
		t.ISA = isa
	case arch == "x86_64", arch == "x86-64", arch == "amd64":
		t.Arch = ArchX86_64
	case arch == "wasm32":
		t.Arch = ArchWasm32
	default:
		return Triple{}, fmt.Errorf("unknown architecture %q", parts[0])
	}
	rest := parts[1:]
	switch len(rest) {
	case 0:
	case 1:
		t.OS = rest[0]
	case 2:
		if isOS(rest[0]) {
			t.OS, t.Env = rest[0], rest[1]
		} else {
			t.Vendor, t.OS = rest[0], rest[1]
		}
	default:
		t.Vendor, t.OS, t.Env = rest[0], rest[1], strings.Join(rest[2:], "-")
	}
	return t, nil
}

func isOS(s string) bool {
	switch s {
	case "linux", "none", "wasi", "elf", "darwin", "freebsd":
		return true
	}
	return false
}

func parseArchSuffix(arch string, prefixes ...string) (Extensions, error) {
	for _, p := range prefixes {
		if suffix, ok := strings.CutPrefix(arch, p); ok {
			if suffix == "" {
				return 0, nil
			}
			return ParseISA(suffix)
		}
	}
	return 0, nil
}

// Options selects a target.
type Options struct {
	Triple    string
	CPU       string
	Features  string // "+v,-c" or an ISA string
	VLEN      int    // vector register width in bits; 0 uses the CPU default
	LMUL      int    // vector length multiplier; 0 means 1
	CacheLine int    // bytes; 0 means 64
}

// Descriptor is the immutable description of one target.
type Descriptor struct {
	triple    Triple
	cpu       string
	abi       string
	ext       Extensions
	regs      [numClasses][]Register
	vlen      int
	lmul      int
	cacheLine int
	ptrSize   int
}

// New builds a descriptor. Target tables must be initialised with Init
// first; New calls it if needed.
func New(opts Options) (*Descriptor, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	if opts.Triple == "" {
		opts.Triple = DefaultTriple
	}
	t, err := ParseTriple(opts.Triple)
	if err != nil {
		return nil, diag.Unimplemented(diag.UnsupTarget, "target %q: %v", opts.Triple, err)
	}
	d := &Descriptor{triple: t, cpu: opts.CPU, lmul: max(opts.LMUL, 1), cacheLine: opts.CacheLine}
	if d.cacheLine <= 0 {
		d.cacheLine = 64
	}
	if d.lmul&(d.lmul-1) != 0 || d.lmul > 8 {
		return nil, diag.Unimplemented(diag.UnsupTarget, "LMUL %d is not 1, 2, 4 or 8", d.lmul)
	}

	cpu, ok := lookupCPU(t.Arch, opts.CPU)
	if !ok {
		return nil, diag.Unimplemented(diag.UnsupTarget, "unknown cpu %q for %s", opts.CPU, t.Arch)
	}
	d.cpu = cpu.Name
	d.ext = cpu.Ext
	if t.ISA != 0 {
		d.ext = t.ISA
	}
	d.ext, err = ApplyFeatures(d.ext, opts.Features)
	if err != nil {
		return nil, diag.Unimplemented(diag.UnsupTarget, "features %q: %v", opts.Features, err)
	}
	d.vlen = cpu.VLEN
	if opts.VLEN > 0 {
		d.vlen = opts.VLEN
	}
	if d.ext.Has(ExtV) && d.vlen == 0 {
		d.vlen = 128
	}

	switch t.Arch {
	case ArchRISCV64, ArchRISCV32:
		d.ptrSize = 8
		d.abi = "lp64"
		if t.Arch == ArchRISCV32 {
			d.ptrSize = 4
			d.abi = "ilp32"
		}
		if d.ext.Has(ExtD) {
			d.abi += "d"
		} else if d.ext.Has(ExtF) {
			d.abi += "f"
		}
		d.regs[ClassGPR] = riscvGPRs()
		if d.ext.Has(ExtF) || d.ext.Has(ExtD) {
			d.regs[ClassFPR] = riscvFPRs()
		}
		if d.ext.Has(ExtV) {
			d.regs[ClassVector] = riscvVRegs()
		}
	case ArchX86_64:
		d.ptrSize, d.abi = 8, "sysv"
		d.regs[ClassGPR] = x86GPRs()
	case ArchWasm32:
		d.ptrSize, d.abi = 4, "wasm"
	}
	return d, nil
}

// MustNew is New for static tables and tests.
func MustNew(opts Options) *Descriptor {
	d, err := New(opts)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) Triple() Triple         { return d.triple }
func (d *Descriptor) Arch() Arch             { return d.triple.Arch }
func (d *Descriptor) OS() string             { return d.triple.OS }
func (d *Descriptor) ABI() string            { return d.abi }
func (d *Descriptor) CPU() string            { return d.cpu }
func (d *Descriptor) Extensions() Extensions { return d.ext }
func (d *Descriptor) Has(e Extension) bool   { return d.ext.Has(e) }
func (d *Descriptor) VLEN() int              { return d.vlen }
func (d *Descriptor) LMUL() int              { return d.lmul }
func (d *Descriptor) CacheLine() int         { return d.cacheLine }
func (d *Descriptor) PtrSize() int           { return d.ptrSize }

// Registers returns a copy of the register file of class c.
func (d *Descriptor) Registers(c RegClass) []Register {
	if c >= numClasses {
		return nil
	}
	return slices.Clone(d.regs[c])
}

// Register looks up a register by ABI name.
func (d *Descriptor) Register(name string) (Register, bool) {
	for c := range d.regs {
		for _, r := range d.regs[c] {
			if r.Name == name {
				return r, true
			}
		}
	}
	return Register{}, false
}

// FeatureString renders the extension set as "+i,+m,...".
func (d *Descriptor) FeatureString() string {
	var out []string
	for _, e := range extNames {
		if d.ext.Has(e.ext) {
			out = append(out, "+"+e.name)
		}
	}
	return strings.Join(out, ",")
}

// String renders "triple (cpu, isa)".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.triple, d.cpu, d.ext)
}

// DefaultTriple is used when none is configured.
const DefaultTriple = "riscv64-unknown-linux-gnu"

// CPU is a named core with its default extensions.
type CPU struct {
	Name string
	Arch Arch
	Ext  Extensions
	VLEN int
}

var (
	cpus      map[Arch][]CPU
	initCount atomic.Int32
	initOnce  = sync.OnceValue(func() error {
		initCount.Add(1)
		g := Extensions(ExtI | ExtM | ExtA | ExtF | ExtD)
		gc := g.With(ExtC)
		cpus = map[Arch][]CPU{
			ArchRISCV64: {
				{Name: "generic-rv64", Arch: ArchRISCV64, Ext: gc},
				{Name: "sifive-u74", Arch: ArchRISCV64, Ext: gc.With(ExtZba).With(ExtZbb)},
				{Name: "sifive-x280", Arch: ArchRISCV64, Ext: gc.With(ExtV).With(ExtZba).With(ExtZbb), VLEN: 512},
				{Name: "spacemit-x60", Arch: ArchRISCV64, Ext: gc.With(ExtV).With(ExtZba).With(ExtZbb), VLEN: 256},
				{Name: "andes-ax45mp", Arch: ArchRISCV64, Ext: gc.With(ExtP)},
			},
			ArchRISCV32: {
				{Name: "generic-rv32", Arch: ArchRISCV32, Ext: Extensions(ExtI | ExtM | ExtA | ExtC)},
			},
			ArchX86_64: {{Name: "x86-64", Arch: ArchX86_64}},
			ArchWasm32: {{Name: "generic", Arch: ArchWasm32}},
		}
		return nil
	})
)

// Init builds the process-wide CPU tables exactly once. It is safe to call
// from any number of goroutines.
func Init() error { return initOnce() }

// InitCount reports how many times the tables were built.
func InitCount() int { return int(initCount.Load()) }

func lookupCPU(arch Arch, name string) (CPU, bool) {
	list := cpus[arch]
	if len(list) == 0 {
		return CPU{}, false
	}
	if name == "" || name == "generic" {
		return list[0], true
	}
	for _, c := range list {
		if c.Name == name {
			return c, true
		}
	}
	return CPU{}, false
}

// CPUs lists the known CPU names for arch.
func CPUs(arch Arch) []string {
	_ = Init()
	var out []string
	for _, c := range cpus[arch] {
		out = append(out, c.Name)
	}
	return out
}
