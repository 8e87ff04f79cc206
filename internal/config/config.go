// Package config loads kiln.toml and applies KILN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"kiln/internal/backend"
	"kiln/internal/opt"
)

// FileName is the configuration file looked up by the CLI.
const FileName = "kiln.toml"

// Emit kinds for the native backend.
const (
	EmitObject = "obj"
	EmitAsm    = "asm"
)

// Config is the full code generator configuration.
type Config struct {
	Backend string  `toml:"backend"`
	Emit    string  `toml:"emit"`
	Target  Target  `toml:"target"`
	Opt     Opt     `toml:"opt"`
	Codegen Codegen `toml:"codegen"`
	Cache   Cache   `toml:"cache"`
}

type Target struct {
	Triple    string `toml:"triple"`
	CPU       string `toml:"cpu"`
	Features  string `toml:"features"`
	VLEN      int    `toml:"vlen"`
	LMUL      int    `toml:"lmul"`
	CacheLine int    `toml:"cache_line"`
}

type Opt struct {
	Level           string   `toml:"level"`
	Profile         string   `toml:"profile"`
	CustomPasses    []string `toml:"custom_passes"`
	InlineThreshold int      `toml:"inline_threshold"`
	// TargetLevel is the machine optimization level 0-3; -1 follows Level.
	TargetLevel int  `toml:"target_level"`
	VerifyEach  bool `toml:"verify_each"`
	Vectorize   bool `toml:"vectorize"`
	AutoSIMD    bool `toml:"auto_simd"`
}

type Codegen struct {
	Parallel            bool `toml:"parallel"`
	Workers             int  `toml:"workers"` // 0 = GOMAXPROCS
	ParallelThreshold   int  `toml:"parallel_threshold"`
	ComplexityThreshold int  `toml:"complexity_threshold"`
	GlobalsThreshold    int  `toml:"globals_threshold"`
	VerifyGeneratedCode bool `toml:"verify_generated_code"`
}

type Cache struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // empty keeps the cache in memory only
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Backend: string(backend.KindNative),
		Emit:    EmitObject,
		Target:  Target{Triple: "riscv64-unknown-linux-gnu"},
		Opt: Opt{
			Level:           "default",
			Profile:         "balanced",
			InlineThreshold: opt.DefaultInlineThreshold,
			TargetLevel:     -1,
			Vectorize:       true,
			AutoSIMD:        true,
		},
		Codegen: Codegen{
			Parallel:            true,
			ParallelThreshold:   10,
			ComplexityThreshold: 64,
			GlobalsThreshold:    16,
			VerifyGeneratedCode: true,
		},
		Cache: Cache{Enabled: true},
	}
}

// Load reads path on top of Default. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	// A pass list without an explicit profile selects it.
	if meta.IsDefined("opt", "custom_passes") && !meta.IsDefined("opt", "profile") {
		cfg.Opt.Profile = "custom"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every enumerated and numeric field.
func (c *Config) Validate() error {
	var errs []error
	if _, err := backend.ParseKind(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains([]string{EmitObject, EmitAsm}, c.Emit) {
		errs = append(errs, fmt.Errorf("invalid emit %q (expected obj|asm)", c.Emit))
	}
	if strings.TrimSpace(c.Target.Triple) == "" {
		errs = append(errs, errors.New("target.triple is empty"))
	}
	if c.Target.VLEN < 0 || c.Target.LMUL < 0 || c.Target.CacheLine < 0 {
		errs = append(errs, errors.New("target vlen, lmul and cache_line must not be negative"))
	}
	if _, err := opt.ParseLevel(c.Opt.Level); err != nil {
		errs = append(errs, err)
	}
	profile, err := opt.ParseProfile(c.Opt.Profile)
	if err != nil {
		errs = append(errs, err)
	} else if profile == opt.ProfileCustom && len(c.Opt.CustomPasses) == 0 {
		errs = append(errs, errors.New("profile custom needs opt.custom_passes"))
	}
	for _, name := range c.Opt.CustomPasses {
		if _, ok := opt.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("unknown pass %q in opt.custom_passes", name))
		}
	}
	if c.Opt.InlineThreshold < 0 {
		errs = append(errs, fmt.Errorf("opt.inline_threshold %d is negative", c.Opt.InlineThreshold))
	}
	if c.Opt.TargetLevel < -1 || c.Opt.TargetLevel > 3 {
		errs = append(errs, fmt.Errorf("opt.target_level %d out of range -1..3", c.Opt.TargetLevel))
	}
	if c.Codegen.Workers < 0 {
		errs = append(errs, fmt.Errorf("codegen.workers %d is negative", c.Codegen.Workers))
	}
	for _, th := range []struct {
		name string
		v    int
	}{
		{"parallel_threshold", c.Codegen.ParallelThreshold},
		{"complexity_threshold", c.Codegen.ComplexityThreshold},
		{"globals_threshold", c.Codegen.GlobalsThreshold},
	} {
		if th.v < 0 {
			errs = append(errs, fmt.Errorf("codegen.%s %d is negative", th.name, th.v))
		}
	}
	return errors.Join(errs...)
}

// MachineLevel returns the target optimization level, derived from the
// generic level unless set explicitly.
func (c *Config) MachineLevel() int {
	if c.Opt.TargetLevel >= 0 {
		return c.Opt.TargetLevel
	}
	level, err := opt.ParseLevel(c.Opt.Level)
	if err != nil {
		return 0
	}
	return int(level)
}
