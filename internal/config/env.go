package config

import (
	"strings"

	"github.com/xyproto/env/v2"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackend     = "KILN_BACKEND"
	EnvEmit        = "KILN_EMIT"
	EnvTarget      = "KILN_TARGET"
	EnvCPU         = "KILN_CPU"
	EnvFeatures    = "KILN_FEATURES"
	EnvOptLevel    = "KILN_OPT_LEVEL"
	EnvProfile     = "KILN_PROFILE"
	EnvPasses      = "KILN_PASSES"
	EnvTargetLevel = "KILN_TARGET_LEVEL"
	EnvWorkers     = "KILN_WORKERS"
	EnvParallel    = "KILN_PARALLEL"
	EnvVerify      = "KILN_VERIFY"
	EnvCache       = "KILN_CACHE"
	EnvCacheDir    = "KILN_CACHE_DIR"
)

// ApplyEnv overrides fields from KILN_* variables that are set. Malformed
// integers leave the field unchanged.
func (c *Config) ApplyEnv() {
	c.Backend = env.Str(EnvBackend, c.Backend)
	c.Emit = env.Str(EnvEmit, c.Emit)
	c.Target.Triple = env.Str(EnvTarget, c.Target.Triple)
	c.Target.CPU = env.Str(EnvCPU, c.Target.CPU)
	c.Target.Features = env.Str(EnvFeatures, c.Target.Features)
	c.Opt.Level = env.Str(EnvOptLevel, c.Opt.Level)
	c.Opt.Profile = env.Str(EnvProfile, c.Opt.Profile)
	if passes := env.Str(EnvPasses); passes != "" {
		c.Opt.CustomPasses = splitList(passes)
	}
	c.Opt.TargetLevel = env.Int(EnvTargetLevel, c.Opt.TargetLevel)
	c.Codegen.Workers = env.Int(EnvWorkers, c.Codegen.Workers)
	if env.Has(EnvParallel) {
		c.Codegen.Parallel = env.Bool(EnvParallel)
	}
	if env.Has(EnvVerify) {
		c.Codegen.VerifyGeneratedCode = env.Bool(EnvVerify)
	}
	if env.Has(EnvCache) {
		c.Cache.Enabled = env.Bool(EnvCache)
	}
	c.Cache.Dir = env.Str(EnvCacheDir, c.Cache.Dir)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
