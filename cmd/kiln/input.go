package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/ir"
	"kiln/internal/samples"
)

// loadModule reads the .kir file named by args, or builds the named sample.
func loadModule(args []string, sample string) (*ir.Module, error) {
	switch {
	case sample != "" && len(args) > 0:
		return nil, fmt.Errorf("--sample and an input file are mutually exclusive")
	case sample != "":
		build, ok := samples.Registry[sample]
		if !ok {
			return nil, fmt.Errorf("unknown sample %q (available: %s)", sample, strings.Join(samples.Names(), ", "))
		}
		return build(), nil
	case len(args) == 0:
		return nil, fmt.Errorf("no input: pass a .kir file or --sample")
	}
	m, err := ir.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		base := filepath.Base(args[0])
		m.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return m, nil
}

// outputNameFor derives the default output path from the module name.
func outputNameFor(m *ir.Module, kind backend.Kind, asm bool) string {
	name := m.Name
	if name == "" {
		name = "a"
	}
	return name + kind.Ext(asm)
}
