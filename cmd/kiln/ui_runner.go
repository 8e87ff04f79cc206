package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"kiln/internal/codegen"
	"kiln/internal/config"
	"kiln/internal/ir"
	"kiln/internal/ui"
)

type generateOutcome struct {
	gen *codegen.Generator
	out []byte
	err error
}

// generate runs one Generate call, drawing a progress view when useTUI is
// set.
func generate(ctx context.Context, cfg config.Config, m *ir.Module, useTUI bool) (*codegen.Generator, []byte, error) {
	if !useTUI {
		gen, err := codegen.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		out, err := gen.Generate(ctx, m)
		return gen, out, err
	}

	events := make(chan codegen.Event, 256)
	gen, err := codegen.New(cfg, codegen.WithProgress(codegen.ChannelSink{Ch: events}))
	if err != nil {
		return nil, nil, err
	}
	outcomeCh := make(chan generateOutcome, 1)
	go func() {
		out, err := gen.Generate(ctx, m)
		close(events)
		outcomeCh <- generateOutcome{gen: gen, out: out, err: err}
	}()

	funcs := make([]string, 0, len(m.Funcs))
	for _, f := range m.Defined() {
		funcs = append(funcs, f.Name)
	}
	program := tea.NewProgram(ui.NewProgressModel(m.Name, funcs, events), tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	// ctrl+c ends the view before the generator finishes
	go func() {
		for range events {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.gen, outcome.out, uiErr
	}
	return outcome.gen, outcome.out, outcome.err
}
