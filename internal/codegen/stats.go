package codegen

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"kiln/internal/machine"
	"kiln/internal/observ"
	"kiln/internal/opt"
)

// Statistics describes the last Generate call.
type Statistics struct {
	Session     string            `json:"session" yaml:"session" msgpack:"session"`
	Module      string            `json:"module" yaml:"module" msgpack:"module"`
	Backend     string            `json:"backend" yaml:"backend" msgpack:"backend"`
	Target      string            `json:"target" yaml:"target" msgpack:"target"`
	Passes      []string          `json:"passes" yaml:"passes" msgpack:"passes"`
	Strategy    Strategy          `json:"strategy" yaml:"strategy" msgpack:"strategy"`
	Funcs       int               `json:"funcs" yaml:"funcs" msgpack:"funcs"`
	Batches     int               `json:"batches" yaml:"batches" msgpack:"batches"`
	Recursive   int               `json:"recursive" yaml:"recursive" msgpack:"recursive"`
	Opt         opt.Stats         `json:"opt" yaml:"opt" msgpack:"opt"`
	Notes       []string          `json:"notes,omitempty" yaml:"notes,omitempty" msgpack:"notes,omitempty"`
	Machine     machine.FuncStats `json:"machine" yaml:"machine" msgpack:"machine"`
	PerFunc     []FuncReport      `json:"per_func" yaml:"per_func" msgpack:"per_func"`
	Cache       CacheStats        `json:"cache" yaml:"cache" msgpack:"cache"`
	OutputBytes int               `json:"output_bytes" yaml:"output_bytes" msgpack:"output_bytes"`
	Verified    bool              `json:"verified" yaml:"verified" msgpack:"verified"`
	Timings     observ.Report     `json:"timings" yaml:"timings" msgpack:"timings"`
	PassTimings observ.Report     `json:"pass_timings" yaml:"pass_timings" msgpack:"pass_timings"`
}

// FuncReport is the per-function part of Statistics.
type FuncReport struct {
	Name   string            `json:"name" yaml:"name" msgpack:"name"`
	Blocks int               `json:"blocks" yaml:"blocks" msgpack:"blocks"`
	Instrs int               `json:"instrs" yaml:"instrs" msgpack:"instrs"`
	Bytes  int               `json:"bytes" yaml:"bytes" msgpack:"bytes"`
	Cached bool              `json:"cached" yaml:"cached" msgpack:"cached"`
	Stats  machine.FuncStats `json:"stats" yaml:"stats" msgpack:"stats"`
}

func addFuncStats(dst *machine.FuncStats, s machine.FuncStats) {
	dst.Insts += s.Insts
	dst.Spills += s.Spills
	dst.Reloads += s.Reloads
	dst.SpilledVRegs += s.SpilledVRegs
	dst.LoopsVectorized += s.LoopsVectorized
	dst.LoopsPacked += s.LoopsPacked
	dst.LoopsPipelined += s.LoopsPipelined
	dst.VectorSkipped += s.VectorSkipped
	dst.Speculated += s.Speculated
	dst.BitManip += s.BitManip
	dst.BestSpeedup = max(dst.BestSpeedup, s.BestSpeedup)
	dst.ScheduledBlocks += s.ScheduledBlocks
	dst.FusedBranches += s.FusedBranches
	dst.ImmediateSelected += s.ImmediateSelected
}

// ReportFormat selects the statistics encoding.
type ReportFormat string

const (
	ReportText    ReportFormat = "text"
	ReportJSON    ReportFormat = "json"
	ReportYAML    ReportFormat = "yaml"
	ReportMsgpack ReportFormat = "msgpack"
)

func ParseReportFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ReportText, ReportJSON, ReportYAML, ReportMsgpack:
		return f, nil
	case "":
		return ReportText, nil
	}
	return "", fmt.Errorf("invalid stats format %q (expected text|json|yaml|msgpack)", s)
}

// WriteReport encodes s to w.
func WriteReport(w io.Writer, s *Statistics, format ReportFormat) error {
	switch format {
	case ReportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case ReportYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case ReportMsgpack:
		return msgpack.NewEncoder(w).Encode(s)
	case ReportText, "":
		_, err := io.WriteString(w, s.Text())
		return err
	}
	return fmt.Errorf("invalid stats format %q", format)
}

// Text renders a human summary with one aligned row per function.
func (s *Statistics) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s: %s for %s, %d funcs, %d bytes\n", s.Module, s.Backend, s.Target, s.Funcs, s.OutputBytes)
	fmt.Fprintf(&sb, "strategy: %s", s.Strategy)
	if s.Strategy.Parallel {
		fmt.Fprintf(&sb, " (%d workers)", s.Strategy.Workers)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "passes: %s\n", strings.Join(s.Passes, ", "))
	fmt.Fprintf(&sb, "ir: %d passes run, %d instrs removed, %d folded, %d inlined, %d tail calls, %d loops unrolled\n",
		s.Opt.PassesRun, s.Opt.InstrsRemoved, s.Opt.ConstantsFolded, s.Opt.FuncsInlined,
		s.Opt.TailCallsEliminated, s.Opt.LoopsFullyUnrolled+s.Opt.LoopsUnrolled)
	fmt.Fprintf(&sb, "cache: %d hits, %d misses\n", s.Cache.Hits, s.Cache.Misses)

	nameWidth := runewidth.StringWidth("function")
	for _, f := range s.PerFunc {
		nameWidth = max(nameWidth, runewidth.StringWidth(f.Name))
	}
	fmt.Fprintf(&sb, "%s  %6s  %6s  %6s  %6s  %s\n", runewidth.FillRight("function", nameWidth), "blocks", "instrs", "insts", "bytes", "spills")
	for _, f := range s.PerFunc {
		mark := ""
		if f.Cached {
			mark = " (cached)"
		}
		fmt.Fprintf(&sb, "%s  %6d  %6d  %6d  %6d  %6d%s\n", runewidth.FillRight(f.Name, nameWidth),
			f.Blocks, f.Instrs, f.Stats.Insts, f.Bytes, f.Stats.Spills, mark)
	}
	if len(s.Timings.Phases) > 0 {
		fmt.Fprintf(&sb, "total %.2f ms\n", s.Timings.TotalMS)
		for _, p := range s.Timings.Phases {
			fmt.Fprintf(&sb, "  %-28s %8.2f ms\n", p.Name, p.DurationMS)
		}
	}
	if slow := s.PassTimings.Slowest(3); len(slow) > 0 {
		sb.WriteString("slowest passes:")
		for _, p := range slow {
			fmt.Fprintf(&sb, " %s %.2f ms", p.Name, p.DurationMS)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
