package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Tracer receives events. Implementations are safe for concurrent use.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	Level() Level
	Enabled() bool
}

// Nop discards everything.
var Nop Tracer = nopTracer{}

type nopTracer struct{}

func (nopTracer) Emit(*Event)   {}
func (nopTracer) Flush() error  { return nil }
func (nopTracer) Close() error  { return nil }
func (nopTracer) Level() Level  { return LevelOff }
func (nopTracer) Enabled() bool { return false }

// StorageMode selects where events go.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1 // written as they happen
	ModeRing                          // kept in memory
	ModeBoth
)

func (m StorageMode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeRing:
		return "ring"
	case ModeBoth:
		return "both"
	}
	return "unknown"
}

// ParseMode accepts stream, ring or both.
func ParseMode(s string) (StorageMode, error) {
	for _, m := range []StorageMode{ModeStream, ModeRing, ModeBoth} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return ModeStream, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
}

// Config describes the tracer New builds.
type Config struct {
	Level      Level
	Mode       StorageMode
	Format     Format    // FormatAuto picks from OutputPath
	Output     io.Writer // takes precedence over OutputPath
	OutputPath string    // "" or "-" is stderr
	RingSize   int       // default 4096
	Session    string    // stamped on every event; generated when empty
}

// New builds a tracer for cfg. LevelError always records into a ring
// only, since nothing is streamed at that level.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return Nop, nil
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4096
	}
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	mode := cfg.Mode
	if cfg.Level == LevelError {
		mode = ModeRing
	}

	var ring *Ring
	if mode == ModeRing || mode == ModeBoth {
		ring = NewRing(cfg.RingSize, cfg.Level)
	}
	if mode == ModeRing {
		return ring, nil
	}
	if mode != ModeStream && mode != ModeBoth {
		return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
	}

	w, closer, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	format := cfg.Format
	if format == FormatAuto {
		format = FormatText
		if strings.HasSuffix(cfg.OutputPath, ".ndjson") || strings.HasSuffix(cfg.OutputPath, ".json") {
			format = FormatNDJSON
		}
	}
	stream := NewStream(w, closer, cfg.Level, format, cfg.Session)
	if ring == nil {
		return stream, nil
	}
	return tee{stream, ring}, nil
}

func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	switch {
	case cfg.Output != nil:
		return cfg.Output, nil, nil
	case cfg.OutputPath == "" || cfg.OutputPath == "-":
		return os.Stderr, nil, nil
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, f, nil
}

// tee sends every event to a stream and a ring.
type tee struct {
	stream *Stream
	ring   *Ring
}

func (t tee) Emit(ev *Event) {
	t.stream.Emit(ev)
	t.ring.Emit(ev)
}

func (t tee) Flush() error { return t.stream.Flush() }

func (t tee) Close() error { return errors.Join(t.stream.Close(), t.ring.Close()) }

func (t tee) Level() Level { return t.stream.Level() }

func (t tee) Enabled() bool { return t.stream.Enabled() }

// RingOf returns the ring t records into, if any.
func RingOf(t Tracer) (*Ring, bool) {
	switch v := t.(type) {
	case *Ring:
		return v, true
	case tee:
		return v.ring, true
	}
	return nil, false
}
