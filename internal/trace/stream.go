package trace

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// Stream writes each event through a buffer as it is emitted. Write
// errors are kept and reported by Flush; they never reach the caller of
// Emit.
type Stream struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	level   Level
	format  Format
	session string
	err     error
}

// NewStream writes to w; closer, when non-nil, is closed by Close.
func NewStream(w io.Writer, closer io.Closer, level Level, format Format, session string) *Stream {
	return &Stream{w: bufio.NewWriter(w), closer: closer, level: level, format: format, session: session}
}

func (s *Stream) Emit(ev *Event) {
	if ev == nil || !s.level.ShouldEmit(ev.Scope) {
		return
	}
	if ev.Session == "" {
		ev.Session = s.session
	}
	data := FormatEvent(ev, s.format)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if _, err := s.w.Write(data); err != nil {
		s.err = err
		return
	}
	// phase boundaries are rare; keep them visible while a build runs
	if ev.Scope == ScopeDriver {
		s.err = s.w.Flush()
	}
}

func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return s.w.Flush()
}

func (s *Stream) Close() error {
	err := s.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

func (s *Stream) Level() Level  { return s.level }
func (s *Stream) Enabled() bool { return s.level > LevelOff }
