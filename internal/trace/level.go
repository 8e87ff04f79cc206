package trace

import (
	"fmt"
	"strings"
)

// Level is the tracing verbosity.
type Level uint8

const (
	LevelOff    Level = iota
	LevelError        // nothing is streamed; the ring is dumped on failure
	LevelPhase        // codegen phases and passes
	LevelDetail       // plus per-function emission
	LevelDebug        // plus loop and rewrite decisions
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel accepts a level name.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

// deepest is the finest scope recorded at each level.
var deepest = [...]Scope{LevelPhase: ScopePass, LevelDetail: ScopeFunc, LevelDebug: ScopeNode}

// ShouldEmit reports whether events of scope are recorded at l. LevelError
// records like LevelDebug but only into the ring.
func (l Level) ShouldEmit(scope Scope) bool {
	switch {
	case l == LevelOff:
		return false
	case l == LevelError:
		return true
	case int(l) < len(deepest):
		return scope <= deepest[l]
	}
	return false
}
