package trace

import "time"

// Kind is the shape of an event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
)

var kindNames = [...]string{KindSpanBegin: "begin", KindSpanEnd: "end", KindPoint: "point"}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Scope is the granularity of an event; smaller is coarser.
type Scope uint8

const (
	// ScopeDriver covers codegen phases.
	ScopeDriver Scope = iota + 1
	// ScopePass covers IR passes and machine optimizer stages.
	ScopePass
	// ScopeFunc covers the emission of one function.
	ScopeFunc
	// ScopeNode covers loops, vectorization candidates and single rewrites.
	ScopeNode
)

var scopeNames = [...]string{ScopeDriver: "driver", ScopePass: "pass", ScopeFunc: "func", ScopeNode: "node"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && scopeNames[s] != "" {
		return scopeNames[s]
	}
	return "unknown"
}

func (s Scope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is one trace record. Seq is assigned by the tracer that stores it.
type Event struct {
	Time     time.Time         `json:"time"`
	Seq      uint64            `json:"seq"`
	Kind     Kind              `json:"kind"`
	Scope    Scope             `json:"scope"`
	SpanID   uint64            `json:"span_id,omitempty"`
	ParentID uint64            `json:"parent_id,omitempty"`
	Session  string            `json:"session,omitempty"`
	Name     string            `json:"name"`
	Detail   string            `json:"detail,omitempty"`
	Elapsed  time.Duration     `json:"elapsed_ns,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}
