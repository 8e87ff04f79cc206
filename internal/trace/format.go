package trace

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Format is the encoding of written events.
type Format uint8

const (
	FormatAuto Format = iota
	FormatText
	FormatNDJSON
)

// ParseFormat accepts auto, text, ndjson or json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	}
	return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: auto|text|ndjson)", s)
}

// FormatEvent renders ev as one line.
func FormatEvent(ev *Event, format Format) []byte {
	if format == FormatNDJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		return append(data, '\n')
	}
	return formatText(ev)
}

var kindMarks = [...]string{KindSpanBegin: ">", KindSpanEnd: "<", KindPoint: "*"}

// formatText renders "hh:mm:ss.mmm <indent><mark> scope name [elapsed] (detail) k=v".
// Indentation follows scope depth.
func formatText(ev *Event) []byte {
	var sb strings.Builder
	sb.WriteString(ev.Time.Format("15:04:05.000"))
	sb.WriteByte(' ')
	if ev.Scope > ScopeDriver {
		sb.WriteString(strings.Repeat("  ", int(ev.Scope-ScopeDriver)))
	}
	mark := "?"
	if int(ev.Kind) < len(kindMarks) && kindMarks[ev.Kind] != "" {
		mark = kindMarks[ev.Kind]
	}
	fmt.Fprintf(&sb, "%s %s %s", mark, ev.Scope, ev.Name)
	if ev.Kind == KindSpanEnd {
		fmt.Fprintf(&sb, " [%s]", ev.Elapsed.Round(time.Microsecond))
	}
	if ev.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Detail)
	}
	keys := make([]string, 0, len(ev.Extra))
	for k := range ev.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, ev.Extra[k])
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
