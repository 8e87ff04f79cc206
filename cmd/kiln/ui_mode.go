package main

import (
	"fmt"
	"os"
	"strings"
)

// uiMode is the --ui flag. It implements pflag.Value, so bad values are
// rejected while flags are parsed.
type uiMode string

const (
	uiModeAuto uiMode = "auto"
	uiModeOn   uiMode = "on"
	uiModeOff  uiMode = "off"
)

func (m *uiMode) String() string { return string(*m) }

func (m *uiMode) Type() string { return "auto|on|off" }

func (m *uiMode) Set(value string) error {
	switch v := uiMode(strings.ToLower(strings.TrimSpace(value))); v {
	case uiModeAuto, uiModeOn, uiModeOff:
		*m = v
	case "":
		*m = uiModeAuto
	default:
		return fmt.Errorf("invalid value %q (expected auto|on|off)", value)
	}
	return nil
}

// enabled reports whether to draw the progress view; auto requires stdout
// to be a terminal.
func (m uiMode) enabled() bool {
	if m == uiModeAuto {
		return isTerminal(os.Stdout)
	}
	return m == uiModeOn
}
