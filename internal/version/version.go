// Package version holds build metadata for the kiln CLI. The variables are
// overridden at build time via -ldflags.
package version

import (
	"strings"

	"github.com/fatih/color"
)

var (
	// Version is the semantic version of the CLI.
	Version = "0.1.0-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// GitMessage is an optional git commit message.
	GitMessage = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

var partColors = []*color.Color{
	color.New(color.FgYellow, color.Bold),
	color.New(color.FgGreen, color.Bold),
	color.New(color.FgBlue, color.Bold),
}

// Colored renders Version with its major, minor and patch numbers tinted.
// Versions that are not dotted triples are returned as-is.
func Colored() string {
	parts := strings.SplitN(Version, ".", 3)
	if len(parts) != 3 {
		return Version
	}
	patch, suffix, _ := strings.Cut(parts[2], "-")
	if suffix != "" {
		suffix = "-" + suffix
	}
	return partColors[0].Sprint(parts[0]) + "." + partColors[1].Sprint(parts[1]) + "." + partColors[2].Sprint(patch) + suffix
}
