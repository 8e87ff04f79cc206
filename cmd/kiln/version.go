package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/backend"
	"kiln/internal/version"
)

type versionOptions struct {
	format      string
	showHash    bool
	showMessage bool
	showDate    bool
}

type versionPayload struct {
	Tool       string   `json:"tool"`
	Version    string   `json:"version"`
	Backends   []string `json:"backends"`
	GitCommit  string   `json:"git_commit,omitempty"`
	GitMessage string   `json:"git_message,omitempty"`
	BuildDate  string   `json:"build_date,omitempty"`
}

func newVersionCmd() *cobra.Command {
	var (
		opts versionOptions
		full bool
	)
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show kiln build metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.format = strings.ToLower(opts.format)
			opts.showHash = opts.showHash || full
			opts.showMessage = opts.showMessage || full
			opts.showDate = opts.showDate || full
			switch opts.format {
			case "pretty":
				renderVersionPretty(cmd.OutOrStdout(), opts)
				return nil
			case "json":
				return renderVersionJSON(cmd.OutOrStdout(), opts)
			}
			return fmt.Errorf("unsupported format %q (must be pretty or json)", opts.format)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&opts.showHash, "hash", false, "include git commit hash")
	fs.BoolVar(&opts.showMessage, "message", false, "include git commit message")
	fs.BoolVar(&opts.showDate, "date", false, "include build timestamp")
	fs.BoolVar(&full, "full", false, "show all recorded build metadata")
	fs.StringVar(&opts.format, "format", "pretty", "output format (pretty|json)")
	return cmd
}

// implementedBackends lists the backend kinds that emit code.
func implementedBackends() []string {
	var names []string
	for _, k := range backend.Kinds() {
		if k != backend.KindJIT {
			names = append(names, string(k))
		}
	}
	return names
}

func renderVersionPretty(out io.Writer, opts versionOptions) {
	fmt.Fprintf(out, "kiln %s\n", version.Colored())
	fmt.Fprintf(out, "backends: %s\n", strings.Join(implementedBackends(), ", "))
	if opts.showHash {
		fmt.Fprintf(out, "commit:  %s\n", valueOrUnknown(version.GitCommit))
	}
	if opts.showMessage {
		fmt.Fprintf(out, "message: %s\n", valueOrUnknown(version.GitMessage))
	}
	if opts.showDate {
		fmt.Fprintf(out, "built:   %s\n", valueOrUnknown(version.BuildDate))
	}
}

func renderVersionJSON(out io.Writer, opts versionOptions) error {
	payload := versionPayload{
		Tool:     "kiln",
		Version:  version.Version,
		Backends: implementedBackends(),
	}
	if opts.showHash {
		payload.GitCommit = valueOrUnknown(version.GitCommit)
	}
	if opts.showMessage {
		payload.GitMessage = valueOrUnknown(version.GitMessage)
	}
	if opts.showDate {
		payload.BuildDate = valueOrUnknown(version.BuildDate)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func valueOrUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}
