package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// lineEscaper keeps each link on one line in text output. json and ndjson
// carry the raw value.
var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// outputLinks writes links to stdout in the configured format. The whole
// output is rendered before anything is written.
func outputLinks(cfg *Config, links []string) int {
	if links == nil {
		links = []string{}
	}

	var buf bytes.Buffer
	switch cfg.Output {
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(links); err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
	case "ndjson":
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, l := range links {
			if err := enc.Encode(l); err != nil {
				fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
				return ExitError
			}
		}
	case "text":
		for _, l := range links {
			lineEscaper.WriteString(&buf, l)
			buf.WriteByte('\n')
		}
	default:
		fmt.Fprintf(cfg.Stderr, "error: unknown output format: %s\n", cfg.Output)
		return ExitError
	}

	if _, err := cfg.Stdout.Write(buf.Bytes()); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	return ExitSuccess
}
