package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/pkg/config"
)

// printJSON writes v as one indented JSON document.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// printJSONLine writes v as a single line of JSON.
func printJSONLine(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func wantJSON(cfg *config.Config) bool { return cfg.OutputFormat == config.FormatJSON }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
