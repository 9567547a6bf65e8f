package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sweeney/telephony-policy/internal/capture"
)

func newSanitizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize <capture>",
		Short: "Redact phone numbers in a capture in place (keeps .bak)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sanitizeFile(args[0]); err != nil {
				return fmt.Errorf("sanitize: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sanitized:", args[0])
			return nil
		},
	}
}

// sanitizeFile rewrites path with every entry redacted. Comment and blank
// lines are kept as they are.
func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".bak", data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var e capture.Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		red, err := capture.Redact(e)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		out, err := json.Marshal(red)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		lines[i] = string(out)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
