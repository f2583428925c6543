package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	cxhttp "github.com/fyrsmithlabs/cortexd/internal/http"
	"github.com/fyrsmithlabs/cortexd/internal/identity"
)

func newRedactCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "redact [file]",
		Short: "Redact PII from a file or stdin",
		Long: `Apply the standard DLP policy to a file or stdin without contacting a
server. Redacted text goes to stdout and a summary to stderr.

The policy (allow-list, credential detection) is read from --config when
given, otherwise the built-in defaults are used.

Examples:
  # Redact a file
  cortexctl redact notes.txt

  # Redact from stdin
  cat export.csv | cortexctl redact -

  # Print findings as JSON
  cortexctl redact --json notes.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if len(content) == 0 {
				return errors.New("no content to redact")
			}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			redactor, err := dlp.FromSettings(cfg.DLP)
			if err != nil {
				return fmt.Errorf("creating redactor: %w", err)
			}

			res := redactor.Scrub(string(content), identity.DLPStandard)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cxhttp.RedactResponse{
					Redacted: res.Redacted,
					Applied:  res.Applied,
					Total:    res.Total(),
					ByType:   res.ByType,
					Findings: res.Findings,
				})
			}

			fmt.Fprint(cmd.OutOrStdout(), res.Redacted)
			if res.Total() > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[cortexctl] redacted %d value(s): %s\n", res.Total(), summarize(res.ByType))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the redaction result as JSON")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	return content, nil
}

// summarize renders counts as "card=1, email=2" in a stable order.
func summarize(byType map[string]int) string {
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	var out string
	for i, t := range types {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", t, byType[t])
	}
	return out
}
