package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
)

func newEvalCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "eval-dlp <corpus.jsonl>",
		Short: "Measure PII leakage of the redaction rules on a labelled corpus",
		Long: `Redact every document of a JSON Lines corpus and count the labelled PII
values that survive. Each line holds {"doc_id", "text", "pii": {type: [values]}}.

Exits non-zero when any value leaks, so it can gate CI.

Examples:
  cortexctl eval-dlp pii_corpus.jsonl
  cortexctl eval-dlp --config cortexd.yaml --json pii_corpus.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			redactor, err := dlp.FromSettings(cfg.DLP)
			if err != nil {
				return fmt.Errorf("creating redactor: %w", err)
			}
			samples, err := dlp.LoadCorpus(args[0])
			if err != nil {
				return err
			}

			ev := redactor.Evaluate(samples)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(ev); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Samples: %d  PII values: %d  leaked: %d\n", ev.Samples, ev.Items, ev.Leaked)
				types := make([]string, 0, len(ev.ByType))
				for typ := range ev.ByType {
					types = append(types, typ)
				}
				sort.Strings(types)
				for _, typ := range types {
					st := ev.ByType[typ]
					fmt.Fprintf(out, "  %-7s %d/%d leaked\n", typ, st.Leaked, st.Total)
				}
				for _, id := range ev.LeakedDocs {
					fmt.Fprintf(out, "  leak in %s\n", id)
				}
			}
			if ev.Leaked > 0 {
				return fmt.Errorf("%d PII value(s) leaked", ev.Leaked)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the evaluation as JSON")
	return cmd
}
