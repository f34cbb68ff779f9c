package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignacioreyna/omni-bot/internal/config"
	"github.com/ignacioreyna/omni-bot/internal/transcript"
)

func newSessionsCmd() *cobra.Command {
	var (
		limit  int
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List local agent transcripts that can be forked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			scanner := transcript.NewScanner(cfg.TranscriptsDir, nil)

			var sessions []transcript.LocalSession
			if dir != "" {
				sessions = scanner.ByDirectory(dir)
				if limit > 0 && len(sessions) > limit {
					sessions = sessions[:limit]
				}
			} else {
				sessions = scanner.Recent(limit)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tMODIFIED\tPROJECT\tFIRST PROMPT")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.Modified, s.ProjectPath, oneLine(s.FirstPrompt, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")
	cmd.Flags().StringVar(&dir, "dir", "", "only sessions in this directory or below it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return string(r)
}
