package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"conductor/internal/usage"
)

var usageTurn string

var usageCmd = &cobra.Command{
	Use:   "usage <session-id>",
	Short: "Report token and tool-call usage for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := usage.Open(filepath.Join(cfg.BasePath, "usage.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		sessionID := args[0]

		if usageTurn != "" {
			byPhase, err := store.TokensByPhase(ctx, sessionID, usageTurn)
			if err != nil {
				return err
			}
			if len(byPhase) == 0 {
				fmt.Println("No usage recorded for that turn.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tTOKENS")
			for phase, tokens := range byPhase {
				fmt.Fprintf(w, "%s\t%d\n", phase, tokens)
			}
			return w.Flush()
		}

		summaries, err := store.SessionSummary(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No usage recorded for that session.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TURN\tTOKENS\tTOOL CALLS")
		total := 0
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s.TurnID, s.TotalTokens, s.ToolCalls)
			total += s.TotalTokens
		}
		fmt.Fprintf(w, "TOTAL\t%d\t\n", total)
		return w.Flush()
	},
}

func init() {
	usageCmd.Flags().StringVarP(&usageTurn, "turn", "t", "", "break one turn down by phase")
}
