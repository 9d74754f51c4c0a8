package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"conductor/internal/turn"
)

var turnsSession string

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "List recorded turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := turn.List(cfg.TurnsDir())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No turns recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TURN\tSESSION\tMODE\tSTATUS\tTOKENS\tDOCS")
		for _, id := range ids {
			d, err := turn.Open(cfg.TurnsDir(), id)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t(unreadable: %v)\t-\t-\n", id, err)
				continue
			}
			m := d.Manifest()
			if turnsSession != "" && m.SessionID != turnsSession {
				continue
			}
			total := 0
			for _, t := range m.TokensByPhase {
				total += t
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				id, short(m.SessionID), m.Mode, m.Status, total, len(m.DocsCreated))
		}
		return w.Flush()
	},
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	turnsCmd.Flags().StringVarP(&turnsSession, "session", "s", "", "only show turns for this session")
}
