package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	askSession string
	askMode    string
	askRepo    string
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Run one request through the pipeline",
	Long: `ask runs a single request end to end and prints the response. The turn's
full artifact trail (context document, tickets, tool results, validation
attempts) lands under the base path's turns directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		if askSession == "" {
			askSession = uuid.NewString()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := buildEngine(ctx, ".")
		if err != nil {
			return err
		}
		defer eng.Close()

		resp, err := eng.runner.Handle(ctx, query, askSession, askMode, askRepo)
		if err != nil {
			return err
		}

		if askJSON {
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if resp.NeedsClarification {
			fmt.Println(resp.ClarificationQuestion)
			return nil
		}
		fmt.Println(resp.Text)
		if resp.Decision != "" {
			fmt.Fprintf(os.Stderr, "\n[%s  confidence=%.2f  retries=%d  turn=%s]\n",
				resp.Decision, resp.Confidence, resp.RetryCount, resp.TurnID)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session id (defaults to a fresh one)")
	askCmd.Flags().StringVarP(&askMode, "mode", "m", "chat", "pipeline mode: chat or code")
	askCmd.Flags().StringVarP(&askRepo, "repo", "r", "", "repository scope for code-mode tools")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response as JSON")
}
