// conductor is the orchestration engine CLI: one command per concern, all
// sharing the same configuration and base path.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/logging"
)

var (
	// Global flags
	configPath string
	basePath   string
	debugMode  bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - LLM-driven orchestration engine",
	Long: `conductor runs user requests through a phased pipeline: query analysis,
a clarification gate, context gathering, constraint extraction, nested
planning/execution/coordination loops, synthesis, and validation with
bounded retries. Every turn leaves a complete artifact trail on disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if basePath != "" {
			cfg.BasePath = basePath
		}
		if debugMode {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(cfg.BasePath); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		logging.SetDebugMode(cfg.Logging.DebugMode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&basePath, "base", "", "override base path for turns, recipes, and logs")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(turnsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(workflowsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
