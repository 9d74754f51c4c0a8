package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/catalog"
	"conductor/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List registered workflows and their triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := workflow.NewRegistry(catalog.New())
		defer registry.Close()

		if _, err := registry.LoadDir(cfg.WorkflowsDir()); err != nil {
			return err
		}
		if _, err := registry.LoadBundles(cfg.BundlesDir()); err != nil {
			return err
		}

		names := registry.Names()
		if len(names) == 0 {
			fmt.Println("No workflows registered.")
			return nil
		}
		fmt.Print(registry.CatalogSummary())
		return nil
	},
}
