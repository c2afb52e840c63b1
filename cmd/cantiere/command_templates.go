package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rahul/cantiere/internal/intent"
	"github.com/rahul/cantiere/pkg/config"
)

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"template"},
	Short:   "List the plan templates the orchestrator drafts from",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTemplates()
	},
}

func registerTemplatesCommand(root *cobra.Command) {
	root.AddCommand(templatesCmd)
}

func listTemplates() error {
	dir := "templates"
	if cfg, err := config.Load(configPath); err == nil {
		dir = cfg.Orchestrator.TemplatesDir
	}

	d, err := intent.NewTemplateDrafter(dir)
	if err != nil {
		return err
	}

	fmt.Println("Available Templates:")
	for _, t := range d.Templates() {
		fmt.Printf("  %s: %s\n", t.Name, t.Description)
		fmt.Printf("    steps: %d, keywords: %s\n", len(t.Plan.Steps), strings.Join(t.Keywords, ", "))
	}
	return nil
}
