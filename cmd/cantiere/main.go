package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
	statusFilter string
)

var rootCmd = &cobra.Command{
	Use:   "cantiere",
	Short: "Interactive plan orchestrator for real-estate chats",
	Long:  "cantiere turns chat requests into reviewable plans, collects the missing inputs and runs the confirmed steps against the product tools",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Config file (.json or .toml)")

	registerServeCommand(rootCmd)
	registerPlanCommand(rootCmd)
	registerTemplatesCommand(rootCmd)
	registerAuditCommand(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
