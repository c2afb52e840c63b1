package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rahul/cantiere/internal/controller"
	"github.com/rahul/cantiere/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect plan files offline",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Check a plan's structure and list missing inputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validatePlan(args[0])
	},
}

var planSimulateCmd = &cobra.Command{
	Use:   "simulate <plan-file>",
	Short: "Dry-run a plan without calling any tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulatePlan(args[0])
	},
}

func registerPlanCommand(root *cobra.Command) {
	root.AddCommand(planCmd)
	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planSimulateCmd)

	planCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "Output format (text/json/yaml)")
}

func validatePlan(path string) error {
	fmt.Println("□ Loading plan...")
	p, err := plan.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	v := plan.Validate(p)
	if outputFormat != "text" {
		return emit(v)
	}

	for _, e := range v.Errors {
		fmt.Printf("✗ %s\n", e)
	}
	for _, w := range v.Warnings {
		fmt.Printf("! %s\n", w)
	}
	if len(v.Missing) > 0 {
		fmt.Printf("□ Missing inputs: %s\n", strings.Join(v.MissingNames(), ", "))
	}
	if len(v.Errors) > 0 {
		return fmt.Errorf("plan %s is not valid", path)
	}
	if v.Ready {
		fmt.Println("✓ Plan is ready to confirm")
	}
	return nil
}

func simulatePlan(path string) error {
	p, err := plan.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if err := plan.Check(p); err != nil {
		return err
	}

	sim := plan.Simulate(p)
	if outputFormat != "text" {
		return emit(sim)
	}
	fmt.Println(controller.RenderSimulation(sim))
	return nil
}

func emit(v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown format %q", outputFormat)
}
