package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/session"
	"github.com/rahul/cantiere/internal/store"
	"github.com/rahul/cantiere/pkg/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit [session-id]",
	Short: "Show the audit trail of a session, or list recent sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return listSessions(cmd.Context(), cfg)
		}
		return showAudit(cmd.Context(), cfg, args[0])
	},
}

func registerAuditCommand(root *cobra.Command) {
	root.AddCommand(auditCmd)
	auditCmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Only list sessions with this status")
}

func showAudit(ctx context.Context, cfg *config.Config, sessionID string) error {
	db, err := store.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	l, err := audit.NewSQLiteLog(db.DB)
	if err != nil {
		return err
	}
	events, err := l.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("No audit events for session %s\n", sessionID)
		return nil
	}
	for _, e := range events {
		scope := e.StepID
		if scope == "" {
			scope = "plan"
		}
		fmt.Printf("%s  %-8s %-10s %-10s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, scope, e.Status, e.Message)
		if e.Error != "" {
			fmt.Printf(" (%s)", e.Error)
		}
		fmt.Println()
	}
	return nil
}

func listSessions(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(cfg.Memory.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.List(ctx, session.Filter{Status: session.Status(statusFilter)})
	if err != nil {
		return err
	}
	for _, s := range list {
		title := ""
		if s.Plan != nil {
			title = s.Plan.Title
		}
		fmt.Printf("%s  %-10s %s/%s  %s\n", s.ID, s.Status, s.Channel, s.ChannelID, title)
	}
	fmt.Println("\nRun 'cantiere audit <session-id>' for the audit trail")
	return nil
}
