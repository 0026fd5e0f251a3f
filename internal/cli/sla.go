package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-engine/internal/config"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/sla"
)

func newSLACommand() *cobra.Command {
	slaCmd := &cobra.Command{
		Use:   "sla",
		Short: "Inspect the SLA policy",
	}

	var (
		priority string
		created  string
	)
	dueCmd := &cobra.Command{
		Use:   "due",
		Short: "Print the due date and breach state for a priority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			settings, err := config.LoadSLAPolicy(cfg.SLA.PolicyFile)
			if err != nil {
				return err
			}
			policy, err := sla.NewPolicy(settings, cfg.SLA.WarningMargin)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			createdAt := now
			if created != "" {
				createdAt, err = time.Parse(time.RFC3339, created)
				if err != nil {
					return fmt.Errorf("invalid --created: %w", err)
				}
			}
			due, err := policy.ComputeDueDate(domain.TicketPriority(strings.ToUpper(priority)), createdAt)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "due_date: %s\n", due.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "state: %s\n", policy.Classify(due, now))
			return nil
		},
	}
	dueCmd.Flags().StringVar(&priority, "priority", string(domain.TicketPriorityMedium), "ticket priority (LOW, MEDIUM, HIGH, CRITICAL)")
	dueCmd.Flags().StringVar(&created, "created", "", "creation time in RFC3339 (default now)")

	slaCmd.AddCommand(dueCmd)
	return slaCmd
}
