package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver pending side effects",
	}
	cmd.AddCommand(outboxDrainCmd())
	cmd.AddCommand(outboxStatusCmd())
	cmd.AddCommand(outboxShowCmd())
	return cmd
}

func outboxDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due outbox task once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			dispatcher, err := a.dispatcher()
			if err != nil {
				return err
			}
			stats, err := dispatcher.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("drain outbox: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done: %d  rescheduled: %d  dead: %d\n",
				stats.Done, stats.Rescheduled, stats.Dead)
			return nil
		},
	}
}

func outboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count outbox tasks per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.outbox.Summary(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, state := range []string{"pending", "done", "dead"} {
				fmt.Fprintf(out, "%-8s %d\n", state, summary[state])
			}
			return nil
		},
	}
}

func outboxShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <taskId>",
		Short: "Print one outbox task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.outbox.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			printTask(out, task)
			fmt.Fprintf(out, "    charge: %s  next attempt: %s\n",
				task.ChargeID, task.NextAttemptAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
