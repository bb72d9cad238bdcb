package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/reconciliation"
	"github.com/feezero/payments/internal/repository"
)

func chargeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Inspect and repair charges",
	}
	cmd.AddCommand(chargeShowCmd())
	cmd.AddCommand(chargeSyncCmd())
	cmd.AddCommand(chargeCancelCmd())
	return cmd
}

func chargeShowCmd() *cobra.Command {
	var remote, asJSON bool
	cmd := &cobra.Command{
		Use:   "show <chargeId>",
		Short: "Print a charge and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			charge, err := a.charges.GetByChargeID(ctx, args[0])
			if errors.Is(err, repository.ErrNotFound) {
				charge, err = a.charges.GetByID(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("charge %s: %w", args[0], err)
			}

			var (
				tasks   []domain.OutboxTask
				release *domain.EscrowRelease
			)
			if charge.ChargeID != "" {
				if tasks, err = a.outbox.ListByCharge(ctx, charge.ChargeID); err != nil {
					return err
				}
				release, err = a.escrow.GetByChargeID(ctx, charge.ChargeID)
				if err != nil && !errors.Is(err, repository.ErrNotFound) {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*domain.Charge
					Tasks  []domain.OutboxTask   `json:"tasks"`
					Escrow *domain.EscrowRelease `json:"escrow,omitempty"`
				}{charge, tasks, release})
			}
			printCharge(out, charge)
			printSideEffects(out, tasks, release)

			if remote {
				if charge.ChargeID == "" {
					return errors.New("charge was never issued to the provider")
				}
				rc, err := a.coinbase.GetCharge(ctx, charge.ChargeID)
				if err != nil {
					return fmt.Errorf("fetch provider charge: %w", err)
				}
				fmt.Fprintln(out, "\nProvider timeline:")
				for _, e := range rc.Timeline {
					fmt.Fprintf(out, "  %s  %s\n", e.Time.UTC().Format(time.RFC3339), e.Status)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also fetch the provider's view of the charge")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func chargeSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [chargeId]",
		Short: "Pull provider state for one charge, or for every stale charge",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var res *reconciliation.SyncResult
			if len(args) == 1 {
				res, err = a.syncer.SyncCharge(cmd.Context(), args[0])
			} else {
				res, err = a.syncer.RunOnce(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked: %d  applied: %d  recorded: %d  duplicates: %d  failed: %d  orphaned: %d\n",
				res.Checked, res.Applied, res.Recorded, res.Duplicates, res.Failed, res.Orphaned)
			return nil
		},
	}
}

func chargeCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <chargeId>",
		Short: "Cancel a charge that has not reached a final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.processor.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel %s: %w", args[0], err)
			}
			charge, err := a.charges.GetByChargeID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if charge.Status != domain.StatusCancelled {
				return fmt.Errorf("charge %s is already %s", args[0], charge.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Outcome)
			return nil
		},
	}
}

func printSideEffects(w io.Writer, tasks []domain.OutboxTask, release *domain.EscrowRelease) {
	if len(tasks) > 0 {
		fmt.Fprintln(w, "\nSide effects:")
		for _, t := range tasks {
			printTask(w, &t)
		}
	}
	if release != nil {
		fmt.Fprintf(w, "\nEscrow released %s %s to %s at %s\n",
			release.Amount.String(), release.Currency, release.ContractID,
			release.ReleasedAt.UTC().Format(time.RFC3339))
	}
}

func printTask(w io.Writer, t *domain.OutboxTask) {
	fmt.Fprintf(w, "  %-24s %-8s attempts=%d  id=%s\n", t.Kind, t.State, t.Attempts, t.ID)
	if t.LastError != "" {
		fmt.Fprintf(w, "    last error: %s\n", t.LastError)
	}
}

func printCharge(w io.Writer, c *domain.Charge) {
	fmt.Fprintf(w, "Charge %s\n", c.ChargeID)
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "  Local ID:   %s\n", c.ID)
	fmt.Fprintf(w, "  Reference:  %s\n", c.Reference)
	fmt.Fprintf(w, "  Amount:     %s %s\n", c.Amount.String(), c.Currency)
	fmt.Fprintf(w, "  Status:     %s\n", c.Status)
	if c.HostedURL != "" {
		fmt.Fprintf(w, "  Hosted URL: %s\n", c.HostedURL)
	}
	fmt.Fprintf(w, "  Updated:    %s\n", c.UpdatedAt.Format(time.RFC3339))

	fmt.Fprintln(w, "\nTimeline:")
	for _, e := range c.Timeline {
		applied := " "
		if e.Applied {
			applied = "*"
		}
		fmt.Fprintf(w, "  %s %s  %-10s %-9s %s\n",
			applied,
			e.ProviderTimestamp.UTC().Format(time.RFC3339),
			e.Status,
			e.Source,
			e.EventID,
		)
	}
}
