package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/feezero/payments/internal/config"
	"github.com/feezero/payments/internal/webhook"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Replay and sign provider webhook bodies",
	}
	cmd.AddCommand(webhookReplayCmd())
	cmd.AddCommand(webhookSignCmd())
	return cmd
}

func webhookReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Apply captured webhook bodies, one per line, without signature checks",
		Long: `Feed captured webhook bodies through reconciliation.

Each non-empty line that does not start with # is one webhook body.
Events already applied are reported as duplicates, so a file can be
replayed safely. Use "-" to read standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.processor.Replay(cmd.Context(), in)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(),
					"events: %d  applied: %d  recorded: %d  duplicates: %d  ignored: %d  malformed: %d\n",
					res.Events, res.Applied, res.Recorded, res.Duplicates, res.Ignored, res.Malformed)
			}
			return err
		},
	}
}

func webhookSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <file>",
		Short: "Print the " + webhook.SignatureHeader + " value for a body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Coinbase.WebhookSecret == "" {
				return errors.New("coinbase.webhook_secret is not set")
			}

			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			payload, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), webhook.Sign(payload, []byte(cfg.Coinbase.WebhookSecret)))
			return nil
		},
	}
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
