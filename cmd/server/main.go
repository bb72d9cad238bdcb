package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "feezero-payments",
		Short:   "FeeZero payment issuance and webhook reconciliation",
		Version: Version,
		// With no subcommand the service runs.
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml); defaults to $FEEZERO_CONFIG")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(webhookCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
