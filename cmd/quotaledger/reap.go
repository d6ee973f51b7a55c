package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release every expired authorization once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, b, err := openLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.close()

		r, closeLease := newReaper(ledger, cfg.Reaper, slog.Default())
		defer closeLease()

		report, err := r.RunOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d skipped=%d failed=%d released=%s\n",
			report.Scanned, report.Expired, report.Skipped, report.Failed, report.Released)
		return err
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
