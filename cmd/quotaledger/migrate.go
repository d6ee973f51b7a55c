package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables if they don't exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.schema(cmd.Context()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
