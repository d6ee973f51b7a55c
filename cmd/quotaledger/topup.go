package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger"
)

var (
	topupUser    string
	topupPackage string
	topupAmount  string
	topupOrder   string
	topupReason  string

	poolUser     string
	poolPackage  string
	poolPriority int
	poolExpires  string
	poolModels   []string
)

var topupCmd = &cobra.Command{
	Use:   "topup",
	Short: "Credit a user's pool",
	Long: `Credit a user's pool with a purchased or granted amount.

The pool must exist (see "quotaledger pool"). A repeated --order returns
the original credit instead of crediting twice.

Examples:
  quotaledger topup --user u1 --amount 100 --order ord-42
  quotaledger topup --user u1 --package pro-2026 --amount 2500 --reason grant`,
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(topupAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", topupAmount, err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, b, err := openLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.close()

		entry, err := ledger.Increase(cmd.Context(), quotaledger.IncreaseRequest{
			UserID:    topupUser,
			PackageID: optional(topupPackage),
			Amount:    amount,
			OrderID:   topupOrder,
			Reason:    topupReason,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "entry %d: pool %d available %s -> %s\n",
			entry.ID, entry.PoolID, entry.Before, entry.After)
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Create a pool or update its package attributes",
	Long: `Create a user's pool with zero balances, or update the priority, expiry
and model list of the existing pool. Balances are never touched.

Examples:
  quotaledger pool --user u1
  quotaledger pool --user u1 --package pro-2026 --priority 10 \
    --expires 2026-12-31T23:59:59Z --models gpt-4o,gpt-4o-mini`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := quotaledger.Pool{
			UserID:    poolUser,
			PackageID: optional(poolPackage),
			Priority:  poolPriority,
			Models:    poolModels,
		}
		if poolExpires != "" {
			t, err := time.Parse(time.RFC3339, poolExpires)
			if err != nil {
				return fmt.Errorf("invalid --expires %q: %w", poolExpires, err)
			}
			p.ExpiresAt = &t
		}

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

		saved, err := b.store.UpsertPool(cmd.Context(), p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pool %d: user %s available %s frozen %s used %s\n",
			saved.ID, saved.UserID, saved.Available, saved.Frozen, saved.Used)
		return nil
	},
}

func init() {
	topupCmd.Flags().StringVar(&topupUser, "user", "", "user id (required)")
	topupCmd.Flags().StringVar(&topupPackage, "package", "", "package id; empty selects the default pool")
	topupCmd.Flags().StringVar(&topupAmount, "amount", "", "amount to credit (required)")
	topupCmd.Flags().StringVar(&topupOrder, "order", "", "order id used as idempotency key")
	topupCmd.Flags().StringVar(&topupReason, "reason", "", "reason recorded on the entry")
	topupCmd.MarkFlagRequired("user")
	topupCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(topupCmd)

	poolCmd.Flags().StringVar(&poolUser, "user", "", "user id (required)")
	poolCmd.Flags().StringVar(&poolPackage, "package", "", "package id; empty is the default pool")
	poolCmd.Flags().IntVar(&poolPriority, "priority", 0, "draw priority, higher first")
	poolCmd.Flags().StringVar(&poolExpires, "expires", "", "expiry time (RFC 3339); empty never expires")
	poolCmd.Flags().StringSliceVar(&poolModels, "models", nil, "models the pool pays for; empty grants every model")
	poolCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(poolCmd)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
