package main

import (
	"fmt"

	"github.com/italolelis/media_relay/internal/quota"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/italolelis/media_relay/internal/storage/sqlstore"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage user plan tiers",
}

var planSetCmd = &cobra.Command{
	Use:   "set <user-id> <tier>",
	Short: "Assign a plan tier (free, basic, premium, unlimited) to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		tier := quota.ParseTier(args[1])
		if _, ok := cfg.PlanTable()[tier]; !ok {
			return fmt.Errorf("unknown tier %q", args[1])
		}

		store, err := sqlstore.Open(ctx, cfg.LedgerDriver, cfg.LedgerDSN, storage.GenerateInstanceID())
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		if err := store.SetPlan(ctx, args[0], tier); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "user %s is now on the %s plan\n", args[0], tier)

		return nil
	},
}

func init() {
	planCmd.AddCommand(planSetCmd)
	rootCmd.AddCommand(planCmd)
}
