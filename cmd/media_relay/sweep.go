package main

import (
	"fmt"

	"github.com/italolelis/media_relay/internal/cleanup"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired staged artifacts once and exit",
	Long: `Remove staged artifacts older than STAGING_RETENTION. Run it only while
no relay is serving from the same staging directory.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		n, err := cleanup.DeleteExpiredArtifacts(ctx, stagingDir(cfg), cfg.StagingRetention, nil)
		if err != nil {
			return fmt.Errorf("failed to sweep staging dir: %w", err)
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "sweep finished", "removed", n)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
