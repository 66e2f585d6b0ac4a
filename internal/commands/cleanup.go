package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/grumpyguvner/tempmail/internal/cleanup"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/spf13/cobra"
)

func NewCleanupCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired emails now",
		Long: `Delete every email (and its attachments) received before the retention
window. The running server does this on cleanup_schedule; this command runs
one pass immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			keep := retention(cfg)
			if cmd.Flags().Changed("older-than") {
				keep = olderThan
			}
			if keep <= 0 {
				return fmt.Errorf("retention must be positive, got %s", keep)
			}

			ctx := context.Background()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := cleanup.New(a.inbox, keep).RunOnce(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d emails older than %s\n", deleted, keep)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override the retention window (e.g. 12h)")

	return cmd
}
